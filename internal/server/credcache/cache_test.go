package credcache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkvault/chunkvault/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCreds(bucket string) storage.Config {
	return storage.Config{Kind: storage.KindS3, S3: storage.S3Config{Bucket: bucket}}
}

func TestGetMissAndPopulate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(30*time.Minute, clock)

	_, ok := c.Get("u1", "f1")
	assert.False(t, ok)

	creds, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
		return testCreds("backup"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "backup", creds.S3.Bucket)

	got, ok := c.Get("u1", "f1")
	require.True(t, ok)
	assert.Equal(t, "backup", got.S3.Bucket)
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(30*time.Minute, clock)

	_, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
		return testCreds("backup"), nil
	})
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	_, ok := c.Get("u1", "f1")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("u1", "f1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be removed lazily")
}

func TestEagerEvict(t *testing.T) {
	c := New(30*time.Minute, &fakeClock{now: time.Unix(1000, 0)})

	_, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
		return testCreds("backup"), nil
	})
	require.NoError(t, err)

	c.Evict("u1", "f1")
	_, ok := c.Get("u1", "f1")
	assert.False(t, ok)
}

func TestPopulateError(t *testing.T) {
	c := New(30*time.Minute, &fakeClock{now: time.Unix(1000, 0)})

	wantErr := errors.New("bad envelope")
	_, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
		return storage.Config{}, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentPopulateDecryptsOnce(t *testing.T) {
	c := New(30*time.Minute, &fakeClock{now: time.Unix(1000, 0)})

	var calls atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			creds, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return testCreds("backup"), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "backup", creds.S3.Bucket)
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "losing writers must reuse the winner's value")
}

func TestEntriesAreIndependentPerFile(t *testing.T) {
	c := New(30*time.Minute, &fakeClock{now: time.Unix(1000, 0)})

	_, err := c.GetOrPopulate("u1", "f1", func() (storage.Config, error) {
		return testCreds("one"), nil
	})
	require.NoError(t, err)
	_, err = c.GetOrPopulate("u1", "f2", func() (storage.Config, error) {
		return testCreds("two"), nil
	})
	require.NoError(t, err)

	a, _ := c.Get("u1", "f1")
	b, _ := c.Get("u1", "f2")
	assert.Equal(t, "one", a.S3.Bucket)
	assert.Equal(t, "two", b.S3.Bucket)
}
