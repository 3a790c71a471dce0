package files

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func fileRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "name", "mime_type", "declared_size", "size",
		"total_chunks", "completed", "algorithm", "wrapped_key", "key_iv", "key_salt",
		"created_at", "updated_at",
	})
}

func TestCreateOrResume_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^\s*INSERT\s+INTO\s+files\b.*ON\s+CONFLICT\s*\(id\)\s*DO\s+UPDATE\s+SET\b.*WHERE\s+files\.user_id\s*=\s*EXCLUDED\.user_id;?\s*$`

	mock.ExpectExec(q).
		WithArgs("f1", "u1", "movie.mp4", "video/mp4", int64(7000000), 3, "AES-256-GCM", []byte("wk"), []byte("iv"), []byte("salt")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateOrResume(context.Background(), &models.File{
		ID:           "f1",
		UserID:       "u1",
		Name:         "movie.mp4",
		MimeType:     "video/mp4",
		DeclaredSize: 7000000,
		TotalChunks:  3,
		Algorithm:    "AES-256-GCM",
		WrappedKey:   []byte("wk"),
		KeyIV:        []byte("iv"),
		KeySalt:      []byte("salt"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateOrResume_OtherOwner(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+files\b`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CreateOrResume(context.Background(), &models.File{ID: "f1", UserID: "intruder"})
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestGetByID_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`^SELECT .+ FROM files WHERE id=\$1$`).
		WithArgs("f1").
		WillReturnRows(fileRows().AddRow(
			"f1", "u1", "movie.mp4", "video/mp4", int64(7000000), int64(0),
			3, false, "AES-256-GCM", []byte("wk"), []byte("iv"), []byte("salt"),
			now, now,
		))

	f, err := repo.GetByID(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "movie.mp4" || f.TotalChunks != 3 || f.Completed {
		t.Fatalf("unexpected file: %+v", f)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`^SELECT .+ FROM files WHERE id=\$1$`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetByNameAndSize(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`(?s)^SELECT .+ FROM files\s+WHERE user_id=\$1 AND name=\$2 AND declared_size=\$3`).
		WithArgs("u1", "movie.mp4", int64(7000000)).
		WillReturnRows(fileRows().AddRow(
			"f1", "u1", "movie.mp4", "video/mp4", int64(7000000), int64(0),
			3, false, "AES-256-GCM", nil, nil, nil, now, now,
		))

	f, err := repo.GetByNameAndSize(context.Background(), "u1", "movie.mp4", 7000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID != "f1" {
		t.Fatalf("unexpected id: %s", f.ID)
	}
}

func TestMarkCompleted_Transition(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `^UPDATE files SET completed=true, size=\$2, updated_at=now\(\) WHERE id=\$1 AND completed=false$`

	mock.ExpectExec(q).
		WithArgs("f1", int64(7000123)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := repo.MarkCompleted(context.Background(), "f1", 7000123)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected transition to be performed")
	}
}

func TestMarkCompleted_AlreadyComplete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE files SET completed=true`).
		WithArgs("f1", int64(7000123)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	done, err := repo.MarkCompleted(context.Background(), "f1", 7000123)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("expected no transition for an already-complete file")
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE FROM files WHERE id=\$1$`).
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), "f1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec(`^DELETE FROM files WHERE id=\$1$`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "ghost"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
