package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// presignValidity bounds how long a resolved download location stays
// fetchable.
const presignValidity = 15 * time.Minute

// Indirections for tests.
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
	headObject = func(c *s3.Client, ctx context.Context, in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		return c.HeadObject(ctx, in)
	}
	deleteObject = func(c *s3.Client, ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		return c.DeleteObject(ctx, in)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Backend stores chunks as objects in an S3-compatible bucket and resolves
// download locations as presigned GET URLs.
type S3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Backend builds the client once from static credentials.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	awsCfg, err := loadDefaultAWSConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config error: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Backend{
		client:  client,
		presign: newS3PresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (b *S3Backend) Name() string { return KindS3 }

func makeStorageKey(ownerID string) string {
	d := time.Now()
	return fmt.Sprintf("%s/%d/%d/%d/%v", ownerID, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (b *S3Backend) Upload(ctx context.Context, ownerID string, data []byte, label string) (string, error) {
	key := makeStorageKey(ownerID)

	_, err := putObject(b.client, ctx, &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("%w: s3 put %s: %v", common.ErrBackendUnavailable, label, err)
	}

	return key, nil
}

func (b *S3Backend) ResolveDownloadLocation(ctx context.Context, ownerID, ref string) (Location, error) {
	_, err := headObject(b.client, ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &ref,
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Location{}, fmt.Errorf("%w: s3 object %s", common.ErrNotFound, ref)
		}
		return Location{}, fmt.Errorf("%w: s3 head %s: %v", common.ErrBackendUnavailable, ref, err)
	}

	req, err := presignGetObject(b.presign, ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &ref,
	}, s3.WithPresignExpires(presignValidity))
	if err != nil {
		return Location{}, fmt.Errorf("%w: s3 presign %s: %v", common.ErrBackendUnavailable, ref, err)
	}

	return Location{URL: req.URL, ExpiresAt: time.Now().Add(presignValidity)}, nil
}

func (b *S3Backend) Delete(ctx context.Context, ref string) error {
	_, err := deleteObject(b.client, ctx, &s3.DeleteObjectInput{
		Bucket: &b.bucket,
		Key:    &ref,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 delete %s: %v", common.ErrBackendUnavailable, ref, err)
	}
	return nil
}
