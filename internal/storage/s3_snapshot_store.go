package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/portfolio-briefing/internal/config"
	"github.com/portfolio-briefing/internal/models"
)

// s3API is the subset of *s3.Client the snapshot store uses
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// S3SnapshotStore keeps each snapshot as a JSON object at {prefix}/{owner}/{date}.json.
// Works with AWS S3 and S3-compatible stores (MinIO, R2) via a custom endpoint.
type S3SnapshotStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3SnapshotStore builds an S3 client from static credentials
func NewS3SnapshotStore(ctx context.Context, cfg config.S3Config) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot store: bucket name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 snapshot store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewS3SnapshotStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SnapshotStoreWithClient uses an existing client
func NewS3SnapshotStoreWithClient(client s3API, bucket, prefix string) *S3SnapshotStore {
	return &S3SnapshotStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// normaliseEndpoint adds https:// when the endpoint has no scheme
func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

func (s *S3SnapshotStore) ownerPrefix(ownerID string) string {
	return path.Join(s.prefix, ownerID) + "/"
}

func (s *S3SnapshotStore) objectKey(ownerID string, date time.Time) string {
	return s.ownerPrefix(ownerID) + models.DateKey(date) + ".json"
}

// Health checks that the bucket is reachable
func (s *S3SnapshotStore) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 snapshot store: bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}

// Put writes the snapshot object, overwriting any existing one
func (s *S3SnapshotStore) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	data, err := encodeSnapshot(ownerID, date, snapshot)
	if err != nil {
		return err
	}

	key := s.objectKey(ownerID, date)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 snapshot store: put %s: %w", key, err)
	}
	return nil
}

// Get returns the snapshot for (ownerID, date), or nil when no object exists
func (s *S3SnapshotStore) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	key := s.objectKey(ownerID, date)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 snapshot store: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 snapshot store: read %s: %w", key, err)
	}
	return decodeSnapshot(data)
}

// listKeys returns the date keys stored for an owner
func (s *S3SnapshotStore) listKeys(ctx context.Context, ownerID string) ([]string, error) {
	prefix := s.ownerPrefix(ownerID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 snapshot store: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.HasSuffix(name, ".json") && !strings.Contains(name, "/") {
				keys = append(keys, strings.TrimSuffix(name, ".json"))
			}
		}
	}
	return keys, nil
}

// ListDates returns the stored snapshot dates for an owner, newest first
func (s *S3SnapshotStore) ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error) {
	keys, err := s.listKeys(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return newestDates(keys, limit), nil
}

// DeleteOlderThan removes an owner's snapshot objects dated before cutoff
func (s *S3SnapshotStore) DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	keys, err := s.listKeys(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	cutoffKey := models.DateKey(cutoff)
	var deleted int64
	for _, dateKey := range keys {
		if _, err := models.ParseDateKey(dateKey); err != nil || dateKey >= cutoffKey {
			continue
		}
		key := s.ownerPrefix(ownerID) + dateKey + ".json"
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return deleted, fmt.Errorf("s3 snapshot store: delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}

// isNotFound reports whether err means the object does not exist
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// some S3-compatible providers only give a bare 404
	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}
