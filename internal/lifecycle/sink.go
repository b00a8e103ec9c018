package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/adperf-engine/internal/domain"
)

// Sink receives archived summaries. Writes must be idempotent per key.
type Sink interface {
	Put(ctx context.Context, snap domain.Snapshot, body []byte) error
}

// ArchiveKey is the object key a summary is archived under.
func ArchiveKey(prefix string, snap domain.Snapshot) string {
	if prefix == "" {
		prefix = "archive"
	}
	return path.Join(strings.Trim(prefix, "/"), string(snap.Platform), string(snap.Granularity),
		snap.PeriodID, snap.AccountID+".json")
}

// S3Sink writes archived summaries as JSON objects to a bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads the default AWS credential chain for region.
func NewS3Sink(ctx context.Context, bucket, region, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for archive sink: %w", err)
	}
	return NewS3SinkFromClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3SinkFromClient wraps an existing client.
func NewS3SinkFromClient(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Client exposes the S3 client for health checks.
func (s *S3Sink) Client() *s3.Client { return s.client }

// Bucket is the destination bucket.
func (s *S3Sink) Bucket() string { return s.bucket }

func (s *S3Sink) Put(ctx context.Context, snap domain.Snapshot, body []byte) error {
	key := ArchiveKey(s.prefix, snap)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, key, err)
	}
	log.Printf("[Lifecycle] archived %s/%s (%d bytes)", s.bucket, key, len(body))
	return nil
}
