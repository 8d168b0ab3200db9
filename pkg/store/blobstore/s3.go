// Package blobstore optionally archives full, untruncated endpoint response
// bodies to S3 beyond the in-memory bodySummary cap the executor's
// HTTPCaller applies. Adapted from a log-archival S3 store of the same
// shape: a bucket/prefix/region config, a client built once in New, and a
// key-per-record upload path — generalized from log lines to endpoint
// response bodies keyed by job/endpoint/cycle.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config controls the archiver's target bucket and credentials.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores (minio, etc)
	AccessKeyID     string
	SecretAccessKey string
}

// Store archives endpoint response bodies to S3. A zero-value Bucket means
// archival is disabled; Put becomes a no-op so callers don't need to branch
// on whether archival is configured.
type Store struct {
	cfg    Config
	client *s3.Client
}

// New builds an S3-backed Store. When cfg.Bucket is empty, the returned
// Store accepts Put calls but never uploads anything.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return &Store{cfg: cfg}, nil
	}

	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{cfg: cfg, client: client}, nil
}

// Put archives one endpoint call's full response body under a key derived
// from jobID/endpointID/cycleNumber. It is a no-op when archival is
// disabled.
func (s *Store) Put(ctx context.Context, jobID, endpointID string, cycleNumber int64, body []byte) error {
	if s.client == nil {
		return nil
	}

	key := fmt.Sprintf("%s/%s/%s/%d-%d.json", s.cfg.Prefix, jobID, endpointID, cycleNumber, time.Now().UnixNano())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get retrieves a previously archived response body by its full key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, fmt.Errorf("blobstore: archival not configured")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
