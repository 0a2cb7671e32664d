package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

// S3Config holds the configuration for the S3 report store.
type S3Config struct {
	Endpoint        string // optional, for S3-compatible stores
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
	ForcePathStyle  bool
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportStore keeps final run reports in S3-compatible object storage.
type ReportStore struct {
	client s3API
	bucket string
	prefix string
}

// NewReportStore creates a report store. base supplies the default
// credential chain when cfg carries no static keys.
func NewReportStore(base aws.Config, cfg S3Config) *ReportStore {
	client := s3.NewFromConfig(base, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newReportStore(client, cfg.Bucket, cfg.Prefix)
}

func newReportStore(client s3API, bucket, prefix string) *ReportStore {
	return &ReportStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ReportKey returns the object key for a run report:
// <prefix>/<environment>/<run-id>.json. Runs without an environment are
// filed under their kind.
func (s *ReportStore) ReportKey(r *fleet.Report) string {
	scope := r.Environment
	if scope == "" {
		scope = string(r.Kind)
	}
	return path.Join(s.prefix, scope, r.RunID+".json")
}

// Upload stores r as JSON and returns its key.
func (s *ReportStore) Upload(ctx context.Context, r *fleet.Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report %s: %w", r.RunID, err)
	}

	key := s.ReportKey(r)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to s3://%s/%s: %w", s.bucket, key, err)
	}
	return key, nil
}
