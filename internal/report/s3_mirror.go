package report

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"analysis-orchestrator/internal/config"
)

// S3Mirror copies reports into a bucket under an optional prefix.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror returns nil when no bucket is configured.
func NewS3Mirror(ctx context.Context, cfg config.Config) (*S3Mirror, error) {
	if cfg.ReportS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Mirror{
		client: client,
		bucket: cfg.ReportS3Bucket,
		prefix: strings.Trim(cfg.ReportS3Prefix, "/"),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.ReportS3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.ReportS3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
	}), nil
}

// Upload writes the report object and returns its s3:// location.
func (m *S3Mirror) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
