package offload

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/metrics"
)

// S3Config configures the offload bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	// TTL is the lifetime of presigned URLs.
	TTL time.Duration
}

// S3Presigner presigns GetObject requests against one bucket.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Presigner builds a presigner from static credentials. An empty
// endpoint uses AWS itself; any other endpoint is addressed path-style.
func NewS3Presigner(ctx context.Context, cfg S3Config) (*S3Presigner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Presigner{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		ttl:     ttl,
	}, nil
}

// PresignGet returns a temporary URL for key that downloads as filename.
func (p *S3Presigner) PresignGet(ctx context.Context, key, filename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String("attachment;filename*=UTF-8''" + url.PathEscape(filename))
	}
	req, err := p.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(p.ttl))
	if err != nil {
		metrics.RecordS3Operation("presign_get", false)
		return "", apperr.Wrap(apperr.Transient, "presign "+key, err)
	}
	metrics.RecordS3Operation("presign_get", true)
	return req.URL, nil
}
