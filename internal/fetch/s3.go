package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used for downloads
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the S3 client used for s3:// sources
type S3Config struct {
	Region          string
	Endpoint        string // custom endpoint for S3-compatible storage (MinIO, Localstack)
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
}

// S3Fetcher retrieves s3://bucket/key sources
type S3Fetcher struct {
	client S3API
}

// NewS3Fetcher wraps an existing S3 client
func NewS3Fetcher(client S3API) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// NewS3Client builds an S3 client from cfg, falling back to the default AWS
// credential chain when no static keys are given.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	if cfg.Region != "" {
		configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Path-style addressing for MinIO/Localstack compatibility
			o.UsePathStyle = true
		}
	})

	return client, nil
}

// Fetch downloads the object named by an s3://bucket/key source
func (f *S3Fetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(source)
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}

	return out.Body, nil
}

// ParseS3URL splits s3://bucket/key into its bucket and key.
func ParseS3URL(source string) (bucket, key string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %s", source)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.New("s3 URL must have the form s3://bucket/key")
	}
	return bucket, key, nil
}
