// Package storage delivers final job artifacts to object storage. The S3
// deliverer uploads the artifact and returns its public URL; when no bucket
// is configured the pipeline keeps the artifact local only.
package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for S3 artifact delivery.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	KeyPrefix       string // Optional: prefix for object keys
}

// s3API is the slice of the S3 client the deliverer uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Deliverer uploads final artifacts to an S3 bucket.
type S3Deliverer struct {
	client    s3API
	bucket    string
	region    string
	keyPrefix string
}

// NewS3Deliverer creates an S3Deliverer from the given configuration.
func NewS3Deliverer(cfg S3Config) (*S3Deliverer, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Deliverer{
		client:    s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Deliver uploads the artifact at localPath under the job's key and returns
// the public URL.
func (d *S3Deliverer) Deliver(ctx context.Context, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 - path comes from the job workspace
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := d.objectKey(jobID, localPath)
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact to S3: %w", err)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", d.bucket, d.region, key), nil
}

// objectKey builds the object key for a job's artifact.
func (d *S3Deliverer) objectKey(jobID, localPath string) string {
	key := path.Join(jobID, filepath.Base(localPath))
	if d.keyPrefix != "" {
		key = path.Join(d.keyPrefix, key)
	}
	return key
}
