package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of the S3 client the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig configures the review screenshot archive.
type ArchiveConfig struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores such as
	// MinIO or R2. Path-style addressing is used when it is set.
	Endpoint string
	Prefix   string
	// AccessKeyID and SecretAccessKey select static credentials instead of
	// the default chain. Both or neither.
	AccessKeyID     string
	SecretAccessKey string
}

// CaptureArchive keeps the original screenshots of records that need review
// so a person can compare them with what was extracted.
type CaptureArchive struct {
	client objectPutter
	bucket string
	prefix string
}

// NewCaptureArchive builds an archive. Without static keys the default AWS
// credential chain is used.
func NewCaptureArchive(ctx context.Context, cfg ArchiveConfig) (*CaptureArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("access key ID and secret access key must be set together")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newCaptureArchive(client, cfg.Bucket, cfg.Prefix), nil
}

func newCaptureArchive(client objectPutter, bucket, prefix string) *CaptureArchive {
	return &CaptureArchive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey is where a capture of a batch is stored.
func (a *CaptureArchive) ObjectKey(batchID, captureID, mimeType string) string {
	ext := ".bin"
	switch mimeType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	case "image/bmp":
		ext = ".bmp"
	case "image/tiff":
		ext = ".tiff"
	}
	// Capture IDs come from producers; keep them to one path segment.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(captureID)
	return path.Join(a.prefix, batchID, safe+ext)
}

// Put uploads the encoded screenshot and returns its object key.
func (a *CaptureArchive) Put(ctx context.Context, batchID, captureID, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("capture %s has no encoded bytes", captureID)
	}
	key := a.ObjectKey(batchID, captureID, mimeType)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"capture-id": captureID,
			"batch-id":   batchID,
		},
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object failed: %w", err)
	}
	return key, nil
}
