package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

// S3Archive stores verified webhook payloads in an S3 compatible bucket
// (AWS, Backblaze B2, MinIO).
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive creates the client and checks that the bucket is reachable.
// Outside production a missing bucket is created.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig, appEnv string) (*S3Archive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("payload archive is disabled")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// B2 and MinIO need path-style URLs
			o.UsePathStyle = true
		}
	})

	a := &S3Archive{client: client, bucket: cfg.BucketName}
	if err := a.ensureBucket(ctx, cfg, appEnv); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}
	log.Infof("[Archive] Archiving webhook payloads to bucket %s", cfg.BucketName)
	return a, nil
}

func (a *S3Archive) ensureBucket(ctx context.Context, cfg config.ArchiveConfig, appEnv string) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return nil
	}
	if appEnv == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", a.bucket, err)
	}

	log.Warnf("[Archive] Bucket %s not found, attempting to create it", a.bucket)
	input := &s3.CreateBucketInput{Bucket: aws.String(a.bucket)}
	if cfg.EndpointURL == "" && cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(cfg.Region),
		}
	}
	if _, err := a.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey places payloads by provider and day, e.g.
// "webhooks/stripe/2024/03/01/evt_123.json".
func ObjectKey(provider billing.Provider, eventID string, occurredAt time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s/%s.json", provider, occurredAt.UTC().Format("2006/01/02"), sanitize(eventID))
}

func sanitize(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Put implements billing.PayloadArchive.
func (a *S3Archive) Put(ctx context.Context, provider billing.Provider, eventID string, occurredAt time.Time, raw []byte) error {
	key := ObjectKey(provider, eventID, occurredAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"provider": string(provider),
			"event-id": eventID,
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	log.Debugf("[Archive] Stored s3://%s/%s (%d bytes)", a.bucket, key, len(raw))
	return nil
}
