package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tibelf/comfyui-proxy/internal/config"
)

// ArchiveService mirrors rendered images to S3 before they are attached to
// Feishu, so the originals survive independent of the spreadsheet record.
// Archiving is best-effort: failures are logged by the caller, never fatal.
type ArchiveService struct {
	client *s3.Client
	bucket string
}

// NewArchiveService creates an S3-backed artifact archive
func NewArchiveService(cfg *config.S3Config) (*ArchiveService, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
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

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &ArchiveService{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Store uploads one rendered image and returns its object key
func (s *ArchiveService) Store(ctx context.Context, taskID, nodeID, filename string, data []byte) (string, error) {
	key := fmt.Sprintf("tasks/%s/%s_%s", taskID, nodeID, filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive image to S3: %w", err)
	}
	return key, nil
}
