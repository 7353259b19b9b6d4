package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/finch-technologies/queue-drain/adapters"
	"github.com/finch-technologies/queue-drain/storage/types"
	"github.com/finch-technologies/queue-drain/utils"
)

// S3API is the subset of the s3 client used by the storage.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Storage struct {
	Client    S3API
	Bucket    string
	KeyPrefix string
	Region    string
}

type S3Config struct {
	Bucket          string
	Region          string
	KeyPrefix       string
	AccessKeyId     string
	SecretAccessKey string
	EndpointUrl     string
}

func getConfig(config S3Config) (S3Config, error) {
	if config.Bucket == "" {
		return config, errors.New("bucket is required")
	}

	utils.MergeObjects(&config, S3Config{
		Region: utils.StringOrDefault(os.Getenv("S3_REGION"), "af-south-1"),
	})

	return config, nil
}

func New(ctx context.Context, config S3Config) (*S3Storage, error) {
	cfg, err := getConfig(config)
	if err != nil {
		return nil, err
	}

	awsCfg, err := adapters.LoadAWSConfig(ctx, adapters.AwsOptions{
		Region:          cfg.Region,
		AccessKeyId:     cfg.AccessKeyId,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
			o.UsePathStyle = true
		}
		if os.Getenv("S3_DEBUG") == "true" {
			o.ClientLogMode = aws.LogSigning | aws.LogRequest | aws.LogResponseWithBody
		}
	})

	return NewWithClient(client, cfg), nil
}

func NewWithClient(client S3API, cfg S3Config) *S3Storage {
	return &S3Storage{
		Client:    client,
		Bucket:    cfg.Bucket,
		KeyPrefix: cfg.KeyPrefix,
		Region:    cfg.Region,
	}
}

func (s *S3Storage) objectKey(key string) string {
	if s.KeyPrefix == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", s.KeyPrefix, key)
}

// Upload puts the object and returns its s3:// url.
func (s *S3Storage) Upload(ctx context.Context, file []byte, key string, options ...types.UploadOptions) (string, error) {
	key = s.objectKey(key)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(file),
		ContentLength: aws.Int64(int64(len(file))),
	}

	if len(options) > 0 {
		if options[0].ContentType != "" {
			input.ContentType = aws.String(options[0].ContentType)
		}
		input.Metadata = options[0].Metadata
	}

	if _, err := s.Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

func (s *S3Storage) Download(ctx context.Context, key string) ([]byte, error) {
	output, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file from S3: %w", err)
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}
