package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "users"

var (
	// ErrUnsupportedMedia indicates that the uploaded file is not an image.
	ErrUnsupportedMedia = errors.New("media.unsupported_type")

	errMissingBucket = errors.New("media.missing_bucket")
	errMissingRegion = errors.New("media.missing_region")
	errEmptyPath     = errors.New("media.empty_path")
)

// S3Config describes the bucket that receives avatars and cover images.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string
	KeyPrefix       string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// loadDefaultAWSConfig is swapped in tests.
var loadDefaultAWSConfig = config.LoadDefaultConfig

// S3Storage uploads local files to an S3-compatible bucket.
type S3Storage struct {
	client  objectPutter
	config  S3Config
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewS3Storage builds the S3 client from static credentials when provided,
// falling back to the default AWS credential chain otherwise.
func NewS3Storage(ctx context.Context, configuration S3Config, logger *zap.Logger) (*S3Storage, error) {
	if strings.TrimSpace(configuration.Bucket) == "" {
		return nil, fmt.Errorf("media.s3: %w", errMissingBucket)
	}
	if strings.TrimSpace(configuration.Region) == "" {
		return nil, fmt.Errorf("media.s3: %w", errMissingRegion)
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(configuration.Region)}
	if configuration.AccessKeyID != "" && configuration.SecretAccessKey != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			configuration.AccessKeyID,
			configuration.SecretAccessKey,
			"",
		)))
	}
	awsConfig, err := loadDefaultAWSConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("media.s3.config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if configuration.Endpoint != "" {
			o.BaseEndpoint = aws.String(configuration.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Storage(client, configuration, logger), nil
}

func newS3Storage(client objectPutter, configuration S3Config, logger *zap.Logger) *S3Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(configuration.KeyPrefix) == "" {
		configuration.KeyPrefix = defaultKeyPrefix
	}
	return &S3Storage{
		client:  client,
		config:  configuration,
		logger:  logger,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores the image at localPath and returns its public URL.
// The local file is removed whether or not the upload succeeds.
func (storage *S3Storage) Upload(ctx context.Context, localPath string) (string, error) {
	if strings.TrimSpace(localPath) == "" {
		return "", fmt.Errorf("media.upload: %w", errEmptyPath)
	}
	defer func() {
		if removeErr := os.Remove(localPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			storage.logger.Warn("failed to remove uploaded file",
				zap.String("code", "media.upload.cleanup_failed"),
				zap.Error(removeErr))
		}
	}()

	detected, detectErr := mimetype.DetectFile(localPath)
	if detectErr != nil {
		return "", fmt.Errorf("media.upload.detect: %w", detectErr)
	}
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", fmt.Errorf("media.upload.%s: %w", detected.String(), ErrUnsupportedMedia)
	}

	file, openErr := os.Open(localPath)
	if openErr != nil {
		return "", fmt.Errorf("media.upload.open: %w", openErr)
	}
	defer file.Close()

	key := storage.objectKey(detected.Extension())
	_, putErr := storage.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(storage.config.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(detected.String()),
	})
	if putErr != nil {
		storage.logger.Error("media upload failed",
			zap.String("code", "media.upload.put_failed"),
			zap.String("key", key),
			zap.Error(putErr))
		return "", fmt.Errorf("media.upload.put: %w", putErr)
	}
	storage.logger.Info("media uploaded",
		zap.String("code", "media.upload.success"),
		zap.String("key", key),
		zap.String("content_type", detected.String()))
	return storage.publicURL(key), nil
}

func (storage *S3Storage) objectKey(extension string) string {
	now := storage.nowFunc()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s", strings.Trim(storage.config.KeyPrefix, "/"), now.Year(), now.Month(), now.Day(), uuid.NewString(), extension)
}

func (storage *S3Storage) publicURL(key string) string {
	switch {
	case storage.config.PublicBaseURL != "":
		return strings.TrimRight(storage.config.PublicBaseURL, "/") + "/" + key
	case storage.config.Endpoint != "":
		return strings.TrimRight(storage.config.Endpoint, "/") + "/" + storage.config.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", storage.config.Bucket, storage.config.Region, key)
	}
}
