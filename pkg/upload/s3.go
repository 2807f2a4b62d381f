package upload

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PartitionBackup/internal/env"
)

// S3Config points at an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	// PartSizeMB is the multipart chunk size; archives above it are sent
	// in parts so images beyond the single PUT limit still upload.
	PartSizeMB int
}

// S3ConfigFromEnv reads the BACKUP_S3_* variables.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket:          env.String("BACKUP_S3_BUCKET", ""),
		Endpoint:        env.String("BACKUP_S3_ENDPOINT", ""),
		Region:          env.String("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     env.String("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.String("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Prefix:          env.String("BACKUP_S3_PREFIX", "partbackup"),
		PartSizeMB:      env.Int("BACKUP_S3_PART_SIZE_MB", defaultPartSizeMB),
	}
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

const (
	defaultPartSizeMB = 64
	uploadConcurrency = 4
)

// S3Uploader copies finished archives into a bucket through the multipart
// upload manager. It implements partbackup.Uploader.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Uploader builds an uploader. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, errors.New("upload: BACKUP_S3_BUCKET is not set")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "upload: load aws config failed")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	partSize := int64(cfg.PartSizeMB) << 20
	return newS3Uploader(client, cfg.Bucket, cfg.Prefix, partSize), nil
}

func newS3Uploader(client manager.UploadAPIClient, bucket, prefix string, partSize int64) *S3Uploader {
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = uploadConcurrency
	})
	return &S3Uploader{uploader: uploader, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Upload puts localPath under the configured prefix and returns its
// s3:// location.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	if u == nil || u.uploader == nil {
		return "", errors.New("upload: uploader is nil")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrapf(err, "upload: open %s failed", localPath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "upload: stat %s failed", localPath)
	}
	if info.IsDir() {
		return "", errors.Errorf("upload: %s is a directory", localPath)
	}

	key := ObjectKey(u.prefix, localPath)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "upload: put %s failed", key)
	}
	location := "s3://" + u.bucket + "/" + key
	log.Info().Str("file", localPath).Str("location", location).Int64("bytes", info.Size()).Msg("upload: archive uploaded")
	return location, nil
}

// ObjectKey joins prefix and the file's base name.
func ObjectKey(prefix, localPath string) string {
	name := filepath.Base(localPath)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
