package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/utils"
)

// Mirror copies synced export files into an S3 bucket.
type Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// ParseTarget splits "s3://bucket/prefix" (or "bucket/prefix") into its parts.
func ParseTarget(target string) (string, string, error) {
	target = strings.TrimPrefix(target, "s3://")
	bucket, prefix, _ := strings.Cut(target, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 target %q", target)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// New loads the AWS configuration for profile and targets the given bucket.
func New(ctx context.Context, profile, target string) (*Mirror, error) {
	bucket, prefix, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewWithClient(client manager.UploadAPIClient, bucket, prefix string) *Mirror {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = utils.DefaultBytesPerChunk
		u.Concurrency = 4
	})
	return &Mirror{uploader: uploader, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key maps a local file below root to its object key.
func (m *Mirror) Key(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", file, root)
	}
	if m.prefix == "" {
		return rel, nil
	}
	return path.Join(m.prefix, rel), nil
}

// Publish uploads every downloaded file in results. In-memory contents and
// failed downloads are skipped. It returns the number of objects written.
func (m *Mirror) Publish(ctx context.Context, results []transfer.Result, root string) (int, error) {
	var errs []error
	published := 0
	for _, result := range results {
		if !result.OK() || !result.Content.IsFile() {
			continue
		}
		if err := m.publishFile(ctx, root, result.Content.Path()); err != nil {
			log.Error().Str("op", "mirror/mirror").Msgf("Mirroring %s failed: %v", result.Content.Path(), err)
			errs = append(errs, err)
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

func (m *Mirror) publishFile(ctx context.Context, root, file string) error {
	key, err := m.Key(root, file)
	if err != nil {
		return err
	}
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(file); err == nil {
		contentType = mt.String()
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", m.bucket, key, err)
	}
	log.Info().Str("op", "mirror/mirror").Msgf("Mirrored %s to s3://%s/%s", file, m.bucket, key)
	return nil
}
