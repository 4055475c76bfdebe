package modelsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plant-disease-api/internal/config"
	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

// Syncer copies model artifacts from a bucket into the local models
// directory before the loader runs.
type Syncer struct {
	client *s3.Client
	bucket string
	prefix string
	log    *zap.Logger
}

func New(ctx context.Context, cfg config.S3Config, log *zap.Logger) (*Syncer, error) {
	if !cfg.Enabled() {
		return nil, apperrors.New(apperrors.KindConfig, "modelsync", "s3 bucket is not set")
	}

	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		credentialsProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, awsConfig.WithCredentialsProvider(credentialsProvider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "modelsync", "failed to load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointUrl)
			o.UsePathStyle = true
		}
	})

	return &Syncer{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

// Sync downloads each named object into dir. Objects missing from the bucket
// are skipped so the loader's own primary/fallback rules still decide. It
// returns the names that were downloaded.
func (s *Syncer) Sync(ctx context.Context, dir string, names ...string) ([]string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "modelsync", "failed to create models directory", err)
	}

	var fetched []string
	for _, name := range names {
		if name == "" {
			continue
		}

		key := s.key(name)
		ok, err := s.download(ctx, key, filepath.Join(dir, name))
		if err != nil {
			return fetched, apperrors.Wrap(apperrors.KindStorage, "modelsync", fmt.Sprintf("failed to download s3://%s/%s", s.bucket, key), err)
		}
		if !ok {
			s.log.Info("artifact not in bucket, skipping", zap.String("bucket", s.bucket), zap.String("key", key))
			continue
		}

		s.log.Info("artifact downloaded", zap.String("bucket", s.bucket), zap.String("key", key))
		fetched = append(fetched, name)
	}

	return fetched, nil
}

func (s *Syncer) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// download writes the object to a temp file and renames it into place, so a
// failed transfer never leaves a partial model behind.
func (s *Syncer) download(ctx context.Context, key, dest string) (bool, error) {
	object, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	defer object.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, object.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to save content to file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return false, fmt.Errorf("failed to move file: %w", err)
	}

	return true, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
