package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "fxflow/config"
	"fxflow/logger"
)

// uploadTimeout bounds each PutObject call.
const uploadTimeout = 2 * time.Minute

// Publisher copies run artifacts to S3 under <prefix>/<run-id>/. It is
// delivery of outputs only; nothing reads back from the bucket.
type Publisher struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewPublisher builds an S3 client from the storage configuration.
func NewPublisher(ctx context.Context, cfg appconfig.S3Config, log *logger.Log) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

// Publish uploads each local artifact, keyed by file name under the run
// prefix. Every artifact is attempted; failures are joined into one error
// and local outputs stay untouched.
func (p *Publisher) Publish(ctx context.Context, runID string, paths []string) error {
	entry := p.log.WithComponent("s3_publisher").WithFields(logger.Fields{
		"bucket": p.bucket,
		"run_id": runID,
	})

	var errs []error
	for _, path := range paths {
		if err := p.upload(ctx, runID, path); err != nil {
			entry.WithError(err).WithFields(logger.Fields{"artifact": filepath.Base(path)}).Error("artifact upload failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish artifacts: %w", errors.Join(errs...))
	}

	entry.WithFields(logger.Fields{"artifacts": len(paths)}).Info("artifacts published")
	return nil
}

func (p *Publisher) upload(ctx context.Context, runID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", path, err)
	}

	name := filepath.Base(path)
	key := p.objectKey(runID, name)

	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, err = p.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(name)),
		Metadata:    map[string]string{"fxflow-run": runID},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	logger.IncrementS3Upload(int64(len(data)))
	logger.RecordFlow("s3_upload", len(data))
	p.log.WithComponent("s3_publisher").WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("artifact uploaded")

	return nil
}

func (p *Publisher) objectKey(runID, name string) string {
	parts := make([]string, 0, 3)
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	parts = append(parts, runID, name)
	return filepath.ToSlash(filepath.Join(parts...))
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
