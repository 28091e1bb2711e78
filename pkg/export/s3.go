package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the remote partition store.
type S3Config struct {
	Logger *slog.Logger

	Bucket string
	// Prefix roots all partitions inside the bucket, e.g. "revmatch/comparison".
	Prefix string
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores and tests.
	Endpoint string

	// CredentialsFile points at a shared credentials file; empty uses the
	// default provider chain.
	CredentialsFile string
}

func (c *S3Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// S3Store keeps partitions under s3://<bucket>/<prefix>/dt=YYYY-MM-DD/.
type S3Store struct {
	log    *slog.Logger
	cfg    S3Config
	client *s3.Client
}

// NewS3Store builds the store, loading AWS configuration from the
// environment plus any overrides in cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 store config: %w", err)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, awsconfig.WithSharedCredentialsFiles([]string{cfg.CredentialsFile}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{log: cfg.Logger, cfg: cfg, client: client}, nil
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
}

// relativeKey strips the prefix so List returns store-relative keys that
// round-trip through Delete.
func (s *S3Store) relativeKey(objectKey string) string {
	if s.cfg.Prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, strings.TrimSuffix(s.cfg.Prefix, "/")+"/")
}

func (s *S3Store) List(ctx context.Context, date string) ([]string, error) {
	prefix := s.objectKey(PartitionKey(date)) + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list partition %s: %w", date, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, s.relativeKey(*obj.Key))
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(s.objectKey(key))})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.cfg.Bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete %d artifacts: %w", len(keys), err)
	}
	s.log.Debug("export: deleted prior artifacts", "count", len(keys))
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", key, err)
	}
	return nil
}
