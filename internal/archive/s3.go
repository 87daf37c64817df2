package archive

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // S3-compatible endpoint, path-style addressing
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps one gzip object per report under a key prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Store builds a client from the default AWS chain, or from static credentials
// when both keys are set.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewStorageError("load AWS config", "s3", "init", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func NewS3StoreWithClient(client S3API, bucket, prefix string, logger *zap.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Store) Save(ctx context.Context, view report.View) error {
	data, err := Encode(view)
	if err != nil {
		return errors.NewStorageError("encode report", "s3", "save", err)
	}

	key := s.key(FileName(view))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return errors.NewStorageError("upload report", "s3", "save", err)
	}

	s.logger.Info("Report uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *S3Store) List(ctx context.Context, since time.Time) ([]report.View, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.NewStorageError("list reports", "s3", "list", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			if !isArchiveName(name) {
				continue
			}
			if start, ok := startFromName(name); ok && !start.Add(time.Second).After(since) {
				continue
			}
			keys = append(keys, key)
		}
	}

	return loadAll(ctx, keys, since, s.get, s.logger)
}

func (s *S3Store) get(ctx context.Context, key string) (report.View, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return report.View{}, err
	}
	defer out.Body.Close()
	return Decode(out.Body)
}
