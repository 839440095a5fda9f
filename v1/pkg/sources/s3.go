package sources

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"artifact-scanner/v1/pkg/logger"
)

// S3API is the subset of the S3 client the source needs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Settings configures client construction. Empty fields keep the SDK
// defaults (environment, shared config, instance role).
type S3Settings struct {
	Region       string
	Profile      string
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client loads the default AWS configuration and applies settings.
func NewS3Client(ctx context.Context, settings S3Settings) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if settings.Region != "" {
		opts = append(opts, config.WithRegion(settings.Region))
	}
	if settings.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(settings.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if settings.Endpoint != "" {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}
		o.UsePathStyle = settings.UsePathStyle
	}), nil
}

// S3Source lists every object under bucket/prefix, following continuation
// tokens until the listing is exhausted. Folder marker keys are skipped.
type S3Source struct {
	client S3API
	bucket string
	prefix string
	filter *Filter
	log    *logger.NamedLogger
}

type S3Option func(*S3Source)

func WithS3Filter(f *Filter) S3Option {
	return func(s *S3Source) {
		s.filter = f
	}
}

func NewS3Source(client S3API, bucket, prefix string, opts ...S3Option) *S3Source {
	s := &S3Source{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    logger.WithName("sources").Named("s3"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *S3Source) Describe() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}

// Enumerate returns an error only when a listing page cannot be fetched or
// yield fails. Per-object GET failures surface later from Blob.Open.
func (s *S3Source) Enumerate(ctx context.Context, yield func(Blob) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", s.Describe(), err)
		}
		pages++
		s.log.V(2).InfoS("Listed page", "page", pages, "objects", len(page.Contents))

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if !s.filter.Match(key) {
				s.log.V(3).InfoS("Filtered out", "key", key)
				continue
			}
			if err := yield(NewBlob(key, aws.ToInt64(obj.Size), s.fetcher(key))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3Source) fetcher(key string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, &ReadError{Key: key, Err: err}
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, &ReadError{Key: key, Err: fmt.Errorf("failed to read object body: %w", err)}
		}
		return data, nil
	}
}
