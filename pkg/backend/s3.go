package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the native S3 backend.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// S3Backend serves buckets through the AWS SDK. Containers map to bucket
// names and blobs to object keys.
type S3Backend struct {
	name   string
	client *s3.Client
}

// NewS3Backend builds an S3 client. Static keys are used when both are
// set, otherwise the default AWS credential chain applies.
func NewS3Backend(ctx context.Context, name string, cfg S3Config) (*S3Backend, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backend.NewS3Backend: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	slog.Info("backend created",
		"component", "backend", "name", name,
		"type", TypeS3Native, "region", cfg.Region, "endpoint", cfg.Endpoint,
	)
	return &S3Backend{name: name, client: client}, nil
}

func (b *S3Backend) Name() string { return b.name }
func (b *S3Backend) Type() string { return TypeS3Native }

// Properties issues a HeadObject.
func (b *S3Backend) Properties(ctx context.Context, container, blob string) (ObjectInfo, error) {
	if err := checkPath(container, blob); err != nil {
		return ObjectInfo{}, fmt.Errorf("backend %s: Properties: %w", b.name, err)
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		return ObjectInfo{}, b.wrap("Properties", container, blob, err)
	}
	return ObjectInfo{
		Container:   container,
		Blob:        blob,
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Download issues a GetObject and returns its body.
func (b *S3Backend) Download(ctx context.Context, container, blob string) (io.ReadCloser, ObjectInfo, error) {
	if err := checkPath(container, blob); err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("backend %s: Download: %w", b.name, err)
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blob),
	})
	if err != nil {
		return nil, ObjectInfo{}, b.wrap("Download", container, blob, err)
	}
	return out.Body, ObjectInfo{
		Container:   container,
		Blob:        blob,
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// ListAll pages through ListObjectsV2.
func (b *S3Backend) ListAll(ctx context.Context, container, prefix string) ([]ObjectInfo, error) {
	if container == "" || strings.Contains(container, "/") {
		return nil, fmt.Errorf("backend %s: ListAll: %w: %q", b.name, ErrInvalidPath, container)
	}
	in := &s3.ListObjectsV2Input{Bucket: aws.String(container)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(b.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, b.wrap("ListAll", container, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Container: container,
				Blob:      aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				ModTime:   aws.ToTime(obj.LastModified),
				ETag:      strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return out, nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) wrap(op, container, blob string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("backend %s: %s %s/%s: %w", b.name, op, container, blob, ErrNotFound)
	}
	return fmt.Errorf("backend %s: %s %s/%s: %w", b.name, op, container, blob, err)
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	// HeadObject carries no body, so a 404 may surface without a typed error.
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
