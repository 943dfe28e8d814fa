// Package objectstore is the S3-compatible gateway for staged originals and
// published derivatives.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("object not found")

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
}

type Gateway struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
	region   string

	ensure singleflight.Group
}

func New(ctx context.Context, cfg Config) (*Gateway, error) {
	const op = "objectstore.New"

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%s: bucket is required", op)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// Callers decide about retries.
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// MinIO and most S3 clones reject the newer default checksum trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Gateway{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		region:   cfg.Region,
	}, nil
}

func (g *Gateway) Bucket() string { return g.bucket }

// Put writes data at key, overwriting any existing object.
func (g *Gateway) Put(ctx context.Context, key string, data []byte, contentType string) error {
	const op = "objectstore.Put"

	input := &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	const op = "objectstore.Get"

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, key, err)
	}
	return data, nil
}

// Delete removes key. A key that does not exist is not an error.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	const op = "objectstore.Delete"

	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

// PresignedURL returns a time-limited GET URL for key. The object is not
// checked for existence.
func (g *Gateway) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "objectstore.PresignedURL"

	req, err := g.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", op, key, err)
	}
	return req.URL, nil
}

// EnsureBucket creates the bucket if HeadBucket reports it missing. Any
// other HeadBucket failure is returned unchanged. Concurrent callers in this
// process share a single round trip, which is not cut short when the caller
// that started it goes away.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	_, err, _ := g.ensure.Do(g.bucket, func() (any, error) {
		return nil, g.ensureBucket(context.WithoutCancel(ctx))
	})
	return err
}

func (g *Gateway) ensureBucket(ctx context.Context) error {
	const op = "objectstore.EnsureBucket"

	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("%s: %w", op, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(g.bucket)}
	if g.region != "" && g.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(g.region),
		}
	}
	if _, err := g.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("%s: create %s: %w", op, g.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var (
		notFound  *types.NotFound
		noKey     *types.NoSuchKey
		noBucket  *types.NoSuchBucket
		apiErr    smithy.APIError
		responseE *awshttp.ResponseError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noKey), errors.As(err, &noBucket):
		return true
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	if errors.As(err, &responseE) {
		return responseE.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
