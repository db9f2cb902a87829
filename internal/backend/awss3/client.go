// Package awss3 implements backend.Client on top of aws-sdk-go-v2.
//
// It talks to Amazon S3 or any S3-compatible service. For custom endpoints
// (MinIO, the bundled s3server) path-style addressing is used and request
// checksums are only sent when an operation requires them.
package awss3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
)

// Config configures a Client.
type Config struct {
	Bucket string

	// Endpoint overrides the service endpoint, e.g. http://localhost:9000.
	// Empty uses the AWS endpoint for Region.
	Endpoint string
	Region   string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing. Always on with a custom Endpoint.
	UsePathStyle bool

	// RetryMaxAttempts overrides the SDK retry budget when > 0.
	RetryMaxAttempts int

	// HTTPClient overrides the transport used by the SDK.
	HTTPClient *http.Client
}

// Client is a backend.Client bound to one bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	region string
}

var _ backend.Client = (*Client)(nil)

// New loads the AWS configuration and builds a client for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", backend.ErrInvalidRequest)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	log.Debug().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Str("region", awsCfg.Region).
		Msg("S3 client configured")

	return &Client{s3: client, bucket: cfg.Bucket, region: awsCfg.Region}, nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err == nil {
		return nil
	}
	if err = mapError("head bucket", c.bucket, err); !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, backend.ErrBucketNotFound) {
		return err
	}

	input := &s3.CreateBucketInput{Bucket: &c.bucket}
	if c.region != "" && c.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}
	if _, err := c.s3.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return mapError("create bucket", c.bucket, err)
	}

	log.Info().Str("bucket", c.bucket).Msg("bucket created")
	return nil
}

func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        &c.bucket,
		Key:           &key,
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return mapError("put object", key, err)
	}
	return nil
}

func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		return nil, mapError("get object", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) HeadObject(ctx context.Context, key string) (*backend.ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		err = mapError("head object", key, err)
		if backend.IsNotFound(err) && c.bucketMissing(ctx) {
			return nil, fmt.Errorf("head object %s: %w", key, backend.ErrBucketNotFound)
		}
		return nil, err
	}

	return &backend.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// bucketMissing reports whether HEAD on the bucket returns 404. HEAD
// responses carry no error code, so a missing bucket and a missing key look
// the same from HeadObject alone.
func (c *Client) bucketMissing(ctx context.Context) bool {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err == nil {
		return false
	}
	err = mapError("head bucket", c.bucket, err)
	return backend.IsNotFound(err) || errors.Is(err, backend.ErrBucketNotFound)
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &c.bucket, Key: &key}); err != nil {
		return mapError("delete object", key, err)
	}
	return nil
}

func (c *Client) ListObjects(ctx context.Context, prefix, token string, maxKeys int) (*backend.ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: aws.String(prefix),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(min(maxKeys, backend.DefaultPageSize)))
	}

	out, err := c.s3.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, mapError("list objects", prefix, err)
	}

	page := &backend.ListPage{Objects: make([]backend.ObjectInfo, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, backend.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         aws.ToString(obj.ETag),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (c *Client) GetObjectTagging(ctx context.Context, key string) (backend.TagSet, error) {
	out, err := c.s3.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		return nil, mapError("get object tagging", key, err)
	}

	tags := make(backend.TagSet, 0, len(out.TagSet))
	for _, t := range out.TagSet {
		tags = append(tags, backend.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return tags, nil
}

func (c *Client) PutObjectTagging(ctx context.Context, key string, tags backend.TagSet) error {
	tagSet := make([]types.Tag, 0, len(tags))
	for _, t := range tags {
		tagSet = append(tagSet, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}

	_, err := c.s3.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  &c.bucket,
		Key:     &key,
		Tagging: &types.Tagging{TagSet: tagSet},
	})
	if err != nil {
		return mapError("put object tagging", key, err)
	}
	return nil
}

func (c *Client) GetObjectRetention(ctx context.Context, key string) (*backend.Retention, error) {
	out, err := c.s3.GetObjectRetention(ctx, &s3.GetObjectRetentionInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchObjectLockConfiguration" {
			return nil, nil
		}
		return nil, mapError("get object retention", key, err)
	}
	if out.Retention == nil || out.Retention.Mode == "" {
		return nil, nil
	}

	return &backend.Retention{
		Mode:        backend.RetentionMode(out.Retention.Mode),
		RetainUntil: aws.ToTime(out.Retention.RetainUntilDate),
	}, nil
}

func (c *Client) PutObjectRetention(ctx context.Context, key string, retention *backend.Retention, bypassGovernance bool) error {
	// An empty retention element clears the configuration
	lock := &types.ObjectLockRetention{}
	if retention != nil && retention.Mode != "" {
		lock.Mode = types.ObjectLockRetentionMode(retention.Mode)
		lock.RetainUntilDate = aws.Time(retention.RetainUntil.UTC())
	}

	input := &s3.PutObjectRetentionInput{
		Bucket:    &c.bucket,
		Key:       &key,
		Retention: lock,
	}
	if bypassGovernance {
		input.BypassGovernanceRetention = aws.Bool(true)
	}

	if _, err := c.s3.PutObjectRetention(ctx, input); err != nil {
		return mapError("put object retention", key, err)
	}
	return nil
}

func (c *Client) GetObjectLegalHold(ctx context.Context, key string) (backend.LegalHoldStatus, error) {
	out, err := c.s3.GetObjectLegalHold(ctx, &s3.GetObjectLegalHoldInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchObjectLockConfiguration" {
			return backend.LegalHoldOff, nil
		}
		return "", mapError("get object legal hold", key, err)
	}
	if out.LegalHold == nil || out.LegalHold.Status == "" {
		return backend.LegalHoldOff, nil
	}
	return backend.LegalHoldStatus(out.LegalHold.Status), nil
}

func (c *Client) PutObjectLegalHold(ctx context.Context, key string, status backend.LegalHoldStatus) error {
	_, err := c.s3.PutObjectLegalHold(ctx, &s3.PutObjectLegalHoldInput{
		Bucket:    &c.bucket,
		Key:       &key,
		LegalHold: &types.ObjectLockLegalHold{Status: types.ObjectLockLegalHoldStatus(status)},
	})
	if err != nil {
		return mapError("put object legal hold", key, err)
	}
	return nil
}

// mapError wraps SDK errors with the matching backend sentinel.
func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrAccessDenied, err)
		case "InvalidRequest", "InvalidArgument", "MalformedXML":
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrInvalidRequest, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%s %s: %w: %w", op, key, backend.ErrAccessDenied, err)
		}
	}

	return fmt.Errorf("%s %s: %w", op, key, err)
}
