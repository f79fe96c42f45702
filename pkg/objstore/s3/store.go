package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/spotguard/pkg/objstore"
)

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements objstore.Store on S3.
type Store struct {
	client  API
	bucket  string
	prefix  string
	maxKeys int
}

var _ objstore.Store = (*Store)(nil)

// New creates a store with the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &objstore.ProviderError{Op: "New", Provider: objstore.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. cfg.Bucket is used as-is.
func NewWithClient(client API, cfg Config) *Store {
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		maxKeys: maxKeys,
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, key string) (*objstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return &objstore.Object{
		Key:          key,
		Data:         data,
		Generation:   objstore.Generation(cleanETag(aws.ToString(out.ETag))),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Put implements objstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, cond objstore.Condition) (objstore.Generation, error) {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
	}
	if cond.Conditional() {
		if cond.Generation() == objstore.Absent {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(quoteETag(string(cond.Generation())))
		}
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	return objstore.Generation(cleanETag(aws.ToString(out.ETag))), nil
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, key string, cond objstore.Condition) error {
	in := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	}
	if cond.Conditional() {
		if cond.Generation() == objstore.Absent {
			return s.wrapError("Delete", key, objstore.ErrNotFound)
		}
		in.IfMatch = aws.String(quoteETag(string(cond.Generation())))
	}

	if _, err := s.client.DeleteObject(ctx, in); err != nil {
		wrapped := s.wrapError("Delete", key, err)
		if !cond.Conditional() && objstore.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// ListWithDelimiter implements objstore.Store.
func (s *Store) ListWithDelimiter(ctx context.Context, opts objstore.ListOptions) (*objstore.ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.prefix + opts.Prefix),
		MaxKeys: aws.Int32(int32(clampMaxKeys(opts.MaxKeys, s.maxKeys))),
	}
	if opts.Delimiter != "" {
		in.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}

	res := &objstore.ListResult{
		Objects:           make([]objstore.ObjectSummary, 0, len(out.Contents)),
		IsTruncated:       aws.ToBool(out.IsTruncated),
		ContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		res.Objects = append(res.Objects, objstore.ObjectSummary{
			Key:          strings.TrimPrefix(aws.ToString(obj.Key), s.prefix),
			Size:         aws.ToInt64(obj.Size),
			Generation:   objstore.Generation(cleanETag(aws.ToString(obj.ETag))),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, cp := range out.CommonPrefixes {
		res.CommonPrefixes = append(res.CommonPrefixes, strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix))
	}
	return res, nil
}

// Close implements objstore.Store.
func (s *Store) Close() error {
	return nil
}

// wrapError converts S3 errors to store errors with appropriate sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objstore.ProviderError{
		Op:       op,
		Provider: objstore.ProviderS3,
		Bucket:   s.bucket,
		Key:      key,
		Err:      err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.Is(err, objstore.ErrNotFound), errors.Is(err, objstore.ErrPreconditionFailed):
		return wrapped
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = objstore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = objstore.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = objstore.ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			wrapped.Err = objstore.ErrPreconditionFailed
		case "NoSuchBucket":
			wrapped.Err = objstore.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = objstore.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = objstore.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = objstore.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = objstore.ErrProviderUnavailable
		}
		return wrapped
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			wrapped.Err = objstore.ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			wrapped.Err = objstore.ErrPreconditionFailed
		case http.StatusForbidden:
			wrapped.Err = objstore.ErrAccessDenied
		case http.StatusTooManyRequests:
			wrapped.Err = objstore.ErrThrottled
		case http.StatusServiceUnavailable, http.StatusInternalServerError:
			wrapped.Err = objstore.ErrProviderUnavailable
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "PreconditionFailed") || strings.Contains(errMsg, "412"):
		wrapped.Err = objstore.ErrPreconditionFailed
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = objstore.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = objstore.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = objstore.ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = objstore.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = objstore.ErrProviderUnavailable
	}
	return wrapped
}

// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func quoteETag(etag string) string {
	return "\"" + cleanETag(etag) + "\""
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"), strings.HasSuffix(key, ".lock"):
		return "application/json"
	default:
		return "text/plain"
	}
}

// clampMaxKeys applies defaults and limits to maxKeys values.
func clampMaxKeys(requested, storeDefault int) int {
	if requested <= 0 {
		requested = storeDefault
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion defaults the region to us-east-1 for AWS endpoints only.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
