// Package cloudtest runs store tests against a moto server, which speaks the
// S3 conditional-write headers (If-None-Match, If-Match) without credentials.
// Callers must carry the cloudintegration build tag.
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	s3store "github.com/3leaps/spotguard/pkg/objstore/s3"
)

// Moto accepts any static credentials.
const (
	motoKeyID  = "testing"
	motoSecret = "testing"
)

var (
	// Endpoint is MOTO_ENDPOINT or http://localhost:5555.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	// Region is MOTO_REGION or us-east-1.
	Region = envOr("MOTO_REGION", "us-east-1")

	clientOnce sync.Once
	client     *s3.Client
	clientErr  error

	bucketSeq atomic.Int64
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips t when moto does not answer within two seconds.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err == nil {
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	t.Skipf("moto not available at %s: %v", Endpoint, err)
}

func s3Client(t *testing.T) *s3.Client {
	t.Helper()
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(motoKeyID, motoSecret, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	require.NoError(t, clientErr)
	return client
}

var bucketUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// NewStore creates a fresh bucket named after the test and returns a store
// on it. The bucket and its objects are removed on cleanup.
func NewStore(t *testing.T, ctx context.Context) (*s3store.Store, string) {
	t.Helper()
	c := s3Client(t)

	name := strings.Trim(bucketUnsafe.ReplaceAllString(strings.ToLower(t.Name()), "-"), "-")
	if len(name) > 45 {
		name = name[:45]
	}
	bucket := fmt.Sprintf("sg-%s-%d", name, bucketSeq.Add(1))

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err, "create bucket %s", bucket)
	t.Cleanup(func() { dropBucket(t, c, bucket) })

	store, err := s3store.New(ctx, s3store.Config{
		Bucket:          bucket,
		Endpoint:        Endpoint,
		Region:          Region,
		AccessKeyID:     motoKeyID,
		SecretAccessKey: motoSecret,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, bucket
}

// PutObject writes key unconditionally, bypassing the store.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	_, err := s3Client(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	require.NoError(t, err, "put %s/%s", bucket, key)
}

func dropBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("cleanup: list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("cleanup: delete %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("cleanup: delete bucket %s: %v", bucket, err)
	}
}
