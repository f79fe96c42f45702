// Package s3 implements objstore.Store for AWS S3 and S3-compatible storage.
//
// Generations are object ETags. Conditional writes use If-None-Match: * for
// create-if-absent and If-Match for compare-and-swap; conditional deletes use
// If-Match. The backing service must support conditional writes.
package s3

import "strings"

// Config configures an S3 store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// AccessKeyID/SecretAccessKey are set: environment, shared config/credentials
// (optionally Profile), then instance or task role. Workers running on EC2
// normally rely on the instance profile.
//
// For S3-compatible stores (MinIO, moto), set Endpoint and ForcePathStyle.
type Config struct {
	// Bucket is the bucket holding the runs/ tree (required).
	Bucket string

	// Prefix is prepended to every key, allowing several deployments to share
	// a bucket. It is normalized to end with "/".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS endpoints when
	// neither config nor environment provide one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs.
	ForcePathStyle bool

	// MaxKeys is the default page size for list operations.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for list operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if strings.HasPrefix(c.Prefix, "/") {
		return &ConfigError{Field: "Prefix", Message: "prefix must not start with /"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
