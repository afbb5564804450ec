// Package s3 implements the archive store for AWS S3 and S3-compatible storage.
package s3

// Config configures an S3 archive store. It mirrors the archive.store
// section of the gridsweep configuration.
//
// Credentials come from AccessKeyID/SecretAccessKey when both are set, and
// from the AWS SDK default chain otherwise (environment, shared files with
// Profile, instance or task roles).
type Config struct {
	// Bucket receives the cluster archives. Required.
	Bucket string

	// Region defaults to DefaultAWSRegion for AWS. No default is applied
	// when Endpoint is set.
	Region string

	// Endpoint selects an S3-compatible service such as a site MinIO or
	// Ceph gateway, e.g. "http://localhost:9000".
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path. Most S3-compatible
	// services need it.
	ForcePathStyle bool

	// Prefix is prepended to every archive name, e.g. "mu2e/bck/".
	Prefix string
}

// DefaultAWSRegion is used for AWS S3 when no region is configured.
const DefaultAWSRegion = "us-east-1"

// Validate checks the fields New cannot default.
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
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
