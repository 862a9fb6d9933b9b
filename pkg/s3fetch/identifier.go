package s3fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ParseBucketIdentifier resolves the bucket identifiers users and manifests
// hand us into a bucket name plus optional key prefix. Accepted forms:
//   - Plain bucket name: "my-bucket"
//   - S3 bucket ARN: "arn:aws:s3:::my-bucket"
//   - S3 URI: "s3://my-bucket/some/prefix"
//
// Only the URI form carries a prefix; the other forms return prefix "".
func ParseBucketIdentifier(identifier string) (bucket, prefix string, err error) {
	if identifier == "" {
		return "", "", errors.New("empty bucket identifier")
	}

	if strings.HasPrefix(identifier, "s3://") {
		return ParseS3URI(identifier)
	}

	if strings.HasPrefix(identifier, "arn:") {
		bucket, err = parseBucketARN(identifier)
		return bucket, "", err
	}

	if strings.Contains(identifier, "://") {
		return "", "", fmt.Errorf("invalid bucket identifier %q: unsupported URI scheme", identifier)
	}

	return identifier, "", nil
}

// parseBucketARN extracts the bucket name from an S3 bucket ARN.
// ARNs have 6 colon-separated parts: arn:partition:service:region:account:resource.
// For bucket ARNs region and account are empty and resource is the bucket name.
func parseBucketARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return "", fmt.Errorf("invalid ARN %q: expected at least 6 colon-separated parts", arn)
	}

	if parts[0] != "arn" {
		return "", fmt.Errorf("invalid ARN %q: must start with 'arn:'", arn)
	}
	if parts[2] != "s3" {
		return "", fmt.Errorf("invalid S3 ARN %q: service must be 's3', got %q", arn, parts[2])
	}

	// Rejoin in case the resource itself contained colons.
	resource := strings.Join(parts[5:], ":")
	if resource == "" {
		return "", fmt.Errorf("invalid S3 ARN %q: missing bucket name", arn)
	}

	// Access-point style ARNs carry a path after the bucket name; the
	// bucket is the first path component.
	if idx := strings.Index(resource, "/"); idx >= 0 {
		resource = resource[:idx]
	}
	if resource == "" {
		return "", fmt.Errorf("invalid S3 ARN %q: empty bucket name", arn)
	}

	return resource, nil
}

// ParseS3URI splits an s3://bucket/key URI into bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	path := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}

	return bucket, key, nil
}
