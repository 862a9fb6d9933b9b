// Package s3fetch is the object-store transport layer: listing keys,
// streaming object bodies, and downloading inventory data files, with
// bounded retries and terminal-error classification on every call.
package s3fetch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// KeyInfo describes one object returned by ListKeys.
type KeyInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the read-only object-store surface the resolver and query
// engine depend on. Client implements it over the AWS SDK; tests use
// in-memory fakes.
type Store interface {
	// ListKeys returns every key under the prefix, in the order the
	// store lists them (S3 lists lexicographically).
	ListKeys(ctx context.Context, bucket, prefix string) ([]KeyInfo, error)

	// StreamObject returns the object body. The caller must Close it.
	StreamObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Client implements Store over aws-sdk-go-v2.
type Client struct {
	s3Client *s3.Client
	retry    RetryPolicy
}

var _ Store = (*Client)(nil)

// NewClient creates a client using the default AWS configuration chain.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithConfig(cfg), nil
}

// NewClientWithConfig creates a client from an explicit AWS config.
func NewClientWithConfig(cfg aws.Config) *Client {
	return NewClientFromS3(s3.NewFromConfig(cfg))
}

// NewClientFromS3 wraps a raw SDK client. Used by tests and callers with
// custom endpoints.
func NewClientFromS3(s3Client *s3.Client) *Client {
	return &Client{
		s3Client: s3Client,
		retry:    DefaultRetryPolicy(),
	}
}

// SetRetryPolicy overrides the default retry behavior.
func (c *Client) SetRetryPolicy(p RetryPolicy) {
	c.retry = p
}

// S3 exposes the underlying SDK client for the transfer-manager Downloader.
func (c *Client) S3() *s3.Client {
	return c.s3Client
}

// ListKeys lists all objects under the prefix, following continuation
// tokens until the listing is exhausted. Each page fetch goes through the
// retry policy; the paginator does not advance on error, so a retried
// page request is idempotent.
func (c *Client) ListKeys(ctx context.Context, bucket, prefix string) ([]KeyInfo, error) {
	var keys []KeyInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := c.retry.Do(ctx, "list_objects", func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}

		for _, obj := range page.Contents {
			info := KeyInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			keys = append(keys, info)
		}
	}

	return keys, nil
}

// StreamObject returns a reader over the object body. Establishing the
// stream is retried; read errors after that surface to the caller raw.
func (c *Client) StreamObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry.Do(ctx, "get_object", func() error {
		resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	return body, nil
}
