package s3fetch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestNewClientFromS3(t *testing.T) {
	c := NewClientFromS3(&s3.Client{})
	if c.S3() == nil {
		t.Fatal("S3() returned nil")
	}

	want := DefaultRetryPolicy()
	if c.retry != want {
		t.Errorf("retry = %+v, want %+v", c.retry, want)
	}

	custom := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
	c.SetRetryPolicy(custom)
	if c.retry != custom {
		t.Errorf("retry = %+v, want %+v", c.retry, custom)
	}
}

// TestClientIntegration requires AWS credentials and is skipped in CI.
// To run: AWS_INTEGRATION_TEST=1 go test -run TestClientIntegration -v.
func TestClientIntegration(t *testing.T) {
	if os.Getenv("AWS_INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test; set AWS_INTEGRATION_TEST=1 to run")
	}

	bucket := os.Getenv("AWS_TEST_BUCKET")
	prefix := os.Getenv("AWS_TEST_PREFIX")
	if bucket == "" {
		t.Skip("AWS_TEST_BUCKET required for integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	keys, err := client.ListKeys(ctx, bucket, prefix)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	t.Logf("listed %d keys under s3://%s/%s", len(keys), bucket, prefix)
}
