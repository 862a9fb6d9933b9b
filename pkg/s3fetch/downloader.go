package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-query/internal/logctx"
	"github.com/eunmann/s3-inv-query/pkg/fileutil"
	"github.com/eunmann/s3-inv-query/pkg/logging"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency bounds both the parts of a single download and how many
	// files FetchAll downloads at once. Default: NumCPU clamped to [4,16].
	Concurrency int

	// PartSize is the ranged-GET part size in bytes. Default: 16MB.
	PartSize int64
}

// DefaultDownloaderConfig returns defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := runtime.NumCPU()
	if concurrency < 4 {
		concurrency = 4
	}
	if concurrency > 16 {
		concurrency = 16
	}

	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024, // 16MB
	}
}

// objectDownloader is the slice of manager.Downloader we call; tests
// substitute a fake.
type objectDownloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// Downloader materializes inventory data files into a local directory
// using the AWS transfer manager for parallel ranged downloads.
type Downloader struct {
	manager objectDownloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader from an existing client.
func NewDownloader(client *Client, cfg DownloaderConfig) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultDownloaderConfig().Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultDownloaderConfig().PartSize
	}

	mgr := manager.NewDownloader(client.S3(), func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
		d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
	})

	return &Downloader{
		manager: mgr,
		config:  cfg,
	}
}

// Config returns the downloader configuration.
func (d *Downloader) Config() DownloaderConfig {
	return d.config
}

// FileSpec names one object to fetch and its declared size. Size -1
// disables size verification.
type FileSpec struct {
	Key  string
	Size int64
}

// FetchResult summarizes a FetchAll run. Paths holds the local path for
// each requested file, in input order.
type FetchResult struct {
	Downloaded int
	Skipped    int
	Bytes      int64
	Elapsed    time.Duration
	Paths      []string
}

// DownloadToFile downloads one object to destPath. The object lands in a
// .tmp file first and is renamed into place only after the byte count
// matches wantSize, so a crash mid-download never leaves a truncated
// file at destPath.
func (d *Downloader) DownloadToFile(ctx context.Context, bucket, key, destPath string, wantSize int64) (int64, error) {
	var n int64
	err := fileutil.WriteTmpThenMove(filepath.Dir(destPath), destPath, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}

		n, err = d.manager.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			f.Close()
			return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close temp file: %w", err)
		}

		if wantSize >= 0 && n != wantSize {
			return fmt.Errorf("download s3://%s/%s: got %d bytes, manifest declares %d", bucket, key, n, wantSize)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FetchAll downloads the given files into destDir, preserving each key's
// directory structure. Files already present with the declared size are
// skipped, so re-running a query against a warm data dir costs nothing.
func (d *Downloader) FetchAll(ctx context.Context, bucket string, files []FileSpec, destDir string) (*FetchResult, error) {
	start := time.Now()
	log := logctx.FromContext(ctx)

	// Drop .tmp leftovers from downloads a previous run never renamed.
	if err := fileutil.CleanupTmpFiles(destDir); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dir", destDir).Msg("tmp file cleanup failed")
	}

	paths := make([]string, len(files))
	for i, f := range files {
		dest, err := localPathFor(destDir, f.Key)
		if err != nil {
			return nil, err
		}
		paths[i] = dest
	}

	var downloaded, skipped, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)

	for i, f := range files {
		dest := paths[i]
		g.Go(func() error {
			if f.Size >= 0 && fileutil.SizeMatches(dest, f.Size) {
				skipped.Add(1)
				return nil
			}
			fileStart := time.Now()
			n, err := d.DownloadToFile(gctx, bucket, f.Key, dest, f.Size)
			if err != nil {
				return err
			}
			downloaded.Add(1)
			bytes.Add(n)
			logging.FileComplete(log, "download", time.Since(fileStart)).
				Str("key", f.Key).
				Bytes("bytes", n).
				Throughput(n).
				Log("data file downloaded")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &FetchResult{
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Bytes:      bytes.Load(),
		Elapsed:    time.Since(start),
		Paths:      paths,
	}

	log.Debug().
		Int("downloaded", result.Downloaded).
		Int("skipped", result.Skipped).
		Int64("bytes", result.Bytes).
		Dur("elapsed", result.Elapsed).
		Msg("data files fetched")

	return result, nil
}

// localPathFor maps an object key onto a path under destDir, keeping the
// key's own directory layout. Keys that would escape destDir are
// rejected rather than rewritten.
func localPathFor(destDir, key string) (string, error) {
	if key == "" {
		return "", errors.New("empty object key")
	}

	clean := path.Clean(key)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe object key %q", key)
	}

	return filepath.Join(destDir, filepath.FromSlash(clean)), nil
}
