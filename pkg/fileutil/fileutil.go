// Package fileutil provides file utilities for the local data cache with
// tmp+mv write semantics.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/s3-inv-query/pkg/logging"
)

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SizeMatches returns true if the file exists with exactly the given size.
// Used to decide whether a cached data file can be reused instead of
// downloaded again.
func SizeMatches(path string, size int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == size
}

// WriteTmpThenMove writes to a temporary file then atomically moves it to the final path.
// The writeFunc receives the temporary path and should write the complete file.
// On success, the file is moved to outPath atomically.
func WriteTmpThenMove(tmpDir, outPath string, writeFunc func(tmpPath string) error) error {
	// Ensure tmp directory exists
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}

	// Create temp file path
	tmpPath := filepath.Join(tmpDir, filepath.Base(outPath)+".tmp")

	// Write to temp file
	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath) // Clean up on error
		return err
	}

	// Fsync the temp file
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	// Ensure output directory exists
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("create output dir: %w", err)
	}

	// Atomic move
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}

	return nil
}

// syncFile opens, syncs, and closes a file.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// CleanupTmpFiles removes all .tmp files in the given directory recursively.
// Leftover .tmp files are downloads interrupted before their atomic rename.
func CleanupTmpFiles(dir string) error {
	log := logging.L()

	var removed int
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			// Continue walking even if individual paths fail
			return nil //nolint:nilerr
		}
		if !info.IsDir() && strings.HasSuffix(path, ".tmp") {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		log.Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}

	return err
}
