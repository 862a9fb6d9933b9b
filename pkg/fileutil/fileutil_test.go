package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()

	// Test non-existent file
	if Exists(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("Exists returned true for non-existent file")
	}

	// Test existing file
	path := filepath.Join(tmpDir, "exists.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for existing file")
	}
}

func TestSizeMatches(t *testing.T) {
	tmpDir := t.TempDir()

	// Non-existent file never matches
	if SizeMatches(filepath.Join(tmpDir, "nonexistent"), 0) {
		t.Error("SizeMatches returned true for non-existent file")
	}

	path := filepath.Join(tmpDir, "data.csv.gz")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	if !SizeMatches(path, 10) {
		t.Error("SizeMatches returned false for exact size")
	}
	if SizeMatches(path, 9) {
		t.Error("SizeMatches returned true for wrong size")
	}
}

func TestWriteTmpThenMove(t *testing.T) {
	tmpDir := t.TempDir()
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "output.txt")

	// Test successful write
	content := []byte("test content")
	err := WriteTmpThenMove(tmpDir, outPath, func(tmpPath string) error {
		return os.WriteFile(tmpPath, content, 0644)
	})
	if err != nil {
		t.Fatalf("WriteTmpThenMove failed: %v", err)
	}

	// Verify output file exists with correct content
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Content mismatch: got %q, want %q", got, content)
	}

	// Verify tmp file doesn't exist
	tmpPath := filepath.Join(tmpDir, "output.txt.tmp")
	if Exists(tmpPath) {
		t.Error("Tmp file still exists after successful write")
	}
}

func TestWriteTmpThenMoveError(t *testing.T) {
	tmpDir := t.TempDir()
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "output.txt")

	// Test write function error
	err := WriteTmpThenMove(tmpDir, outPath, func(tmpPath string) error {
		return os.ErrPermission
	})
	if err == nil {
		t.Error("WriteTmpThenMove should have failed")
	}

	// Verify tmp file doesn't exist (cleaned up)
	tmpPath := filepath.Join(tmpDir, "output.txt.tmp")
	if Exists(tmpPath) {
		t.Error("Tmp file exists after failed write")
	}

	// Verify output file doesn't exist
	if Exists(outPath) {
		t.Error("Output file exists after failed write")
	}
}

func TestCleanupTmpFiles(t *testing.T) {
	tmpDir := t.TempDir()

	// Create some .tmp files and regular files
	tmpFile1 := filepath.Join(tmpDir, "file1.tmp")
	tmpFile2 := filepath.Join(tmpDir, "subdir", "file2.tmp")
	regularFile := filepath.Join(tmpDir, "regular.txt")

	if err := os.MkdirAll(filepath.Join(tmpDir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{tmpFile1, tmpFile2, regularFile} {
		if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanupTmpFiles(tmpDir); err != nil {
		t.Fatalf("CleanupTmpFiles failed: %v", err)
	}

	// Verify .tmp files are removed
	if Exists(tmpFile1) {
		t.Error("tmpFile1 still exists")
	}
	if Exists(tmpFile2) {
		t.Error("tmpFile2 still exists")
	}

	// Verify regular file still exists
	if !Exists(regularFile) {
		t.Error("regularFile was removed")
	}
}
