package hasher_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fragmesh/storage-node/internal/hasher"
)

func TestHashFileKnownVector(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "frag")
	if err := os.WriteFile(path, []byte{0x00}, 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	const want = "03170a2e7597b7b7e3d84c05391d139a62b157e78786d8c082f29dcf4c111314"
	got, err := hasher.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if got != want {
		t.Errorf("HashFile() = %s, want %s", got, want)
	}
}

func TestHashFileLargerThanChunkSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "frag")
	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	got1, err := hasher.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	got2, err := hasher.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if got1 != got2 {
		t.Error("HashFile() is not deterministic across calls")
	}
	if len(got1) != 64 {
		t.Errorf("HashFile() returned %d hex chars, want 64 (32 bytes)", len(got1))
	}
}

func TestHashFileMissingPath(t *testing.T) {
	t.Parallel()

	if _, err := hasher.HashFile("/path/does/not/exist"); err == nil {
		t.Fatal("HashFile() error = nil, want error for missing file")
	}
}
