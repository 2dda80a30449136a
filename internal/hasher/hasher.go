// Package hasher computes BLAKE2b-256 digests of fragment files.
package hasher

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/fragmesh/storage-node/internal/protocol"
)

// HashFile streams path through a BLAKE2b-256 hash in protocol.ChunkSize
// buffers and returns the lowercase hex digest. Reusing the chunk size
// as the read buffer avoids inventing a second tuning constant.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle, nothing to flush

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("new blake2b hash: %w", err)
	}

	buf := make([]byte, protocol.ChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
