package inference

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var ErrEmptyCheckpoint = errors.New("inference: checkpoint is empty")

// Checkpoint is a weights file read once at startup.
type Checkpoint struct {
	Path string
	// Data holds the decompressed checkpoint bytes.
	Data []byte
	// Fingerprint is the hex BLAKE3-256 digest of Data.
	Fingerprint string
}

// Size is the decompressed length in bytes.
func (c Checkpoint) Size() int {
	return len(c.Data)
}

// ShortFingerprint returns the first 12 hex digits for log lines.
func (c Checkpoint) ShortFingerprint() string {
	if len(c.Fingerprint) <= 12 {
		return c.Fingerprint
	}
	return c.Fingerprint[:12]
}

// LoadCheckpoint reads path, inflating it when it ends in .zst. Missing,
// unreadable or empty files are errors.
func LoadCheckpoint(path string) (Checkpoint, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Checkpoint{}, errors.New("inference: checkpoint path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("inference: read checkpoint: %w", err)
	}
	data := raw
	if strings.EqualFold(filepath.Ext(path), ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("inference: zstd reader: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("inference: inflate checkpoint %s: %w", path, err)
		}
	}
	if len(data) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrEmptyCheckpoint, path)
	}
	sum := blake3.Sum256(data)
	return Checkpoint{Path: path, Data: data, Fingerprint: hex.EncodeToString(sum[:])}, nil
}
