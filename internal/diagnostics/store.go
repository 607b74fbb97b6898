// Package diagnostics persists per-request snapshots for offline inspection.
// Persistence is best effort: callers log failures and carry on.
package diagnostics

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/panostream/internal/imaging"
)

// Snapshot is everything recorded about one completed request.
type Snapshot struct {
	Sequence uint64
	// Composite holds the preprocessing intermediates, already flipped when
	// Flipped is set.
	Composite *imaging.Composite
	// Output is the RGBA result as sent on the wire.
	Output  []byte
	Width   int
	Height  int
	Flipped bool
}

// Store hands out one SessionStore per connection.
type Store interface {
	OpenSession(remote string, sessionID uint64) (SessionStore, error)
}

// SessionStore writes snapshots for a single connection. Close releases its
// scratch space and must be called when the session ends.
type SessionStore interface {
	Save(snap Snapshot) (string, error)
	Close() error
}

// NopStore discards everything.
type NopStore struct{}

func (NopStore) OpenSession(string, uint64) (SessionStore, error) { return nopSession{}, nil }

type nopSession struct{}

func (nopSession) Save(Snapshot) (string, error) { return "", nil }
func (nopSession) Close() error                  { return nil }

// FileStore lays snapshots out as
// <Root>/<peer-host>/<session-id>/result_panorama_<seq>.<ext>.
type FileStore struct {
	Root   string
	Format Format
}

// NewStore returns NopStore when root is empty, else a FileStore.
func NewStore(root string, format Format) (Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return NopStore{}, nil
	}
	if format == "" {
		format = FormatPNG
	}
	if _, err := format.encoder(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create output dir: %w", err)
	}
	return &FileStore{Root: root, Format: format}, nil
}

const scratchDirName = ".scratch"

func (s *FileStore) OpenSession(remote string, sessionID uint64) (SessionStore, error) {
	enc, err := s.Format.encoder()
	if err != nil {
		return nil, err
	}
	scratchRoot := filepath.Join(s.Root, scratchDirName)
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create scratch root: %w", err)
	}
	// Scratch lives under Root so the final rename stays on one filesystem.
	scratch, err := os.MkdirTemp(scratchRoot, "session-"+strconv.FormatUint(sessionID, 10)+"-")
	if err != nil {
		return nil, fmt.Errorf("diagnostics: create scratch dir: %w", err)
	}
	return &fileSession{
		dir:     filepath.Join(s.Root, PeerHost(remote), strconv.FormatUint(sessionID, 10)),
		scratch: scratch,
		ext:     s.Format.Ext(),
		encode:  enc,
	}, nil
}

type fileSession struct {
	dir     string
	scratch string
	ext     string
	encode  encodeFunc
}

func (f *fileSession) Save(snap Snapshot) (string, error) {
	data, err := f.encode(snap)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("result_panorama_%d.%s", snap.Sequence, f.ext)
	tmp := filepath.Join(f.scratch, name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("diagnostics: write scratch: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("diagnostics: create session dir: %w", err)
	}
	final := filepath.Join(f.dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("diagnostics: publish snapshot: %w", err)
	}
	return final, nil
}

func (f *fileSession) Close() error {
	return os.RemoveAll(f.scratch)
}

// PeerHost reduces a remote address to a path-safe host component.
func PeerHost(remote string) string {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	host = strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', '%':
			return '_'
		}
		return r
	}, host)
	if host == "" || host == "." || host == ".." {
		return "unknown"
	}
	return host
}
