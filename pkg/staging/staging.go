// Package staging spools inbound media to collision-free local files before
// they are handed to the provider.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// DefaultMaxBytes caps a single staged file (videos can be large).
const DefaultMaxBytes int64 = 2 << 30

var (
	ErrTooLarge = errors.New("staging: file exceeds size limit")
	ErrEmpty    = errors.New("staging: file is empty")
)

// Asset is a staged media file owned by one turn.
type Asset struct {
	LocalPath string
	Filename  string
	Kind      provider.MediaKind
	MIMEType  string
	SizeBytes int64
	SHA256    string
}

// Open opens the staged bytes for reading.
func (a *Asset) Open() (*os.File, error) {
	return os.Open(a.LocalPath)
}

// Stager writes uploads under Root/<session>/<hash>-<uuid><ext>.
type Stager struct {
	Root     string
	MaxBytes int64
	log      *zap.SugaredLogger
}

// New creates the root directory if needed.
func New(root string, maxBytes int64, log *zap.SugaredLogger) (*Stager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "llm-media-gateway")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("staging: create root: %w", err)
	}
	return &Stager{Root: root, MaxBytes: maxBytes, log: log.Named("staging")}, nil
}

// Stage spools r to a unique file for sessionID, hashing as it copies.
// The declared MIME type is checked against kind; an empty or generic one is
// resolved from the filename and then from the content itself.
func (s *Stager) Stage(sessionID string, kind provider.MediaKind, filename, mimeType string, r io.Reader) (*Asset, error) {
	if r == nil {
		return nil, provider.Errorf(provider.KindInvalid, "stage", "reader is required")
	}
	dir := filepath.Join(s.Root, safeSegment(sessionID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("staging: create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		return nil, fmt.Errorf("staging: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		_ = tmp.Close()
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	sniff := &prefixWriter{limit: 512}
	limited := &io.LimitedReader{R: r, N: s.MaxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tmp, hasher, sniff), limited)
	if err != nil {
		return nil, fmt.Errorf("staging: copy: %w", err)
	}
	if written > s.MaxBytes {
		return nil, provider.Wrap(provider.KindInvalid, "stage", fmt.Errorf("%w: max %d bytes", ErrTooLarge, s.MaxBytes))
	}
	if written == 0 {
		return nil, provider.Wrap(provider.KindInvalid, "stage", ErrEmpty)
	}

	mimeType = ResolveMIME(mimeType, filename, sniff.buf)
	if !Allowed(kind, mimeType) {
		return nil, provider.Errorf(provider.KindInvalid, "stage", "%s (%s) is not a supported %s file", filename, mimeType, kind)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	final := filepath.Join(dir, fmt.Sprintf("%s-%s%s", sum[:16], uuid.NewString(), ExtensionFor(mimeType)))
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("staging: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return nil, fmt.Errorf("staging: finalize: %w", err)
	}
	keep = true

	s.log.Debugw("staged upload", "session", sessionID, "file", filename, "mime", mimeType, "bytes", written)
	return &Asset{
		LocalPath: final,
		Filename:  filename,
		Kind:      kind,
		MIMEType:  mimeType,
		SizeBytes: written,
		SHA256:    sum,
	}, nil
}

// Release removes the staged file. Releasing twice is harmless.
func (s *Stager) Release(a *Asset) {
	if a == nil || a.LocalPath == "" {
		return
	}
	if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnw("remove staged file", "path", a.LocalPath, "error", err)
	}
}

// ReleaseSession removes everything staged for sessionID.
func (s *Stager) ReleaseSession(sessionID string) {
	dir := filepath.Join(s.Root, safeSegment(sessionID))
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warnw("remove session staging dir", "dir", dir, "error", err)
	}
}

func safeSegment(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if id == "" {
		return "_"
	}
	return id
}

type prefixWriter struct {
	buf   []byte
	limit int
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}

// sniffMIME falls back to content detection.
func sniffMIME(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	mt := http.DetectContentType(head)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}
