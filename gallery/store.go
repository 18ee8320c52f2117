// Package gallery persists saved images on disk: raw files in a gallery
// directory plus a JSON index ordered newest first. All mutations run under a
// single write lock and replace the index atomically, so a crash never leaves
// a half-written index behind. A corrupted index is backed up to a timestamped
// sidecar and surfaced as a typed error rather than silently reset.
package gallery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

const maxExtLen = 5

// Store is a disk-backed gallery. It is safe for concurrent use.
type Store struct {
	dir       string
	indexPath string
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	queueDepth atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal store events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithIndexPath overrides the index file location (default <dir>/index.json).
func WithIndexPath(path string) Option {
	return func(s *Store) { s.indexPath = path }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a gallery store rooted at dir. The directory and index
// file are created on first use.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.Validation("EMPTY_GALLERY_DIR", "gallery directory cannot be empty")
	}
	s := &Store{
		dir:       dir,
		indexPath: filepath.Join(dir, "index.json"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.ensure(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory holding the image files.
func (s *Store) Dir() string {
	return s.dir
}

// QueueDepth reports how many writers are holding or waiting on the write
// lock. Exposed through the health endpoint.
func (s *Store) QueueDepth() int64 {
	return s.queueDepth.Load()
}

// Save stores data under a generated filename and prepends an index entry.
// When originKey matches an existing entry the stored entry is returned with
// duplicated=true and no file or index write happens.
func (s *Store) Save(ctx context.Context, data []byte, ext string, meta Meta, originKey string) (*Entry, bool, error) {
	if len(data) == 0 {
		return nil, false, errors.Validation(errors.CodeEmptyImage, "image content is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.queueDepth.Add(1)
	defer s.queueDepth.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil, false, err
	}

	if originKey != "" {
		for i := range entries {
			if entries[i].OriginKey == originKey {
				dup := entries[i]
				return &dup, true, nil
			}
		}
	}

	filename := s.buildFilename(ext)
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return nil, false, errors.Wrap(err, errors.KindInternal, "GALLERY_WRITE_FAILED", "write image file")
	}

	entry := Entry{
		ID:        uuid.NewString(),
		Filename:  filename,
		Path:      "/gallery/" + url.PathEscape(filename),
		Prompt:    meta.Prompt,
		Model:     meta.Model,
		Source:    meta.Source,
		OriginKey: originKey,
		Size:      int64(len(data)),
		CreatedAt: s.now().UTC(),
	}

	next := append([]Entry{entry}, entries...)
	if err := s.writeIndex(next); err != nil {
		return nil, false, err
	}
	return &entry, false, nil
}

// Delete removes the entry with the given id. The image file is unlinked best
// effort: a file already removed by hand keeps the index consistent.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.queueDepth.Add(1)
	defer s.queueDepth.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return false, err
	}

	idx := -1
	for i := range entries {
		if entries[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	removed := entries[idx]
	next := append(entries[:idx:idx], entries[idx+1:]...)
	if err := s.writeIndex(next); err != nil {
		return false, err
	}

	if err := os.Remove(filepath.Join(s.dir, removed.Filename)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("delete image file", "filename", removed.Filename, "error", err)
	}
	return true, nil
}

// List returns all entries newest first. Reads see the last committed index
// and do not take the write lock.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readIndex()
}

func (s *Store) ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindInternal, "GALLERY_DIR_FAILED", "create gallery directory")
	}
	if _, err := os.Stat(s.indexPath); os.IsNotExist(err) {
		if err := os.WriteFile(s.indexPath, []byte("[]\n"), 0o644); err != nil {
			return errors.Wrap(err, errors.KindInternal, "GALLERY_INDEX_INIT_FAILED", "initialize index file")
		}
	}
	return nil
}

func (s *Store) readIndex() ([]Entry, error) {
	if err := s.ensure(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "GALLERY_INDEX_READ_FAILED", "read index file")
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.backupCorruptedIndex(raw)
		return nil, errors.Wrap(err, errors.KindStoreCorruption, errors.CodeIndexCorrupted,
			"gallery index is corrupted, repair it and retry")
	}
	return entries, nil
}

func (s *Store) writeIndex(entries []Entry) error {
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "GALLERY_INDEX_ENCODE_FAILED", "encode index")
	}
	body = append(body, '\n')

	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return errors.Wrap(err, errors.KindInternal, "GALLERY_INDEX_WRITE_FAILED", "write index temp file")
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		return errors.Wrap(err, errors.KindInternal, "GALLERY_INDEX_WRITE_FAILED", "replace index file")
	}
	return nil
}

// backupCorruptedIndex preserves the unparseable index next to the original.
// Backup failures are logged and swallowed so the parse error stays primary.
func (s *Store) backupCorruptedIndex(raw []byte) {
	timestamp := s.now().UTC().Format("2006-01-02T15-04-05Z")
	backupPath := fmt.Sprintf("%s.bak-%s", s.indexPath, timestamp)
	if err := os.WriteFile(backupPath, raw, 0o644); err != nil {
		s.logger.Warn("backup corrupted index", "path", backupPath, "error", err)
		return
	}
	s.logger.Error("gallery index corrupted", "backup", backupPath)
}

func (s *Store) buildFilename(ext string) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%s.%s",
		s.now().Format("20060102-150405"),
		hex.EncodeToString(suffix),
		sanitizeExt(ext))
}

func sanitizeExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == "" || len(safe) > maxExtLen {
		return "png"
	}
	return safe
}
