package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postbot/pkg/logx"
)

// FileStore keeps the schedule as one JSON array document.
//
// Writes go to a temp file in the same directory which is fsynced and renamed
// over the document, so a crash never leaves a partial document behind.
type FileStore struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
}

// OpenFile opens (and if needed creates) the document at path.
func OpenFile(path string, log logx.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &FileStore{path: path, log: log}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.writeLocked(nil); err != nil {
			return nil, err
		}
		log.Info("schedule document created", logx.String("path", path))
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	return s.readLocked()
}

func (s *FileStore) Append(ctx context.Context, p Post) error {
	return s.Update(ctx, func(posts []Post) ([]Post, error) {
		return append(posts, p), nil
	})
}

func (s *FileStore) ReplaceAll(ctx context.Context, posts []Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	return s.writeLocked(posts)
}

func (s *FileStore) Update(ctx context.Context, fn func(posts []Post) ([]Post, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	cur, err := s.readLocked()
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return s.writeLocked(next)
}

func (s *FileStore) checkLocked(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func (s *FileStore) readLocked() ([]Post, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Post{}, nil
		}
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return decodeDocument(s.path, data)
}

func (s *FileStore) writeLocked(posts []Post) error {
	data, err := encodeDocument(posts)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write schedule: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync schedule: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace schedule: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir persists the rename. Not supported everywhere, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func encodeDocument(posts []Post) ([]byte, error) {
	out := make([]Post, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.normalize())
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDocument(path string, data []byte) ([]Post, error) {
	var posts []Post
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	for i := range posts {
		if posts[i].PublishAt.IsZero() {
			return nil, &CorruptError{Path: path, Err: fmt.Errorf("record %d: publish_at missing", i)}
		}
		posts[i] = posts[i].normalize()
	}
	if posts == nil {
		posts = []Post{}
	}
	return posts, nil
}
