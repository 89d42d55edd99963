package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"postbot/internal/transport"
)

// ErrAttachmentMissing marks a referenced asset that is gone at delivery time.
var ErrAttachmentMissing = errors.New("attachment missing")

// MissingError names the missing reference.
type MissingError struct {
	Ref string
	Err error
}

func (e *MissingError) Error() string { return fmt.Sprintf("attachment missing: %s", e.Ref) }

func (e *MissingError) Unwrap() error { return e.Err }

func (e *MissingError) Is(target error) bool { return target == ErrAttachmentMissing }

const (
	photoExt  = ".jpg"
	videoName = "video.mp4"
)

// Store keeps submission attachments in one directory per group:
//
//	<root>/<group>/<uuid>.jpg
//	<root>/<group>/video.mp4
//
// References are slash-separated paths relative to the filesystem root
// ("uploads/<group>/<file>") and are stored verbatim in posts.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fsys afero.Fs, root string) *Store {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "uploads"
	}
	return &Store{fs: fsys, root: path.Clean(strings.ReplaceAll(root, "\\", "/"))}
}

func (s *Store) Root() string { return s.root }

// GroupDir returns the namespace directory of a group key.
func (s *Store) GroupDir(group string) (string, error) {
	g := sanitizeGroup(group)
	if g == "" {
		return "", fmt.Errorf("invalid group key %q", group)
	}
	return path.Join(s.root, g), nil
}

// Save writes one attachment into the group namespace and returns its reference.
// Photos get a fresh name; a group holds at most one video, a later one replaces it.
func (s *Store) Save(group string, kind transport.AttachmentKind, r io.Reader) (string, error) {
	dir, err := s.GroupDir(group)
	if err != nil {
		return "", err
	}
	var name string
	switch kind {
	case transport.AttachmentPhoto:
		name = uuid.NewString() + photoExt
	case transport.AttachmentVideo:
		name = videoName
	default:
		return "", fmt.Errorf("unsupported attachment kind %q", kind)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ref := path.Join(dir, name)
	tmp := ref + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("save %s: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	if err := s.fs.Rename(tmp, ref); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	return ref, nil
}

// List returns the photo references of a group sorted by name, plus the video
// reference ("" if none). A group that was never written lists as empty.
func (s *Store) List(group string) (photos []string, video string, err error) {
	dir, err := s.GroupDir(group)
	if err != nil {
		return nil, "", err
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, "", nil
		}
		return nil, "", err
	}
	photos = []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch name := e.Name(); {
		case name == videoName:
			video = path.Join(dir, name)
		case strings.HasSuffix(name, photoExt):
			photos = append(photos, path.Join(dir, name))
		}
	}
	sort.Strings(photos)
	return photos, video, nil
}

// Open opens a reference for upload. Missing files yield a *MissingError.
func (s *Store) Open(ref string) (transport.MediaFile, io.Closer, error) {
	f, err := s.fs.Open(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return transport.MediaFile{}, nil, &MissingError{Ref: ref, Err: err}
		}
		return transport.MediaFile{}, nil, err
	}
	return transport.MediaFile{Name: path.Base(ref), Data: f}, f, nil
}

// Check verifies that every reference exists.
func (s *Store) Check(refs ...string) error {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, err := s.fs.Stat(ref); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &MissingError{Ref: ref, Err: err}
			}
			return err
		}
	}
	return nil
}

// RemoveGroup deletes a group namespace and everything in it.
func (s *Store) RemoveGroup(group string) error {
	dir, err := s.GroupDir(group)
	if err != nil {
		return err
	}
	return s.fs.RemoveAll(dir)
}

// Prune removes group directories not modified since olderThan, except those
// for which keep returns true. It returns the removed group keys.
func (s *Store) Prune(olderThan time.Time, keep func(group string) bool) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !e.ModTime().Before(olderThan) {
			continue
		}
		group := e.Name()
		if keep != nil && keep(group) {
			continue
		}
		if err := s.fs.RemoveAll(path.Join(s.root, group)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", group, err))
			continue
		}
		removed = append(removed, group)
	}
	return removed, errors.Join(errs...)
}

// GroupOf returns the group key encoded in a reference, or "".
func (s *Store) GroupOf(ref string) string {
	rel := strings.TrimPrefix(path.Clean(ref), s.root+"/")
	if rel == ref || !strings.Contains(rel, "/") {
		return ""
	}
	return rel[:strings.Index(rel, "/")]
}

// sanitizeGroup keeps group keys inside the root: no separators, no dot names.
func sanitizeGroup(group string) string {
	g := strings.TrimSpace(group)
	g = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, g)
	if g == "." || g == ".." {
		return ""
	}
	return g
}
