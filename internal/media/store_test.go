package media

import (
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"postbot/internal/transport"
)

func newMemStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return NewStore(fsys, "uploads"), fsys
}

func TestSaveAndList(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore(t)

	var saved []string
	for _, body := range []string{"one", "two", "three"} {
		ref, err := s.Save("album-1", transport.AttachmentPhoto, strings.NewReader(body))
		if err != nil {
			t.Fatalf("Save photo: %v", err)
		}
		if !strings.HasPrefix(ref, "uploads/album-1/") || !strings.HasSuffix(ref, ".jpg") {
			t.Fatalf("unexpected photo ref %q", ref)
		}
		saved = append(saved, ref)
	}
	if _, err := s.Save("album-1", transport.AttachmentVideo, strings.NewReader("v1")); err != nil {
		t.Fatalf("Save video: %v", err)
	}
	videoRef, err := s.Save("album-1", transport.AttachmentVideo, strings.NewReader("v2"))
	if err != nil {
		t.Fatalf("Save video: %v", err)
	}

	photos, video, err := s.List("album-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(saved)
	if strings.Join(photos, ",") != strings.Join(saved, ",") {
		t.Fatalf("List photos = %v, want sorted %v", photos, saved)
	}
	if video != videoRef || video != "uploads/album-1/video.mp4" {
		t.Fatalf("video = %q, want %q", video, videoRef)
	}

	f, closer, err := s.Open(video)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer.Close()
	body, _ := io.ReadAll(f.Data)
	if string(body) != "v2" || f.Name != "video.mp4" {
		t.Fatalf("video content = %q (%s), want the replacement", body, f.Name)
	}
}

func TestListUnknownGroupIsEmpty(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore(t)
	photos, video, err := s.List("nope")
	if err != nil || len(photos) != 0 || video != "" {
		t.Fatalf("List = %v, %q, %v", photos, video, err)
	}
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore(t)
	_, _, err := s.Open("uploads/g/gone.jpg")
	if !errors.Is(err, ErrAttachmentMissing) {
		t.Fatalf("Open err = %v, want ErrAttachmentMissing", err)
	}
	var me *MissingError
	if !errors.As(err, &me) || me.Ref != "uploads/g/gone.jpg" {
		t.Fatalf("expected MissingError with ref, got %v", err)
	}
	if err := s.Check("", "uploads/g/gone.jpg"); !errors.Is(err, ErrAttachmentMissing) {
		t.Fatalf("Check err = %v, want ErrAttachmentMissing", err)
	}
}

func TestGroupKeysStayInsideRoot(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore(t)
	ref, err := s.Save("../../etc", transport.AttachmentPhoto, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(ref, "uploads/.._.._etc/") {
		t.Fatalf("ref escaped root: %q", ref)
	}
	if _, err := s.GroupDir(".."); err == nil {
		t.Fatal("expected error for dot group key")
	}
	if g := s.GroupOf(ref); g != ".._.._etc" {
		t.Fatalf("GroupOf = %q", g)
	}
}

func TestRemoveGroupAndPrune(t *testing.T) {
	t.Parallel()
	s, fsys := newMemStore(t)
	for _, g := range []string{"old-pending", "old-orphan", "fresh", "published"} {
		if _, err := s.Save(g, transport.AttachmentPhoto, strings.NewReader("x")); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.RemoveGroup("published"); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if photos, _, _ := s.List("published"); len(photos) != 0 {
		t.Fatalf("group still has photos after RemoveGroup: %v", photos)
	}

	old := time.Now().Add(-72 * time.Hour)
	for _, g := range []string{"old-pending", "old-orphan"} {
		if err := fsys.Chtimes("uploads/"+g, old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	removed, err := s.Prune(time.Now().Add(-48*time.Hour), func(g string) bool { return g == "old-pending" })
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != "old-orphan" {
		t.Fatalf("Prune removed %v, want [old-orphan]", removed)
	}
	for _, g := range []string{"old-pending", "fresh"} {
		if photos, _, _ := s.List(g); len(photos) != 1 {
			t.Fatalf("group %s should survive prune", g)
		}
	}
}
