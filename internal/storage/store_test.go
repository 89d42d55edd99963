package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

var cst = time.FixedZone("CST", 8*3600)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fileStore, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "schedule.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sqlStore, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "schedule.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqlStore.Close()
	})
	return map[string]Store{"file": fileStore, "sqlite": sqlStore}
}

func TestAppendLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBackends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			posts := []Post{
				{ID: "a", Group: "g1", Text: "photos only", Photos: []string{"uploads/g1/1.jpg", "uploads/g1/2.jpg"}, PublishAt: time.Date(2024, 5, 1, 8, 0, 0, 0, cst)},
				{ID: "b", Group: "g2", Text: "video & <text>", Photos: []string{}, Video: "uploads/g2/video.mp4", PublishAt: time.Date(2024, 5, 1, 8, 1, 0, 0, cst)},
				{Text: "bare", PublishAt: time.Date(2024, 5, 1, 8, 2, 0, 0, cst)},
			}
			for _, p := range posts {
				if err := st.Append(ctx, p); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := st.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(got) != len(posts) {
				t.Fatalf("LoadAll returned %d posts, want %d", len(got), len(posts))
			}
			for i := range posts {
				want := posts[i].normalize()
				if !got[i].PublishAt.Equal(want.PublishAt) {
					t.Fatalf("post %d publish_at = %v, want %v", i, got[i].PublishAt, want.PublishAt)
				}
				if _, off := got[i].PublishAt.Zone(); off != 8*3600 {
					t.Fatalf("post %d lost its offset: %v", i, got[i].PublishAt)
				}
				got[i].PublishAt, want.PublishAt = time.Time{}, time.Time{}
				if !reflect.DeepEqual(got[i], want) {
					t.Fatalf("post %d = %+v, want %+v", i, got[i], want)
				}
			}
			if got[2].Photos == nil || got[2].HasVideo() {
				t.Fatalf("bare post should have empty photos and no video: %+v", got[2])
			}
		})
	}
}

func TestReplaceAllAndUpdate(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBackends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 5, 1, 8, 0, 0, 0, cst)
			var posts []Post
			for i := 0; i < 4; i++ {
				posts = append(posts, Post{ID: fmt.Sprint(i), Text: "t", PublishAt: base.Add(time.Duration(i) * time.Minute)})
			}
			if err := st.ReplaceAll(ctx, posts); err != nil {
				t.Fatalf("ReplaceAll: %v", err)
			}

			drop := map[string]struct{}{"0": {}, "2": {}}
			if err := st.Update(ctx, func(cur []Post) ([]Post, error) { return Without(cur, drop), nil }); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, err := st.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
				t.Fatalf("unexpected contents after Update: %+v", got)
			}

			boom := errors.New("boom")
			if err := st.Update(ctx, func([]Post) ([]Post, error) { return nil, boom }); !errors.Is(err, boom) {
				t.Fatalf("Update err = %v, want boom", err)
			}
			if got, _ := st.LoadAll(ctx); len(got) != 2 {
				t.Fatalf("failed Update must not change contents, got %d posts", len(got))
			}

			if err := st.ReplaceAll(ctx, nil); err != nil {
				t.Fatalf("ReplaceAll(nil): %v", err)
			}
			if got, err := st.LoadAll(ctx); err != nil || len(got) != 0 {
				t.Fatalf("LoadAll after clear = %v, %v", got, err)
			}
		})
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBackends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 5, 1, 8, 0, 0, 0, cst)
			const n = 40
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := st.Append(ctx, Post{ID: fmt.Sprint(i), PublishAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
						t.Errorf("Append %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			got, err := st.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(got) != n {
				t.Fatalf("got %d posts, want %d", len(got), n)
			}
		})
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	ctx := context.Background()
	for _, body := range []string{"{not json", "", `[{"text":"x","photos":[],"publish_at":"yesterday"}]`, `[{"text":"x"}]`} {
		path := filepath.Join(t.TempDir(), "schedule.json")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		st, err := OpenFile(path, logx.Nop())
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		posts, err := st.LoadAll(ctx)
		if !errors.Is(err, ErrCorrupt) {
			t.Fatalf("body %q: LoadAll err = %v, want ErrCorrupt", body, err)
		}
		if posts != nil {
			t.Fatalf("body %q: corrupt store must not return posts, got %v", body, posts)
		}
		var ce *CorruptError
		if !errors.As(err, &ce) || ce.Path != path {
			t.Fatalf("expected CorruptError with path, got %v", err)
		}
		if err := st.Append(ctx, Post{Text: "x", PublishAt: time.Now()}); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("Append on corrupt store err = %v, want ErrCorrupt", err)
		}
		raw, _ := os.ReadFile(path)
		if string(raw) != body {
			t.Fatalf("corrupt document was overwritten: %q", raw)
		}
	}
}

func TestFileStoreReadsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	legacy := `[
  {"text": "Привет", "photos": ["uploads/g/a.jpg"], "video": null, "publish_at": "2024-05-01T08:01:00+08:00"}
]`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := OpenFile(path, logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	got, err := st.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Привет" || got[0].HasVideo() || len(got[0].Photos) != 1 {
		t.Fatalf("unexpected legacy decode: %+v", got)
	}
	if !got[0].PublishAt.Equal(time.Date(2024, 5, 1, 8, 1, 0, 0, cst)) {
		t.Fatalf("publish_at = %v", got[0].PublishAt)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenFile(filepath.Join(dir, "schedule.json"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := st.Append(context.Background(), Post{Text: "t", PublishAt: time.Now()}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "schedule.json"))
	if !strings.Contains(string(raw), `"photos": []`) {
		t.Fatalf("empty photos should encode as []: %s", raw)
	}
}

func TestFileStoreClosed(t *testing.T) {
	st, err := OpenFile(filepath.Join(t.TempDir(), "schedule.json"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_ = st.Close()
	if _, err := st.LoadAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("LoadAll after Close err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPostLabel(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 1, 0, 0, time.FixedZone("CST", 8*3600))
	cases := []struct {
		post Post
		want string
	}{
		{Post{ID: "id", Group: "g", Text: "t", PublishAt: at}, "id"},
		{Post{Group: "g", Text: "t", PublishAt: at}, "g"},
		{Post{Text: "caption", Photos: []string{"a"}, PublishAt: at}, "2024-05-01T08:01:00+08:00"},
	}
	for _, tc := range cases {
		if got := tc.post.Label(); got != tc.want {
			t.Fatalf("Label(%+v) = %q, want %q", tc.post, got, tc.want)
		}
	}
}
