package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"postbot/internal/config"
	"postbot/internal/media"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	taskscheduler "postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.Channel = "@channel"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "schedule.json")
	return cfg
}

func seed(t *testing.T, cfg *config.Config, posts ...storage.Post) {
	t.Helper()
	st, err := openStore(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()
	if err := st.ReplaceAll(context.Background(), posts); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
}

func TestLoadQueueSortsByPublishTime(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg,
		storage.Post{ID: "late", Text: "b", PublishAt: time.Date(2024, 5, 1, 9, 0, 0, 0, cst)},
		storage.Post{ID: "early", Text: "a", PublishAt: time.Date(2024, 5, 1, 8, 0, 0, 0, cst)},
	)

	posts, loc, err := LoadQueue(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "early" || posts[1].ID != "late" {
		t.Fatalf("queue order = %+v", posts)
	}
	if loc.String() != "Asia/Shanghai" {
		t.Fatalf("location = %s", loc)
	}
}

func TestPreviewNextSlot(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg,
		storage.Post{ID: "a", PublishAt: time.Date(2024, 5, 1, 8, 0, 0, 0, cst)},
		storage.Post{ID: "b", PublishAt: time.Date(2024, 5, 1, 8, 2, 0, 0, cst)},
	)

	got, err := PreviewNextSlot(context.Background(), cfg, time.Date(2024, 5, 1, 7, 0, 0, 0, cst), logx.Nop())
	if err != nil {
		t.Fatalf("PreviewNextSlot: %v", err)
	}
	if want := time.Date(2024, 5, 1, 8, 1, 0, 0, cst); !got.At.Equal(want) || got.Overflow {
		t.Fatalf("next slot = %+v, want %v", got, want)
	}

	// Preview never writes.
	posts, _, err := LoadQueue(context.Background(), cfg, logx.Nop())
	if err != nil || len(posts) != 2 {
		t.Fatalf("preview changed the store: %v, %v", posts, err)
	}
}

func TestPreviewNextSlotCorruptStore(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Storage.Path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := PreviewNextSlot(context.Background(), cfg, time.Now(), logx.Nop()); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestMediaPrunerKeepsPendingGroups(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fsys := afero.NewMemMapFs()
	ms := media.NewStore(fsys, "uploads")
	var pendingRef string
	for _, g := range []string{"pending", "orphan", "fresh-orphan"} {
		ref, err := ms.Save(g, kit.AttachmentPhoto, strings.NewReader("x"))
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if g == "pending" {
			pendingRef = ref
		}
	}
	// A legacy post with no group key is matched through its refs.
	if err := st.Append(context.Background(), storage.Post{Text: "t", Photos: []string{pendingRef}, PublishAt: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	now := time.Now()
	old := now.Add(-72 * time.Hour)
	for _, g := range []string{"pending", "orphan"} {
		if err := fsys.Chtimes("uploads/"+g, old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	p := &mediaPruner{store: st, media: ms, clock: schedule.FixedClock{T: now}, after: 48 * time.Hour, log: logx.Nop()}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for g, want := range map[string]int{"pending": 1, "orphan": 0, "fresh-orphan": 1} {
		photos, _, err := ms.List(g)
		if err != nil {
			t.Fatalf("List %s: %v", g, err)
		}
		if len(photos) != want {
			t.Fatalf("group %s has %d photos after prune, want %d", g, len(photos), want)
		}
	}
}

func TestLogTarget(t *testing.T) {
	cfg := config.Default()
	if to := logTarget(cfg); !to.IsZero() {
		t.Fatalf("unset group_log should disable the target, got %+v", to)
	}
	cfg.Telegram.GroupLog = "-100200300"
	cfg.Logging.Telegram.ThreadID = 7
	to := logTarget(cfg)
	if to.ChatID != -100200300 || to.ThreadID != 7 {
		t.Fatalf("logTarget = %+v", to)
	}
}

func TestReschedulePrune(t *testing.T) {
	a := &App{
		log:    logx.Nop(),
		sched:  taskscheduler.New(taskscheduler.Config{}, logx.Nop()),
		pruner: &mediaPruner{log: logx.Nop()},
	}
	specOf := func() string {
		for _, j := range a.sched.Snapshot().Schedules {
			if j.Name == pruneJobName {
				return j.Spec
			}
		}
		return ""
	}

	a.reschedulePrune("30 3 * * *")
	if a.pruneSchedule != "30 3 * * *" || specOf() != "30 3 * * *" {
		t.Fatalf("prune not registered: field=%q job=%q", a.pruneSchedule, specOf())
	}
	a.reschedulePrune("not a schedule")
	if a.pruneSchedule != "30 3 * * *" || specOf() != "30 3 * * *" {
		t.Fatalf("invalid schedule should keep the previous one: field=%q job=%q", a.pruneSchedule, specOf())
	}
	a.reschedulePrune("")
	if a.pruneSchedule != "" || specOf() != "" {
		t.Fatalf("prune not removed: field=%q job=%q", a.pruneSchedule, specOf())
	}
}
