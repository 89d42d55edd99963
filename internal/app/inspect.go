package app

import (
	"context"
	"time"

	"postbot/internal/config"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// LoadQueue returns the pending posts ordered by publish time, with the
// configured schedule location for display.
func LoadQueue(ctx context.Context, cfg *config.Config, log logx.Logger) ([]storage.Post, *time.Location, error) {
	sc, err := cfg.Schedule.Resolve()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()

	posts, err := st.LoadAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	storage.SortByPublishAt(posts)
	return posts, sc.Location, nil
}

// PreviewNextSlot reports the slot a submission arriving at now would get.
// Nothing is written.
func PreviewNextSlot(ctx context.Context, cfg *config.Config, now time.Time, log logx.Logger) (schedule.Allocation, error) {
	sc, err := cfg.Schedule.Resolve()
	if err != nil {
		return schedule.Allocation{}, err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return schedule.Allocation{}, err
	}
	defer st.Close()

	posts, err := st.LoadAll(ctx)
	if err != nil {
		return schedule.Allocation{}, err
	}
	return sc.Allocator.Next(storage.PublishTimes(posts), now.In(sc.Location))
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	stc, err := cfg.Storage.Resolve()
	if err != nil {
		return nil, err
	}
	return storage.Open(stc, log.With(logx.String("comp", "storage")))
}
