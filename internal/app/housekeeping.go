package app

import (
	"context"
	"time"

	"postbot/internal/media"
	"postbot/internal/observability/metrics"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const pruneJobName = "media.prune"

// mediaPruner removes attachment groups no pending post references, such as
// albums that never got a caption.
type mediaPruner struct {
	store   storage.Store
	media   *media.Store
	clock   schedule.Clock
	after   time.Duration
	log     logx.Logger
	metrics *metrics.Metrics
}

func (p *mediaPruner) Run(ctx context.Context) error {
	posts, err := p.store.LoadAll(ctx)
	if err != nil {
		// A corrupt schedule must never make every group look orphaned.
		return err
	}
	keep := map[string]struct{}{}
	for _, post := range posts {
		if post.Group != "" {
			keep[post.Group] = struct{}{}
		}
		for _, ref := range append(append([]string{}, post.Photos...), post.Video) {
			if g := p.media.GroupOf(ref); g != "" {
				keep[g] = struct{}{}
			}
		}
	}

	cutoff := p.clock.Now().Add(-p.after)
	removed, err := p.media.Prune(cutoff, func(group string) bool {
		_, ok := keep[group]
		return ok
	})
	p.metrics.Pruned(len(removed))
	if len(removed) > 0 {
		p.log.Info("orphaned attachments pruned", logx.Int("groups", len(removed)), logx.Time("cutoff", cutoff), logx.Int("pending_posts", len(posts)))
	}
	return err
}
