package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"postbot/internal/media"
	"postbot/internal/observability/metrics"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

var (
	ErrEmptyCaption     = errors.New("caption is empty")
	ErrNoAttachments    = errors.New("submission has no attachments")
	ErrAlreadyScheduled = errors.New("submission already scheduled")
)

// Options wires a Handler. Media, Store and Allocator are required.
type Options struct {
	Media     *media.Store
	Store     storage.Store
	Allocator schedule.Allocator
	Clock     schedule.Clock
	Logger    logx.Logger
	Metrics   *metrics.Metrics
}

// Handler turns submission groups into scheduled posts.
type Handler struct {
	media   *media.Store
	store   storage.Store
	alloc   schedule.Allocator
	clock   schedule.Clock
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(opts Options) (*Handler, error) {
	if opts.Media == nil {
		return nil, errors.New("ingest: media store is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ingest: schedule store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = schedule.SystemClock{Loc: opts.Allocator.Window.Loc}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		media:   opts.Media,
		store:   opts.Store,
		alloc:   opts.Allocator,
		clock:   clock,
		log:     log.With(logx.String("comp", "ingest")),
		metrics: opts.Metrics,
	}, nil
}

// NewGroupKey returns a fresh key for a submission that did not arrive as an album.
func NewGroupKey() string { return uuid.NewString() }

// OnAttachment saves one attachment into the group namespace.
func (h *Handler) OnAttachment(ctx context.Context, group string, kind transport.AttachmentKind, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := h.media.Save(group, kind, r)
	if err != nil {
		h.log.Error("attachment save failed", logx.String("group", group), logx.String("kind", string(kind)), logx.Err(err))
		return "", fmt.Errorf("save attachment: %w", err)
	}
	h.metrics.AttachmentSaved(string(kind))
	h.log.Debug("attachment saved", logx.String("group", group), logx.String("ref", ref))
	return ref, nil
}

// OnCaption finalizes a submission group into a post.
//
// The slot is allocated from the committed times read inside the same store
// critical section that appends the post, so concurrent captions always get
// distinct slots in the order they enter the store.
func (h *Handler) OnCaption(ctx context.Context, group, text string) (storage.Post, error) {
	if strings.TrimSpace(text) == "" {
		h.metrics.Rejected("empty_caption")
		return storage.Post{}, ErrEmptyCaption
	}
	if strings.TrimSpace(group) == "" {
		h.metrics.Rejected("no_attachments")
		return storage.Post{}, ErrNoAttachments
	}

	photos, video, err := h.media.List(group)
	if err != nil {
		return storage.Post{}, fmt.Errorf("list attachments of %s: %w", group, err)
	}
	if len(photos) == 0 && video == "" {
		h.metrics.Rejected("no_attachments")
		return storage.Post{}, ErrNoAttachments
	}

	post := storage.Post{
		ID:     uuid.NewString(),
		Group:  group,
		Text:   text,
		Photos: photos,
		Video:  video,
	}
	var alloc schedule.Allocation
	err = h.store.Update(ctx, func(cur []storage.Post) ([]storage.Post, error) {
		for _, p := range cur {
			if p.Group == group {
				return nil, fmt.Errorf("%w: group %s at %s", ErrAlreadyScheduled, group, p.PublishAt.Format(time.RFC3339))
			}
		}
		a, err := h.alloc.Next(storage.PublishTimes(cur), h.clock.Now())
		if err != nil {
			return nil, err
		}
		alloc = a
		post.PublishAt = a.At
		return append(cur, post), nil
	})
	if err != nil {
		h.metrics.Rejected(rejectReason(err))
		h.log.Error("schedule submission failed", logx.String("group", group), logx.Int("photos", len(photos)), logx.Bool("video", video != ""), logx.Err(err))
		return storage.Post{}, err
	}

	h.metrics.Scheduled(alloc.DaysAhead, alloc.Overflow)
	fields := []logx.Field{
		logx.String("post_id", post.ID),
		logx.String("group", group),
		logx.Time("publish_at", post.PublishAt),
		logx.Int("photos", len(photos)),
		logx.Bool("video", video != ""),
	}
	if alloc.Overflow {
		h.log.Warn("publish window exhausted, post overflows window end", fields...)
	} else {
		h.log.Info("post scheduled", append(fields, logx.Int("days_ahead", alloc.DaysAhead))...)
	}
	return post, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyScheduled):
		return "duplicate"
	case errors.Is(err, schedule.ErrSlotExhausted):
		return "exhausted"
	case errors.Is(err, storage.ErrCorrupt):
		return "store_corrupt"
	default:
		return "error"
	}
}
