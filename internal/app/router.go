package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"postbot/internal/ingest"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Ingestor turns inbound submissions into scheduled posts.
type Ingestor interface {
	OnAttachment(ctx context.Context, group string, kind kit.AttachmentKind, r io.Reader) (string, error)
	OnCaption(ctx context.Context, group, text string) (storage.Post, error)
}

// Fetcher downloads the remote file behind an attachment.
type Fetcher interface {
	Fetch(ctx context.Context, a kit.Attachment) (io.ReadCloser, error)
}

const (
	welcomeText     = "Добро пожаловать! Пришли 9 фото, видео и описание."
	finalizeTimeout = 30 * time.Second
	downloadTimeout = 2 * time.Minute
	ackTimeFormat   = "02.01.2006 15:04"
	defaultWorkers  = 4
)

type RouterOptions struct {
	Ingest  Ingestor
	Fetcher Fetcher
	// Replies delivers acknowledgments back to the submitter.
	Replies  kit.Sender
	Location *time.Location
	Workers  int
	// Settle defers album captions so the rest of the album can arrive.
	Settle time.Duration
	Logger logx.Logger
}

// Router fans inbound updates out to a fixed worker pool.
//
// Album items arrive as separate updates and may be handled by different
// workers. A caption is finalized only after the settle delay and after every
// in-flight download of its group has finished.
type Router struct {
	ingest  Ingestor
	fetcher Fetcher
	replies kit.Sender
	loc     *time.Location
	workers int
	settle  time.Duration
	log     logx.Logger

	mu     sync.Mutex
	groups map[string]*groupState

	finalizing sync.WaitGroup
}

type groupState struct {
	inflight int
	idle     chan struct{}
}

func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Ingest == nil || opts.Fetcher == nil {
		return nil, errors.New("router: ingest and fetcher are required")
	}
	r := &Router{
		ingest:  opts.Ingest,
		fetcher: opts.Fetcher,
		replies: opts.Replies,
		loc:     opts.Location,
		workers: opts.Workers,
		settle:  opts.Settle,
		log:     opts.Logger,
		groups:  map[string]*groupState{},
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r, nil
}

// Run consumes in until ctx is done, then finalizes captions that are still
// waiting out their settle delay.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.workers; i++ {
		sup.Go0(fmt.Sprintf("ingest.worker.%d", i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case up, ok := <-in:
					if !ok {
						return
					}
					r.handle(c, up)
				}
			}
		})
	}
	<-ctx.Done()
	_ = sup.Wait(context.Background())
	r.finalizing.Wait()
	return nil
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil {
		return
	}
	switch up.Kind {
	case kit.UpdateCommand:
		if cmd, _, _ := strings.Cut(m.Text, " "); cmd == "/start" || strings.HasPrefix(cmd, "/start@") {
			r.reply(ctx, m, welcomeText)
		}
	case kit.UpdateMedia:
		r.handleMedia(ctx, m)
	}
}

func (r *Router) handleMedia(ctx context.Context, m *kit.Message) {
	group, delay := m.GroupID, r.settle
	if group == "" {
		// A single send is complete in itself.
		group, delay = ingest.NewGroupKey(), 0
	}
	log := r.log.With(logx.String("group", group), logx.Int("msg_id", m.ID), logx.Int64("chat_id", m.ChatID))

	r.begin(group)
	for _, att := range m.Attachments {
		if err := r.download(ctx, group, att); err != nil {
			log.Error("attachment download failed", logx.String("kind", string(att.Kind)), logx.String("file_id", att.FileID), logx.Err(err))
		}
	}
	r.end(group)

	if strings.TrimSpace(m.Caption) != "" {
		r.deferCaption(ctx, group, m, delay)
	}
}

func (r *Router) download(ctx context.Context, group string, att kit.Attachment) error {
	dctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	rc, err := r.fetcher.Fetch(dctx, att)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = r.ingest.OnAttachment(dctx, group, att.Kind, rc)
	return err
}

func (r *Router) deferCaption(ctx context.Context, group string, m *kit.Message, delay time.Duration) {
	r.finalizing.Add(1)
	go func() {
		defer r.finalizing.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		// Captions still pending at shutdown are flushed, not lost.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if err := r.waitIdle(fctx, group); err != nil {
			r.log.Warn("gave up waiting for album downloads", logx.String("group", group), logx.Err(err))
		}
		r.finalize(fctx, group, m)
	}()
}

func (r *Router) finalize(ctx context.Context, group string, m *kit.Message) {
	post, err := r.ingest.OnCaption(ctx, group, m.Caption)
	if err != nil {
		r.reply(ctx, m, failureText(err))
		return
	}
	r.reply(ctx, m, fmt.Sprintf("Объявление получено и запланировано на %s.", post.PublishAt.In(r.loc).Format(ackTimeFormat)))
}

func failureText(err error) string {
	switch {
	case errors.Is(err, ingest.ErrAlreadyScheduled):
		return "Это объявление уже запланировано."
	case errors.Is(err, ingest.ErrNoAttachments):
		return "Не нашёл фото или видео к этому описанию. Пришли медиа и описание одним сообщением или альбомом."
	case errors.Is(err, schedule.ErrSlotExhausted):
		return "Свободных слотов для публикации нет. Попробуй позже."
	default:
		return "Не удалось запланировать объявление. Попробуй ещё раз."
	}
}

func (r *Router) reply(ctx context.Context, m *kit.Message, text string) {
	if r.replies == nil {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := r.replies.SendText(ctx, to, text, &kit.SendOptions{ReplyTo: m.ID}); err != nil {
		r.log.Warn("acknowledgment failed", logx.Int64("chat_id", m.ChatID), logx.Int("msg_id", m.ID), logx.Err(err))
	}
}

func (r *Router) begin(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[group]
	if g == nil {
		g = &groupState{idle: make(chan struct{})}
		r.groups[group] = g
	}
	g.inflight++
}

func (r *Router) end(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[group]
	if g == nil {
		return
	}
	g.inflight--
	if g.inflight <= 0 {
		close(g.idle)
		delete(r.groups, group)
	}
}

// waitIdle blocks until no download of group is in flight.
func (r *Router) waitIdle(ctx context.Context, group string) error {
	r.mu.Lock()
	g := r.groups[group]
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	select {
	case <-g.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
