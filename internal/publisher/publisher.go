package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"postbot/internal/media"
	"postbot/internal/observability/metrics"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const (
	DefaultInterval = 60 * time.Second

	// maxAlbum is the largest media group Telegram accepts; the smallest is 2.
	maxAlbum = 10
)

type Options struct {
	Store   storage.Store
	Media   *media.Store
	Sender  transport.Sender
	Channel transport.ChatTarget
	Clock   schedule.Clock

	Interval time.Duration
	// Cleanup removes a post's attachment group once it leaves the queue.
	Cleanup bool

	Logger  logx.Logger
	Metrics *metrics.Metrics
}

// Report summarizes one cycle.
type Report struct {
	Due       int
	Delivered int
	Failed    int
	Dropped   int
	Pending   int
}

// Publisher is the publish loop: it delivers due posts to the channel and
// removes them from the schedule store.
type Publisher struct {
	store    storage.Store
	media    *media.Store
	sender   transport.Sender
	channel  transport.ChatTarget
	clock    schedule.Clock
	interval time.Duration
	cleanup  bool
	log      logx.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) (*Publisher, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("publisher: schedule store is required")
	case opts.Media == nil:
		return nil, errors.New("publisher: media store is required")
	case opts.Sender == nil:
		return nil, errors.New("publisher: sender is required")
	case opts.Channel.IsZero():
		return nil, errors.New("publisher: channel is required")
	}
	p := &Publisher{
		store:    opts.Store,
		media:    opts.Media,
		sender:   opts.Sender,
		channel:  opts.Channel,
		clock:    opts.Clock,
		interval: opts.Interval,
		cleanup:  opts.Cleanup,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if p.clock == nil {
		p.clock = schedule.SystemClock{}
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "publisher"))
	return p, nil
}

func (p *Publisher) Interval() time.Duration { return p.interval }

// Run executes a cycle immediately and then once per interval until ctx is done.
// Cycle errors are logged and never end the loop.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("publish loop started", logx.Duration("interval", p.interval), logx.String("channel", p.channel.String()))
	defer p.log.Info("publish loop stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		_, _ = p.RunOnce(ctx, p.clock.Now())
		timer.Reset(p.interval)
	}
}

// RunOnce delivers every post due at now in ascending publish time.
//
// Delivered posts and posts with a missing attachment are removed from the
// store in one read-modify-write against the current contents, so posts
// appended meanwhile are kept. A post whose send fails stays queued.
func (p *Publisher) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	posts, err := p.store.LoadAll(ctx)
	if err != nil {
		p.metrics.Cycle("load_error", -1)
		p.log.Error("load schedule failed", logx.Err(err))
		return rep, err
	}

	var due []storage.Post
	for _, post := range posts {
		if post.PublishAt.After(now) {
			continue
		}
		due = append(due, post)
	}
	storage.SortByPublishAt(due)
	rep.Due = len(due)

	remove := make(map[string]struct{}, len(due))
	var finished []storage.Post
	for _, post := range due {
		if ctx.Err() != nil {
			break
		}
		log := p.log.With(logx.String("post", post.Label()), logx.String("group", post.Group), logx.Time("publish_at", post.PublishAt))
		started := time.Now()
		err := p.deliver(ctx, post)
		switch {
		case err == nil:
			rep.Delivered++
			remove[post.Key()] = struct{}{}
			finished = append(finished, post)
			p.metrics.Published(time.Since(started).Seconds())
			log.Info("post published", logx.Int("photos", len(post.Photos)), logx.Bool("video", post.HasVideo()))
		case errors.Is(err, media.ErrAttachmentMissing):
			rep.Dropped++
			remove[post.Key()] = struct{}{}
			finished = append(finished, post)
			p.metrics.Dropped()
			log.Error("post dropped: attachment missing", logx.Err(err))
		default:
			rep.Failed++
			var de *DeliveryError
			if errors.As(err, &de) {
				p.metrics.DeliveryFailed(de.Step)
			} else {
				p.metrics.DeliveryFailed("unknown")
			}
			log.Error("post delivery failed, will retry", logx.Err(err))
		}
	}

	if len(remove) > 0 {
		err := p.store.Update(context.WithoutCancel(ctx), func(cur []storage.Post) ([]storage.Post, error) {
			next := storage.Without(cur, remove)
			rep.Pending = len(next)
			return next, nil
		})
		if err != nil {
			p.metrics.Cycle("store_error", -1)
			p.log.Error("remove published posts failed", logx.Int("posts", len(remove)), logx.Err(err))
			return rep, fmt.Errorf("remove published posts: %w", err)
		}
		p.cleanupMedia(finished)
	} else {
		rep.Pending = len(posts)
	}

	p.metrics.Cycle("ok", rep.Pending)
	if rep.Due > 0 {
		p.log.Info("publish cycle done",
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("dropped", rep.Dropped),
			logx.Int("pending", rep.Pending),
		)
	}
	return rep, nil
}

// deliver sends one post. A post with a video goes out as text then video,
// otherwise as media group(s) then text. Every asset is checked before the
// first send so a missing file never leaves a half-published post.
func (p *Publisher) deliver(ctx context.Context, post storage.Post) error {
	refs := append([]string{}, post.Photos...)
	if post.HasVideo() {
		refs = append(refs, post.Video)
	}
	if err := p.media.Check(refs...); err != nil {
		if errors.Is(err, media.ErrAttachmentMissing) {
			return err
		}
		return &DeliveryError{PostID: post.Label(), Step: StepOpen, Err: err}
	}

	if post.HasVideo() {
		if err := p.sendText(ctx, post); err != nil {
			return err
		}
		return p.sendVideo(ctx, post)
	}
	if len(post.Photos) == 1 {
		if err := p.sendPhoto(ctx, post, post.Photos[0]); err != nil {
			return err
		}
		return p.sendText(ctx, post)
	}
	for _, chunk := range albumChunks(post.Photos) {
		if err := p.sendAlbum(ctx, post, chunk); err != nil {
			return err
		}
	}
	return p.sendText(ctx, post)
}

// albumChunks splits refs into the fewest albums of at most maxAlbum items,
// balanced so no album has a single photo: 11 becomes 6+5, 21 becomes 7+7+7.
func albumChunks(refs []string) [][]string {
	if len(refs) == 0 {
		return nil
	}
	n := (len(refs) + maxAlbum - 1) / maxAlbum
	size, extra := len(refs)/n, len(refs)%n
	out := make([][]string, 0, n)
	for start := 0; start < len(refs); {
		end := start + size
		if extra > 0 {
			end++
			extra--
		}
		out = append(out, refs[start:end])
		start = end
	}
	return out
}

func (p *Publisher) sendText(ctx context.Context, post storage.Post) error {
	if _, err := p.sender.SendText(ctx, p.channel, post.Text, &transport.SendOptions{DisablePreview: true}); err != nil {
		return &DeliveryError{PostID: post.Label(), Step: StepText, Err: err}
	}
	return nil
}

func (p *Publisher) sendVideo(ctx context.Context, post storage.Post) error {
	f, c, err := p.media.Open(post.Video)
	if err != nil {
		return p.openErr(post, err)
	}
	defer c.Close()
	if err := p.sender.SendVideo(ctx, p.channel, f); err != nil {
		return &DeliveryError{PostID: post.Label(), Step: StepVideo, Err: err}
	}
	return nil
}

func (p *Publisher) sendPhoto(ctx context.Context, post storage.Post, ref string) error {
	f, c, err := p.media.Open(ref)
	if err != nil {
		return p.openErr(post, err)
	}
	defer c.Close()
	if err := p.sender.SendPhoto(ctx, p.channel, f); err != nil {
		return &DeliveryError{PostID: post.Label(), Step: StepPhoto, Err: err}
	}
	return nil
}

func (p *Publisher) sendAlbum(ctx context.Context, post storage.Post, refs []string) error {
	files := make([]transport.MediaFile, 0, len(refs))
	closers := make([]io.Closer, 0, len(refs))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, ref := range refs {
		f, c, err := p.media.Open(ref)
		if err != nil {
			return p.openErr(post, err)
		}
		files = append(files, f)
		closers = append(closers, c)
	}
	if err := p.sender.SendMediaGroup(ctx, p.channel, files); err != nil {
		return &DeliveryError{PostID: post.Label(), Step: StepMediaGroup, Err: err}
	}
	return nil
}

// openErr keeps a missing-file error as is; it only happens if an asset
// vanished between Check and Open.
func (p *Publisher) openErr(post storage.Post, err error) error {
	if errors.Is(err, media.ErrAttachmentMissing) {
		return err
	}
	return &DeliveryError{PostID: post.Label(), Step: StepOpen, Err: err}
}

func (p *Publisher) cleanupMedia(posts []storage.Post) {
	if !p.cleanup {
		return
	}
	for _, post := range posts {
		group := post.Group
		if group == "" {
			for _, ref := range append(append([]string{}, post.Photos...), post.Video) {
				if group = p.media.GroupOf(ref); group != "" {
					break
				}
			}
		}
		if group == "" {
			continue
		}
		if err := p.media.RemoveGroup(group); err != nil {
			p.log.Warn("remove attachments failed", logx.String("group", group), logx.Err(err))
		}
	}
}
