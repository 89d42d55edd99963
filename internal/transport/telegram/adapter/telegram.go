package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Telegram accepts media groups of MinAlbum to MaxAlbum items.
const (
	MinAlbum = 2
	MaxAlbum = 10
)

type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound sends. Zero means 1/s.
	SendRatePerSec float64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	droppedUpdates uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimRight(cfg.APIURL, "/"),
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.SendRatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(perSec), 3),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Username is the bot's own @username as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	}
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnVideo, forward)
	a.bot.Handle("/start", forward)
}

// toUpdate maps a telebot message to a transport update. Photo messages carry
// only the largest size; telebot already picks it for Message.Photo.
func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		GroupID:  m.AlbumID,
		Caption:  m.Caption,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	if m.Photo != nil && m.Photo.FileID != "" {
		msg.Attachments = append(msg.Attachments, kit.Attachment{
			Kind:   kit.AttachmentPhoto,
			FileID: m.Photo.FileID,
			Size:   int64(m.Photo.FileSize),
		})
	}
	if m.Video != nil && m.Video.FileID != "" {
		msg.Attachments = append(msg.Attachments, kit.Attachment{
			Kind:   kit.AttachmentVideo,
			FileID: m.Video.FileID,
			Size:   int64(m.Video.FileSize),
		})
	}
	if len(msg.Attachments) > 0 {
		return kit.Update{Kind: kit.UpdateMedia, Message: msg}, true
	}
	if text := strings.TrimSpace(m.Text); strings.HasPrefix(text, "/") {
		msg.Text = text
		return kit.Update{Kind: kit.UpdateCommand, Message: msg}, true
	}
	return kit.Update{}, false
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; an early return while still active gets restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()

	// Never block shutdown for long on a pending getUpdates call.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Fetch downloads the file behind an attachment (getFile + file endpoint).
func (a *Adapter) Fetch(ctx context.Context, att kit.Attachment) (io.ReadCloser, error) {
	if strings.TrimSpace(att.FileID) == "" {
		return nil, errors.New("attachment has no file id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: att.FileID})
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", att.Kind, att.FileID, err)
	}
	return rc, nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit)
	rcpt := recipientOf(to)

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyTo > 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		}
		msg, err := a.bot.Send(rcpt, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 && msg != nil {
			first = kit.MessageRef{ThreadID: to.ThreadID, MessageID: msg.ID}
			if msg.Chat != nil {
				first.ChatID = msg.Chat.ID
			}
		}
	}
	return first, nil
}

// SendMediaGroup sends one album of photos. Callers chunk to MaxAlbum; a
// single file is sent as a plain photo since sendMediaGroup rejects it.
func (a *Adapter) SendMediaGroup(ctx context.Context, to kit.ChatTarget, files []kit.MediaFile) error {
	switch {
	case len(files) == 0:
		return nil
	case len(files) < MinAlbum:
		return a.SendPhoto(ctx, to, files[0])
	case len(files) > MaxAlbum:
		return fmt.Errorf("media group of %d exceeds %d items", len(files), MaxAlbum)
	}
	album := make(tele.Album, 0, len(files))
	for _, f := range files {
		album = append(album, &tele.Photo{File: tele.FromReader(f.Data)})
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.SendAlbum(recipientOf(to), album, &tele.SendOptions{ThreadID: to.ThreadID})
	return err
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, file kit.MediaFile) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(recipientOf(to), &tele.Photo{File: tele.FromReader(file.Data)}, &tele.SendOptions{ThreadID: to.ThreadID})
	return err
}

func (a *Adapter) SendVideo(ctx context.Context, to kit.ChatTarget, file kit.MediaFile) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	v := &tele.Video{File: tele.FromReader(file.Data), FileName: file.Name}
	_, err := a.bot.Send(recipientOf(to), v, &tele.SendOptions{ThreadID: to.ThreadID})
	return err
}

// channelName addresses a public chat by @username.
type channelName string

func (c channelName) Recipient() string { return "@" + string(c) }

func recipientOf(to kit.ChatTarget) tele.Recipient {
	if to.Username != "" {
		return channelName(strings.TrimPrefix(to.Username, "@"))
	}
	return &tele.Chat{ID: to.ChatID}
}

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes, preferring
// newline boundaries that leave chunks of at least a third of the limit.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
