package transport

import (
	"context"
	"io"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	// UpdateMedia is a photo or video message, optionally carrying a caption.
	UpdateMedia UpdateKind = "media"
	// UpdateCommand is a slash command such as /start.
	UpdateCommand UpdateKind = "command"
)

type AttachmentKind string

const (
	AttachmentPhoto AttachmentKind = "photo"
	AttachmentVideo AttachmentKind = "video"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound media message.
//
// GroupID is the platform album id; empty for single sends.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	GroupID      string
	Caption      string
	Text         string
	Attachments  []Attachment
}

// Attachment references a remote file that still has to be fetched.
type Attachment struct {
	Kind   AttachmentKind
	FileID string
	Size   int64
}

// ChatTarget addresses a chat either by numeric id or by public @username.
type ChatTarget struct {
	ChatID   int64
	Username string
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

func (t ChatTarget) String() string {
	if t.Username != "" {
		return "@" + t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget accepts "@channel", "channel" or a numeric chat id ("-100123...").
func ParseChatTarget(raw string) (ChatTarget, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatTarget{}, false
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatTarget{ChatID: id}, id != 0
	}
	s = strings.TrimPrefix(s, "@")
	if s == "" || strings.ContainsAny(s, " \t/") {
		return ChatTarget{}, false
	}
	return ChatTarget{Username: s}, true
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int
}

// MediaFile is an upload payload. Data is consumed once.
type MediaFile struct {
	Name string
	Data io.Reader
}

// Sender is the outbound half of a messaging adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMediaGroup needs 2 to 10 files; a single photo goes through SendPhoto.
	SendMediaGroup(ctx context.Context, to ChatTarget, files []MediaFile) error
	SendPhoto(ctx context.Context, to ChatTarget, file MediaFile) error
	SendVideo(ctx context.Context, to ChatTarget, file MediaFile) error
}

// Adapter is a full messaging adapter: inbound updates, file downloads and sends.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Fetch downloads the remote file behind an attachment.
	Fetch(ctx context.Context, a Attachment) (io.ReadCloser, error)
}
