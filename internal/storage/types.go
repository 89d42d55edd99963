package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrCorrupt marks a persisted schedule that cannot be decoded.
// It is never masked as an empty schedule.
var ErrCorrupt = errors.New("schedule store corrupt")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("schedule store closed")

// CorruptError carries the location and decode error of a corrupt store.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("schedule store corrupt: %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// Config configures storage.
//
// Driver values:
//   - "file": JSON document at Path (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Post is one scheduled submission.
//
// Photos keep the attachment store's deterministic order. Video is empty when the
// post has none. ID and Group are optional for documents written by older versions.
type Post struct {
	ID        string    `json:"id,omitempty"`
	Group     string    `json:"group,omitempty"`
	Text      string    `json:"text"`
	Photos    []string  `json:"photos"`
	Video     string    `json:"video,omitempty"`
	PublishAt time.Time `json:"publish_at"`
}

// HasVideo reports whether the post is published in the text-then-video form.
func (p Post) HasVideo() bool { return p.Video != "" }

// Key identifies a post inside the store.
func (p Post) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.PublishAt.UTC().Format(time.RFC3339Nano) + "\x00" + p.Text + "\x00" + strings.Join(p.Photos, "\x00") + "\x00" + p.Video
}

// Label names a post in logs and errors: the id, else the group, else the
// publish time. Unlike Key it never carries the caption.
func (p Post) Label() string {
	switch {
	case p.ID != "":
		return p.ID
	case p.Group != "":
		return p.Group
	default:
		return p.PublishAt.Format(time.RFC3339)
	}
}

// normalize makes Photos non-nil so an empty list is encoded as [] and not null.
func (p Post) normalize() Post {
	if p.Photos == nil {
		p.Photos = []string{}
	}
	return p
}

// Store is the schedule persistence API.
//
// Update is the primitive: fn receives the current posts and returns the new
// contents, all inside one critical section. Append and ReplaceAll are Update
// shorthands.
type Store interface {
	LoadAll(ctx context.Context) ([]Post, error)
	Append(ctx context.Context, p Post) error
	ReplaceAll(ctx context.Context, posts []Post) error
	Update(ctx context.Context, fn func(posts []Post) ([]Post, error)) error
	Close() error
}

// PublishTimes lists the publish times of posts.
func PublishTimes(posts []Post) []time.Time {
	out := make([]time.Time, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.PublishAt)
	}
	return out
}

// SortByPublishAt orders posts by PublishAt, keeping insertion order for ties.
func SortByPublishAt(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].PublishAt.Before(posts[j].PublishAt) })
}

// Without returns posts minus those whose Key is in keys.
func Without(posts []Post, keys map[string]struct{}) []Post {
	out := make([]Post, 0, len(posts))
	for _, p := range posts {
		if _, drop := keys[p.Key()]; drop {
			continue
		}
		out = append(out, p)
	}
	return out
}
