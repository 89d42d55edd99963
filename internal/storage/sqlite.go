package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS posts (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT,
	grp        TEXT,
	text       TEXT NOT NULL,
	photos     TEXT NOT NULL,
	video      TEXT,
	publish_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_publish_at ON posts(publish_at);
`

// sqliteStore keeps posts in a table. Row order (seq) preserves append order.
type sqliteStore struct {
	db   *sql.DB
	path string
	log  logx.Logger

	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, path: path, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query(ctx, s.db)
}

func (s *sqliteStore) Append(ctx context.Context, p Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(ctx, s.db, p)
}

func (s *sqliteStore) ReplaceAll(ctx context.Context, posts []Post) error {
	return s.Update(ctx, func([]Post) ([]Post, error) { return posts, nil })
}

func (s *sqliteStore) Update(ctx context.Context, fn func(posts []Post) ([]Post, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.query(ctx, tx)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return err
	}
	for _, p := range next {
		if err := s.insert(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type sqlExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) query(ctx context.Context, q sqlExecQuerier) ([]Post, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq, id, grp, text, photos, video, publish_at FROM posts ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Post{}
	for rows.Next() {
		var (
			seq                     int64
			id, grp, video          sql.NullString
			text, photos, publishAt string
		)
		if err := rows.Scan(&seq, &id, &grp, &text, &photos, &video, &publishAt); err != nil {
			return nil, err
		}
		p := Post{ID: id.String, Group: grp.String, Text: text, Video: video.String}
		if err := json.Unmarshal([]byte(photos), &p.Photos); err != nil {
			return nil, &CorruptError{Path: fmt.Sprintf("%s#%d", s.path, seq), Err: err}
		}
		at, err := time.Parse(time.RFC3339Nano, publishAt)
		if err != nil {
			return nil, &CorruptError{Path: fmt.Sprintf("%s#%d", s.path, seq), Err: err}
		}
		p.PublishAt = at
		out = append(out, p.normalize())
	}
	return out, rows.Err()
}

func (s *sqliteStore) insert(ctx context.Context, q sqlExecQuerier, p Post) error {
	p = p.normalize()
	photos, err := json.Marshal(p.Photos)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO posts(id, grp, text, photos, video, publish_at) VALUES(?,?,?,?,?,?)`,
		nullStr(p.ID), nullStr(p.Group), p.Text, string(photos), nullStr(p.Video), p.PublishAt.Format(time.RFC3339Nano),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
