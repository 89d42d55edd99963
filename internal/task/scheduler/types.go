package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone       string // IANA TZ, e.g. "Asia/Shanghai"
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // normalized by ParseSchedule
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running *atomic.Bool
	last    *runResult
}

type runResult struct {
	mu       sync.Mutex
	at       time.Time
	took     time.Duration
	err      error
	runs     uint64
	skipped  uint64
	failures uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
	Runs     uint64
	Skipped  uint64
	Failures uint64
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
