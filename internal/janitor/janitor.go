// Package janitor runs housekeeping on cron schedules: it removes report
// uploads that outlived their delivery and logs a periodic stats digest.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"labrelay/internal/ledger"
	"labrelay/internal/relay"
	logx "labrelay/pkg/logx"
)

const (
	DefaultSchedule = "@hourly"
	DefaultMaxAge   = 24 * time.Hour
)

type Config struct {
	UploadDir string
	Schedule  string
	// MaxAge is the age after which an upload counts as orphaned.
	MaxAge time.Duration
	// StatsSchedule enables the digest log; empty disables it.
	StatsSchedule string
	Location      *time.Location
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// StatsSource is the slice of the relay the digest reads.
type StatsSource interface {
	MessageStats() ledger.Stats
	QueueStatus() relay.QueueStatus
}

// AttachmentOwner reports uploads still referenced by queued messages.
// Sweep never removes those, however old.
type AttachmentOwner interface {
	Attachments() map[string]struct{}
}

type Option func(*Janitor)

// WithOwner sets the source of in-use uploads. New picks it up from the
// stats source when that implements AttachmentOwner.
func WithOwner(o AttachmentOwner) Option { return func(j *Janitor) { j.owner = o } }

// WithNow overrides the clock used to age uploads.
func WithNow(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

type Janitor struct {
	cfg    Config
	stats  StatsSource
	owner  AttachmentOwner
	log    logx.Logger
	now    func() time.Time
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, stats StatsSource, log logx.Logger, opts ...Option) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		cfg:    cfg.withDefaults(),
		stats:  stats,
		log:    log.With(logx.String("comp", "janitor")),
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if o, ok := stats.(AttachmentOwner); ok {
		j.owner = o
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start registers the jobs and starts the cron runner. Jobs stop when ctx
// ends or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	cl := cronLogger{log: j.log}
	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithLocation(j.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if j.cfg.UploadDir != "" {
		if _, err := c.AddFunc(j.cfg.Schedule, func() { _, _ = j.Sweep() }); err != nil {
			return fmt.Errorf("janitor schedule %q: %w", j.cfg.Schedule, err)
		}
	}
	if spec := strings.TrimSpace(j.cfg.StatsSchedule); spec != "" && j.stats != nil {
		if _, err := c.AddFunc(spec, j.Digest); err != nil {
			return fmt.Errorf("janitor stats schedule %q: %w", spec, err)
		}
	}
	if len(c.Entries()) == 0 {
		j.log.Info("janitor has no jobs")
		return nil
	}
	c.Start()
	j.c = c
	j.log.Info("janitor started",
		logx.Int("jobs", len(c.Entries())),
		logx.String("schedule", j.cfg.Schedule),
		logx.Duration("max_age", j.cfg.MaxAge),
		logx.String("tz", j.cfg.Location.String()),
	)

	go func() {
		<-ctx.Done()
		j.Stop(context.Background())
	}()
	return nil
}

// Stop waits for a running job to finish, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes regular files in the upload dir older than MaxAge.
func (j *Janitor) Sweep() (int, error) {
	dir := j.cfg.UploadDir
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		j.log.Warn("upload sweep failed", logx.String("dir", dir), logx.Err(err))
		return 0, err
	}
	inUse := j.inUse()
	cutoff := j.now().Add(-j.cfg.MaxAge)
	removed, kept := 0, 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, ok := inUse[absPath(p)]; ok {
			kept++
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 || len(errs) > 0 || kept > 0 {
		j.log.Info("orphaned uploads removed",
			logx.Int("removed", removed),
			logx.Int("kept_in_use", kept),
			logx.Int("errors", len(errs)),
		)
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) inUse() map[string]struct{} {
	if j.owner == nil {
		return nil
	}
	owned := j.owner.Attachments()
	out := make(map[string]struct{}, len(owned))
	for p := range owned {
		out[absPath(p)] = struct{}{}
	}
	return out
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}

// Digest logs a one-line summary of ledger and queue state.
func (j *Janitor) Digest() {
	if j.stats == nil {
		return
	}
	st := j.stats.MessageStats()
	q := j.stats.QueueStatus()
	j.log.Info("relay digest",
		logx.Int("total", st.Total),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Int("pending", st.Pending),
		logx.Int("queued", st.Queued),
		logx.Int("queue_len", q.Length),
		logx.Bool("processing", q.Processing),
		logx.Int("reconnect_attempts", q.ReconnectAttempts),
	)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
