// Package activity derives session liveliness from three independent
// signal sources. A session emitting only API calls would look dead to
// a terminal-only tracker, and a purely interactive session would
// never look busy to an API-only one, so all three stamp separately.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

// Status is the derived activity state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusInactive Status = "inactive"
)

// Record holds the three per-session activity timestamps.
type Record struct {
	LastPtyActivity time.Time
	LastAPIActivity time.Time
	LastHeartbeat   time.Time
}

func (r Record) newest() time.Time {
	newest := r.LastPtyActivity
	if r.LastAPIActivity.After(newest) {
		newest = r.LastAPIActivity
	}
	if r.LastHeartbeat.After(newest) {
		newest = r.LastHeartbeat
	}
	return newest
}

// Tracker stamps activity timestamps and derives statuses. It never
// mutates session entities; consumers poll Status.
type Tracker struct {
	cfg    config.ActivityConfig
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewTracker creates an activity tracker with the configured TTLs.
func NewTracker(cfg config.ActivityConfig, log *logger.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "activity_tracker")),
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// RecordPtyActivity stamps byte arrival on the session's PTY.
func (t *Tracker) RecordPtyActivity(name string) {
	t.stamp(name, func(r *Record, ts time.Time) { r.LastPtyActivity = ts })
}

// RecordAPIActivity stamps an observed API call by the session.
func (t *Tracker) RecordAPIActivity(name string) {
	t.stamp(name, func(r *Record, ts time.Time) { r.LastAPIActivity = ts })
}

// RecordHeartbeat stamps an explicit heartbeat from the session.
func (t *Tracker) RecordHeartbeat(name string) {
	t.stamp(name, func(r *Record, ts time.Time) { r.LastHeartbeat = ts })
}

func (t *Tracker) stamp(name string, set func(*Record, time.Time)) {
	ts := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[name]
	set(&r, ts)
	t.records[name] = r
}

// Status derives the session's activity state from its newest
// timestamp. Unknown sessions are Inactive.
func (t *Tracker) Status(name string) Status {
	t.mu.Lock()
	r, ok := t.records[name]
	t.mu.Unlock()
	if !ok {
		return StatusInactive
	}

	age := t.now().Sub(r.newest())
	switch {
	case age <= t.cfg.ActiveTTL():
		return StatusActive
	case age <= t.cfg.IdleTTL():
		return StatusIdle
	default:
		return StatusInactive
	}
}

// Snapshot returns a copy of the session's activity record.
func (t *Tracker) Snapshot(name string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[name]
	return r, ok
}

// Remove drops the session's record, typically on session teardown.
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, name)
}
