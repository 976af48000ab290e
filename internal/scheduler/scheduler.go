// Package scheduler delivers check-in messages to sessions at
// wall-clock deadlines. The pending set survives restarts through an
// atomically rewritten state file; past-due checks are re-armed with a
// minimum lead so a long outage never produces a fire storm.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

var (
	// ErrCheckNotFound indicates an unknown check id.
	ErrCheckNotFound = errors.New("check not found")
	// ErrInvalidInterval indicates a recurring cadence below one minute.
	ErrInvalidInterval = errors.New("recurring interval must be at least one minute")
)

// Deliverer sends a fired check's message to its target session.
// The command helper satisfies this.
type Deliverer interface {
	SendMessage(name, text string) error
}

// Scheduler owns the scheduled checks and their single timer loop.
type Scheduler struct {
	cfg       config.SchedulerConfig
	deliverer Deliverer
	bus       bus.EventBus
	logger    *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	checks map[string]*Check

	wakeCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler and loads persisted state from the
// configured path, applying the re-arm policy to past-due checks.
func NewScheduler(cfg config.SchedulerConfig, deliverer Deliverer, eventBus bus.EventBus, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cfg:       cfg,
		deliverer: deliverer,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		now:       time.Now,
		checks:    make(map[string]*Check),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	state, err := readStateFile(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	s.rearm(state.Checks)

	return s, nil
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", zap.String("state_path", s.cfg.StatePath))
}

// Stop halts the timer loop. Pending checks stay persisted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// ScheduleOnce arms a one-shot check minutes from now.
func (s *Scheduler) ScheduleOnce(target string, minutes int, message string) (string, error) {
	return s.scheduleAt(target, s.now().Add(time.Duration(minutes)*time.Minute), message, false, 0)
}

// ScheduleRecurring arms a recurring check with the given cadence.
// A zero cadence would make every fire immediately past-due again, so
// anything below one minute is rejected.
func (s *Scheduler) ScheduleRecurring(target string, intervalMinutes int, message string) (string, error) {
	if intervalMinutes < 1 {
		return "", ErrInvalidInterval
	}
	interval := time.Duration(intervalMinutes) * time.Minute
	return s.scheduleAt(target, s.now().Add(interval), message, true, interval)
}

func (s *Scheduler) scheduleAt(target string, fireAt time.Time, message string, recurring bool, interval time.Duration) (string, error) {
	// The persisted cadence has second granularity; a sub-second
	// recurring interval rounds up rather than truncating to zero.
	intervalSec := int(interval / time.Second)
	if recurring && interval > 0 && intervalSec < 1 {
		intervalSec = 1
	}

	check := &Check{
		ID:          uuid.New().String(),
		Target:      target,
		FireAt:      fireAt.UTC(),
		Message:     message,
		Recurring:   recurring,
		IntervalSec: intervalSec,
		Status:      CheckPending,
	}

	s.mu.Lock()
	s.checks[check.ID] = check
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	s.wake()
	s.logger.Info("check scheduled",
		zap.String("check_id", check.ID),
		zap.String("target", target),
		zap.Time("fire_at", check.FireAt),
		zap.Bool("recurring", recurring),
	)
	return check.ID, nil
}

// Cancel marks the check cancelled. It is idempotent: the first call
// for a live check returns true, later calls return false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	check, ok := s.checks[id]
	if !ok || check.Status != CheckPending {
		s.mu.Unlock()
		return false
	}
	check.Status = CheckCancelled
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to persist cancellation", zap.String("check_id", id), zap.Error(err))
	}
	s.wake()
	return true
}

// CancelAllForTarget cancels every pending check aimed at target and
// returns how many were cancelled.
func (s *Scheduler) CancelAllForTarget(target string) int {
	s.mu.Lock()
	n := 0
	for _, check := range s.checks {
		if check.Target == target && check.Status == CheckPending {
			check.Status = CheckCancelled
			n++
		}
	}
	var err error
	if n > 0 {
		err = s.persistLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to persist bulk cancellation", zap.String("target", target), zap.Error(err))
	}
	if n > 0 {
		s.wake()
	}
	return n
}

// ListAll returns copies of every known check, newest deadline last.
func (s *Scheduler) ListAll() []Check {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Check, 0, len(s.checks))
	for _, check := range s.checks {
		out = append(out, *check)
	}
	sortChecks(out)
	return out
}

// ListFor returns copies of the checks aimed at target.
func (s *Scheduler) ListFor(target string) []Check {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Check, 0)
	for _, check := range s.checks {
		if check.Target == target {
			out = append(out, *check)
		}
	}
	sortChecks(out)
	return out
}

// rearm installs persisted checks: Fired and Cancelled entries drop,
// Pending entries whose deadline passed while the process was down are
// clipped into the future per the missed-fire policy.
func (s *Scheduler) rearm(persisted []Check) {
	now := s.now()
	lead := s.cfg.MinFireLead()
	earliest := now.Add(lead)

	for i := range persisted {
		check := persisted[i]
		if check.Status != CheckPending {
			continue
		}
		if check.Recurring && check.IntervalSec <= 0 {
			// A corrupt or hand-edited state file; re-arming it would
			// loop forever on a zero cadence.
			s.logger.Warn("dropping recurring check with invalid interval",
				zap.String("check_id", check.ID),
				zap.Int("interval_sec", check.IntervalSec),
			)
			continue
		}

		if !check.FireAt.After(now) {
			switch {
			case check.Recurring && s.cfg.Policy() == config.MissedFireSkip:
				// Skip to the next cadence point with enough lead.
				next := check.FireAt
				for !next.After(earliest) {
					next = next.Add(check.interval())
				}
				check.FireAt = next
			default:
				// One-shot, or recurring with the immediate policy:
				// fire once soon, cadence resumes from there.
				check.FireAt = earliest
			}
			s.logger.Info("re-armed past-due check",
				zap.String("check_id", check.ID),
				zap.Time("fire_at", check.FireAt),
			)
		}

		c := check
		s.checks[c.ID] = &c
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		next := s.nearestPending()

		var timerC <-chan time.Time
		var timer *time.Timer
		if next != nil {
			d := time.Until(next.FireAt)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.fire(next.ID)
		}
	}
}

// nearestPending picks the pending check with the earliest deadline,
// ties broken by id.
func (s *Scheduler) nearestPending() *Check {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Check
	for _, check := range s.checks {
		if check.Status != CheckPending {
			continue
		}
		if best == nil ||
			check.FireAt.Before(best.FireAt) ||
			(check.FireAt.Equal(best.FireAt) && check.ID < best.ID) {
			best = check
		}
	}
	if best == nil {
		return nil
	}
	c := *best
	return &c
}

// fire delivers one check. A cancellation that raced the timer may
// still deliver once; receivers tolerate that.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	check, ok := s.checks[id]
	if !ok || check.Status != CheckPending || check.FireAt.After(s.now()) {
		s.mu.Unlock()
		return
	}
	c := *check
	s.mu.Unlock()

	deliverErr := s.deliverer.SendMessage(c.Target, c.Message)

	s.mu.Lock()
	check, ok = s.checks[id]
	if ok {
		switch {
		case check.Recurring && check.interval() <= 0:
			// Cannot advance a zero cadence; stop instead of
			// busy-firing.
			check.Status = CheckCancelled
		case check.Recurring:
			// Cadence continues whether or not this delivery landed.
			check.FireAt = check.FireAt.Add(check.interval())
		case deliverErr != nil:
			check.Status = CheckCancelled
		default:
			check.Status = CheckFired
		}
	}
	persistErr := s.persistLocked()
	s.mu.Unlock()

	if deliverErr != nil {
		s.logger.Warn("check delivery failed",
			zap.String("check_id", id),
			zap.String("target", c.Target),
			zap.Error(deliverErr),
		)
	} else {
		s.logger.Info("check fired",
			zap.String("check_id", id),
			zap.String("target", c.Target),
		)
		s.publishFired(c)
	}
	if persistErr != nil {
		s.logger.Warn("failed to persist fired check", zap.Error(persistErr))
	}
}

func (s *Scheduler) publishFired(c Check) {
	event := bus.NewEvent("check_fired", "scheduler", map[string]interface{}{
		"check_id":  c.ID,
		"target":    c.Target,
		"message":   c.Message,
		"recurring": c.Recurring,
	})
	if err := s.bus.Publish(context.Background(), events.CheckFired, event); err != nil {
		s.logger.Warn("failed to publish check fired event", zap.Error(err))
	}
}

// persistLocked rewrites the whole state file. Caller holds s.mu.
func (s *Scheduler) persistLocked() error {
	state := stateFile{Version: stateVersion}
	for _, check := range s.checks {
		state.Checks = append(state.Checks, *check)
	}
	sortChecks(state.Checks)
	return writeStateFile(s.cfg.StatePath, state)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func sortChecks(checks []Check) {
	sort.Slice(checks, func(i, j int) bool {
		if checks[i].FireAt.Equal(checks[j].FireAt) {
			return checks[i].ID < checks[j].ID
		}
		return checks[i].FireAt.Before(checks[j].FireAt)
	})
}
