// Package periodic implements cron-scheduled job enqueue. spec.md's
// distillation dropped this feature, but it is visible in the
// original Rust implementation's producer-demo (a commented-out
// periodic::builder(...).register(...) call) and is not excluded by
// any Non-goal, so it is supplemented here (SPEC_FULL.md §9), grounded
// on the teacher's internal/scheduler package: cron parsing via
// robfig/cron/v3, a registry of named schedules, a Redis-backed
// distributed lock so only one processor instance enqueues a given
// schedule per tick, and HSET-backed run-state tracking.
package periodic

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/logger"
)

var scheduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Schedule is one cron-driven enqueue rule.
type Schedule struct {
	ID       string
	Cron     string
	Class    string
	Queue    string
	Args     []json.RawMessage
	Timezone string
	Enabled  bool
}

// State is a schedule's run-state, persisted in Redis so multiple
// processor instances agree on the last/next run without racing.
type State struct {
	LastRun  time.Time
	NextRun  time.Time
	RunCount int64
	LastErr  string
}

// Registry stores named schedules and computes their next run time.
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	parser    cron.Parser
}

// NewRegistry returns an empty Registry using the standard 5-field
// cron format.
func NewRegistry() *Registry {
	return &Registry{
		schedules: make(map[string]*Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register validates and adds a schedule. Duplicate IDs are rejected.
func (r *Registry) Register(s *Schedule) error {
	if err := r.validate(s); err != nil {
		return fmt.Errorf("periodic: invalid schedule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("periodic: schedule %q already registered", s.ID)
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	r.schedules[s.ID] = s
	return nil
}

// List returns every registered schedule.
func (r *Registry) List() []*Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered schedules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedules)
}

// NextRun computes s's next fire time strictly after "after", in s's
// configured timezone.
func (r *Registry) NextRun(s *Schedule, after time.Time) (time.Time, error) {
	parsed, err := r.parser.Parse(s.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("periodic: parse cron %q: %w", s.Cron, err)
	}

	loc := time.UTC
	if s.Timezone != "" && s.Timezone != "UTC" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("periodic: invalid timezone %q: %w", s.Timezone, err)
		}
	}

	return parsed.Next(after.In(loc)), nil
}

func (r *Registry) validate(s *Schedule) error {
	if s.ID == "" || !scheduleIDPattern.MatchString(s.ID) {
		return fmt.Errorf("schedule ID must be non-empty and alphanumeric/underscore/hyphen")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := r.parser.Parse(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	if s.Class == "" {
		return fmt.Errorf("class cannot be empty")
	}
	if s.Queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}
	if s.Timezone != "" && s.Timezone != "UTC" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// Runner ticks a Registry, enqueueing due schedules through a Broker.
// Only one Runner instance (across a fleet sharing the same broker)
// actually enqueues a given schedule on a given tick: the rest lose
// the distributed lock race and skip it.
type Runner struct {
	registry *Registry
	b        *broker.Broker
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger

	mu sync.Mutex
}

// NewRunner builds a Runner polling registry every interval.
func NewRunner(registry *Registry, b *broker.Broker, interval time.Duration) *Runner {
	return &Runner{
		registry: registry,
		b:        b,
		interval: interval,
		lockTTL:  30 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentPeriodic),
	}
}

// SetLockTTL overrides the default distributed-lock TTL (tests, or
// deployments with slow enqueue paths).
func (r *Runner) SetLockTTL(ttl time.Duration) {
	r.lockTTL = ttl
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("periodic runner starting", "interval", r.interval, "schedules", r.registry.Count())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("periodic runner stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick checks every registered schedule and enqueues those due.
// Exported so tests can step the runner deterministically instead of
// waiting on a ticker.
func (r *Runner) Tick(ctx context.Context) {
	now := time.Now()
	for _, s := range r.registry.List() {
		if !s.Enabled {
			continue
		}
		if r.isDue(ctx, s, now) {
			r.fire(ctx, s, now)
		}
	}
}

func (r *Runner) isDue(ctx context.Context, s *Schedule, now time.Time) bool {
	st, err := r.readState(ctx, s.ID)
	if err != nil {
		r.log.Error("failed to read schedule state", "schedule_id", s.ID, "error", err)
		return false
	}

	next, err := r.registry.NextRun(s, st.LastRun)
	if err != nil {
		r.log.Error("failed to compute next run", "schedule_id", s.ID, "error", err)
		return false
	}
	return !now.Before(next)
}

func (r *Runner) fire(ctx context.Context, s *Schedule, now time.Time) {
	lock, err := r.b.AcquireLock(ctx, "periodic:"+s.ID, r.lockTTL)
	if err != nil {
		r.log.Error("failed to acquire schedule lock", "schedule_id", s.ID, "error", err)
		return
	}
	if lock == nil {
		r.log.Debug("schedule already locked by another instance", "schedule_id", s.ID)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			r.log.Error("failed to release schedule lock", "schedule_id", s.ID, "error", err)
		}
	}()

	j := job.New(s.Class, s.Queue, s.Args)
	if err := r.b.Enqueue(ctx, j); err != nil {
		r.log.Error("failed to enqueue scheduled job", "schedule_id", s.ID, "class", s.Class, "error", err)
		r.recordState(ctx, s.ID, now, err)
		return
	}

	r.log.Info("scheduled job enqueued", "schedule_id", s.ID, "class", s.Class, "jid", j.JID)
	r.recordState(ctx, s.ID, now, nil)
}

// readState loads a schedule's run-state from its Redis hash, shared
// across every processor instance so NextRun is computed from the
// last successful fire regardless of which instance won the lock
// (grounded on the teacher's CronScheduler.getState).
func (r *Runner) readState(ctx context.Context, id string) (State, error) {
	fields, err := r.b.HGetAll(ctx, r.b.StateKey("periodic_state", id))
	if err != nil {
		return State{}, err
	}
	if len(fields) == 0 {
		return State{}, nil
	}

	var st State
	if v, ok := fields["last_run"]; ok && v != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.LastRun = parsed
		}
	}
	if v, ok := fields["run_count"]; ok {
		fmt.Sscanf(v, "%d", &st.RunCount)
	}
	if v, ok := fields["last_error"]; ok {
		st.LastErr = v
	}
	return st, nil
}

func (r *Runner) recordState(ctx context.Context, id string, now time.Time, fireErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.readState(ctx, id)
	if err != nil {
		r.log.Error("failed to read prior schedule state", "schedule_id", id, "error", err)
	}

	fields := map[string]interface{}{
		"last_run":  now.Format(time.RFC3339Nano),
		"run_count": prev.RunCount + 1,
	}
	if fireErr != nil {
		fields["last_error"] = fireErr.Error()
	} else {
		fields["last_error"] = ""
	}

	if err := r.b.HSet(ctx, r.b.StateKey("periodic_state", id), fields); err != nil {
		r.log.Error("failed to persist schedule state", "schedule_id", id, "error", err)
	}
}

// StateOf returns the persisted run-state for schedule id, for tests
// and monitoring.
func (r *Runner) StateOf(ctx context.Context, id string) (State, error) {
	return r.readState(ctx, id)
}
