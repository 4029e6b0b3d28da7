package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/metrics"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// Config holds scheduler tunables
type Config struct {
	// MaxConcurrentRuns caps scheduled backups running at the same time.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// SetDefaults fills unset values
func (c *Config) SetDefaults() {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 4
	}
}

// Scheduler owns the schedule state machine and the run loop.
type Scheduler struct {
	store  Store
	runner Runner
	events events.Publisher
	logger *logging.Logger
	clock  clockwork.Clock
	config Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	queue   *schedulerQueue
	running map[string]bool
	wake    chan struct{}
}

// New creates a Scheduler. publisher, logger and clock may be nil.
func New(config Config, store Store, runner Runner, publisher events.Publisher, logger *logging.Logger, clock clockwork.Clock) *Scheduler {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		events:  publisher,
		logger:  logger,
		clock:   clock,
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrentRuns)),
		queue:   newSchedulerQueue(),
		running: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Create validates and persists a new schedule and queues it when enabled.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*Schedule, error) {
	cadence, err := req.Validate()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	sched := &Schedule{
		ID:             newScheduleID(),
		Name:           req.Name,
		Cadence:        cadence.String(),
		SourceName:     req.SourceName,
		Scope:          req.Scope,
		Destination:    req.Destination,
		Compress:       req.Compress,
		Encrypt:        req.Encrypt,
		Restricted:     req.Restricted,
		Classification: req.Classification,
		RetentionDays:  req.RetentionDays,
		Recipients:     req.Recipients,
		Enabled:        !req.Disabled,
		NextRunAt:      cadence.Next(now),
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"schedule_id": sched.ID,
		"name":        sched.Name,
		"cadence":     sched.Cadence,
		"next_run_at": sched.NextRunAt,
	}).Info("Schedule created")

	if sched.Enabled {
		s.enqueue(sched.ID, sched.NextRunAt)
	}
	return sched, nil
}

// Get returns a schedule by id
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns every schedule
func (s *Scheduler) List(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Enable resumes a schedule. Its next run is computed from now.
func (s *Scheduler) Enable(ctx context.Context, id string) (*Schedule, error) {
	sched, cadence, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	next := sched.NextRunAt
	if !sched.Enabled || next.Before(now) {
		next = cadence.Next(now)
	}

	sched, err = s.store.SetScheduleState(ctx, id, true, next, now)
	if err != nil {
		return nil, err
	}
	s.enqueue(sched.ID, sched.NextRunAt)
	return sched, nil
}

// Disable halts future runs. A run already in flight finishes.
func (s *Scheduler) Disable(ctx context.Context, id string) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err = s.store.SetScheduleState(ctx, id, false, sched.NextRunAt, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queue.remove(id)
	metrics.SchedulesQueued.Set(float64(s.queue.len()))
	s.mu.Unlock()
	return sched, nil
}

// TriggerNow runs a schedule immediately and waits for the result. Disabled
// schedules can be triggered; a schedule already running in this scheduler is
// rejected. A run in another process is rejected by the store when the backup
// is created.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (*RunResult, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return nil, backup.NewConcurrencyConflict("schedule is already running", nil).WithContext("schedule_id", id)
	}
	s.running[id] = true
	s.queue.remove(id)
	s.mu.Unlock()

	result, err := s.execute(ctx, id, true)
	s.finish(ctx, id)
	return result, err
}

// Load rebuilds the run queue from the persisted enabled schedules. Schedules
// whose next run is in the past become due immediately.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	loaded := 0
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		next := sched.NextRunAt
		if next.IsZero() {
			cadence, err := ParseCadence(sched.Cadence)
			if err != nil {
				s.logger.WithFields(map[string]interface{}{
					"schedule_id": sched.ID,
					"error":       err.Error(),
				}).Warn("Skipping schedule with invalid cadence")
				continue
			}
			next = cadence.Next(now)
		}
		if next.Before(now) {
			s.logger.WithFields(map[string]interface{}{
				"schedule_id": sched.ID,
				"missed_at":   next,
			}).Info("Schedule missed its run, catching up")
		}
		s.enqueue(sched.ID, next)
		loaded++
	}
	return loaded, nil
}

// Run loads the persisted schedules and dispatches due runs until ctx is done.
// In-flight runs are canceled with ctx and awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	loaded, err := s.Load(ctx)
	if err != nil {
		return err
	}
	s.logger.WithField("schedules", loaded).Info("Scheduler started")

	// The queue was just rebuilt; wake-ups sent while loading are stale.
	select {
	case <-s.wake:
	default:
	}

	for {
		s.dispatchDue(ctx)

		var timer <-chan time.Time
		if wait, ok := s.untilNext(); ok {
			timer = s.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-timer:
		case <-s.wake:
		}
	}
}

// RunDue starts every run that is due now and waits for all runs to finish.
func (s *Scheduler) RunDue(ctx context.Context) int {
	n := s.dispatchDue(ctx)
	s.wg.Wait()
	return n
}

func (s *Scheduler) dispatchDue(ctx context.Context) int {
	s.mu.Lock()
	due := s.queue.popDue(s.clock.Now().UTC())
	started := 0
	for _, item := range due {
		if s.running[item.id] {
			continue
		}
		s.running[item.id] = true
		started++

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer s.finish(ctx, id)

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			_, _ = s.execute(ctx, id, false)
		}(item.id)
	}
	metrics.SchedulesQueued.Set(float64(s.queue.len()))
	s.mu.Unlock()
	return started
}

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue.peek()
	if !ok {
		return 0, false
	}
	wait := item.next.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// execute runs one backup for the schedule, updates its counters and next run,
// then enforces retention whatever the outcome of the backup.
func (s *Scheduler) execute(ctx context.Context, id string, manual bool) (*RunResult, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sched.Enabled && !manual {
		return nil, nil
	}

	done := s.logger.LogOperationStart("scheduled_backup", map[string]interface{}{
		"schedule_id": sched.ID,
		"source":      sched.SourceName,
		"manual":      manual,
	})

	result := &RunResult{ScheduleID: id}
	result.Backup, result.Err = s.runner.CreateBackup(ctx, sched.Request())
	done(result.Err)

	sched, err = s.recordRun(context.WithoutCancel(ctx), sched, result)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"schedule_id": id,
			"error":       err.Error(),
		}).Error("Failed to record scheduled run")
		return result, err
	}

	result.Expired, result.RetentionErr = s.runner.ExpireBackups(ctx, sched.ID, sched.RetentionDays)
	if result.RetentionErr != nil {
		s.logger.WithFields(map[string]interface{}{
			"schedule_id": sched.ID,
			"error":       result.RetentionErr.Error(),
		}).Warn("Retention enforcement incomplete")
	}

	s.publishRun(sched, result)
	return result, result.Err
}

func (s *Scheduler) publishRun(sched *Schedule, result *RunResult) {
	event := events.Event{
		Recipients: sched.Recipients,
		Data: map[string]interface{}{
			"schedule_id":     sched.ID,
			"schedule":        sched.Name,
			"source":          sched.SourceName,
			"total_runs":      sched.TotalRuns,
			"failed_runs":     sched.FailedRuns,
			"next_run_at":     sched.NextRunAt,
			"expired_backups": len(result.Expired),
		},
	}
	if result.Backup != nil {
		event.Data["backup_id"] = result.Backup.ID
	}

	if result.Err != nil {
		metrics.ScheduledRuns.WithLabelValues("failure").Inc()
		event.Type = events.ScheduleRunFailed
		event.Severity = events.SeverityWarning
		event.Subject = fmt.Sprintf("Scheduled backup %s failed", sched.Name)
		event.Message = result.Err.Error()
	} else {
		metrics.ScheduledRuns.WithLabelValues("success").Inc()
		event.Type = events.ScheduleRunSucceeded
		event.Subject = fmt.Sprintf("Scheduled backup %s completed", sched.Name)
		event.Message = fmt.Sprintf("Backup %s of %s completed", result.Backup.ID, sched.SourceName)
	}

	if s.events != nil {
		s.events.Publish(event)
	}
}

// finish clears the running flag and requeues the schedule if it is still enabled.
func (s *Scheduler) finish(ctx context.Context, id string) {
	sched, err := s.store.GetSchedule(context.WithoutCancel(ctx), id)

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if err == nil && sched.Enabled && ctx.Err() == nil {
		s.enqueue(id, sched.NextRunAt)
	}
}

func (s *Scheduler) enqueue(id string, next time.Time) {
	s.mu.Lock()
	if !s.running[id] {
		s.queue.upsert(id, next)
	}
	metrics.SchedulesQueued.Set(float64(s.queue.len()))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// recordRun adds the run to the schedule's counters and moves its next run.
func (s *Scheduler) recordRun(ctx context.Context, sched *Schedule, result *RunResult) (*Schedule, error) {
	cadence, err := ParseCadence(sched.Cadence)
	if err != nil {
		return nil, backup.NewConfigurationError("stored schedule has an invalid cadence", err).
			WithContext("schedule_id", sched.ID)
	}

	now := s.clock.Now().UTC()
	run := RunRecord{At: now, NextRunAt: cadence.Next(now)}
	if result.Backup != nil {
		run.BackupID = result.Backup.ID
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	return s.store.RecordScheduleRun(ctx, sched.ID, run)
}

// load returns the stored schedule with its parsed cadence.
func (s *Scheduler) load(ctx context.Context, id string) (*Schedule, *Cadence, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	cadence, err := ParseCadence(sched.Cadence)
	if err != nil {
		return nil, nil, backup.NewConfigurationError("stored schedule has an invalid cadence", err).
			WithContext("schedule_id", id)
	}
	return sched, cadence, nil
}
