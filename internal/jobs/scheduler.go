// Package jobs runs periodic storage hygiene and policy convergence on a
// cron schedule.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tenantgate.org/internal/obs"
)

const (
	JobRefreshPurge  = "refresh_purge"
	JobDevicePurge   = "device_purge"
	JobPolicyResync  = "policy_resync"
	defaultJobBudget = time.Minute
)

// RefreshPurger deletes refresh tokens past their expiry.
type RefreshPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// DevicePurger deletes inactive devices not seen within the retention window.
type DevicePurger interface {
	PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PolicyResyncer rebuilds the local policy snapshot when another node bumped the shared version.
type PolicyResyncer interface {
	ResyncIfStale(ctx context.Context) error
}

// Config selects schedules and targets. Nil targets are not registered.
type Config struct {
	CleanupSchedule string
	ResyncSchedule  string
	DeviceRetention time.Duration
	JobTimeout      time.Duration

	Refresh RefreshPurger
	Devices DevicePurger
	Policy  PolicyResyncer
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config

	mu      sync.Mutex
	running map[string]bool
}

// New validates the schedules and registers every configured job.
func New(cfg Config) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobBudget
	}
	s := &Scheduler{
		cron:    cron.New(),
		cfg:     cfg,
		running: make(map[string]bool),
	}
	if cfg.Refresh != nil || cfg.Devices != nil {
		if cfg.CleanupSchedule == "" {
			return nil, errors.New("cleanup schedule is required")
		}
		if _, err := s.cron.AddFunc(cfg.CleanupSchedule, func() { s.RunCleanup(context.Background()) }); err != nil {
			return nil, err
		}
	}
	if cfg.Policy != nil {
		if cfg.ResyncSchedule == "" {
			return nil, errors.New("policy resync schedule is required")
		}
		if _, err := s.cron.AddFunc(cfg.ResyncSchedule, func() { s.RunResync(context.Background()) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	obs.Info("jobs_started", map[string]any{"entries": s.Entries()})
	s.cron.Start()
}

// Stop waits for running jobs or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	obs.Info("jobs_stopped", nil)
}

// RunCleanup purges expired refresh tokens and stale inactive devices.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	if s.cfg.Refresh != nil {
		s.run(ctx, JobRefreshPurge, s.cfg.Refresh.PurgeExpired)
	}
	if s.cfg.Devices != nil {
		s.run(ctx, JobDevicePurge, func(ctx context.Context) (int64, error) {
			return s.cfg.Devices.PurgeInactive(ctx, s.cfg.DeviceRetention)
		})
	}
}

// RunResync converges the policy snapshot with the shared version stamp.
func (s *Scheduler) RunResync(ctx context.Context) {
	if s.cfg.Policy == nil {
		return
	}
	s.run(ctx, JobPolicyResync, func(ctx context.Context) (int64, error) {
		return 0, s.cfg.Policy.ResyncIfStale(ctx)
	})
}

// run skips a job whose previous invocation is still in flight.
func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		obs.ObserveJob(name, "skipped", 0)
		return
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	start := time.Now()
	removed, err := fn(ctx)
	fields := map[string]any{
		"job":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		obs.Warn("job_failed", fields)
		obs.ObserveJob(name, "error", 0)
		return
	}
	if removed > 0 {
		fields["removed"] = removed
	}
	obs.Info("job_complete", fields)
	obs.ObserveJob(name, "ok", removed)
}
