package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"fabricgate.org/internal/obs"
)

// DefaultPollInterval is how often the scheduler looks for due configs.
const DefaultPollInterval = time.Minute

// Scheduler runs enabled configs on their interval and on demand.
type Scheduler struct {
	engine *Engine
	poll   time.Duration

	mu      sync.Mutex
	base    context.Context
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(engine *Engine, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Scheduler{engine: engine, poll: poll, base: context.Background()}
}

// Run polls until ctx is cancelled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	configs, err := s.engine.configs.ListDirectoryConfigs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			obs.Logger().Warn().Err(err).Msg("directory scheduler: list configs failed")
		}
		return
	}
	now := s.engine.now()
	for _, cfg := range configs {
		if Due(cfg, now) {
			s.Trigger(cfg.ID)
		}
	}
}

// Due reports whether cfg should sync at now.
func Due(cfg Config, now time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	cfg.ApplyDefaults()
	if cfg.LastSyncAt == nil {
		return true
	}
	return now.Sub(*cfg.LastSyncAt) >= cfg.SyncInterval()
}

// Trigger starts a sync for configID in the background. It returns false when a
// run for that config is already in flight or the scheduler is shutting down,
// in which case nothing is started.
func (s *Scheduler) Trigger(configID string) bool {
	if s.engine.Running(configID) {
		return false
	}
	s.mu.Lock()
	if s.stopped || s.base.Err() != nil {
		s.mu.Unlock()
		return false
	}
	ctx := s.base
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.engine.Sync(ctx, configID)
		switch {
		case errors.Is(err, ErrSyncInProgress), res.AlreadyRunning:
			obs.Logger().Debug().Str("config_id", configID).Msg("directory sync already running")
		case err != nil:
			obs.Logger().Warn().Err(err).Str("config_id", configID).Msg("scheduled directory sync failed")
		}
	}()
	return true
}

// Wait blocks until background runs started by Trigger finish.
func (s *Scheduler) Wait() { s.wg.Wait() }
