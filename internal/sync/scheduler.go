package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// ScheduleEntry describes the schedule of one marketplace
type ScheduleEntry struct {
	Marketplace marketplace.Marketplace `json:"marketplace"`
	Interval    time.Duration           `json:"interval_ns"`
	Mode        PassMode                `json:"mode"`
	NextRun     time.Time               `json:"next_run"`
}

// Scheduler runs periodic passes per marketplace. Marketplaces in fallback
// mode run at interval * fallback.interval_factor.
type Scheduler struct {
	mu      sync.Mutex
	engine  *SyncEngine
	cron    *cron.Cron
	entries map[marketplace.Marketplace]cron.EntryID
	modes   map[marketplace.Marketplace]PassMode
	ctx     context.Context
	logger  *zap.Logger
}

// NewScheduler creates a scheduler for an engine
func NewScheduler(engine *SyncEngine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:  engine,
		entries: make(map[marketplace.Marketplace]cron.EntryID),
		modes:   make(map[marketplace.Marketplace]PassMode),
		logger:  logger.With(zap.String("component", "scheduler")),
	}
}

// Start registers every enabled marketplace and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already running")
	}

	s.logger.Info("Initializing sync scheduler...")
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.ctx = context.WithoutCancel(ctx)

	targets, err := s.engine.targets(nil)
	if err != nil {
		return err
	}
	for _, mp := range targets {
		if err := s.register(mp); err != nil {
			s.cron = nil
			return err
		}
	}

	s.engine.connectivity.OnSwitch(func(sw ModeSwitch) {
		if err := s.Reschedule(sw.Marketplace); err != nil {
			s.logger.Error("failed to reschedule", zap.String("marketplace", string(sw.Marketplace)), zap.Error(err))
		}
	})

	s.cron.Start()
	s.logger.Info("✅ Sync scheduler started", zap.Int("marketplaces", len(s.entries)))
	return nil
}

// Stop stops the cron runner and waits for running passes to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = make(map[marketplace.Marketplace]cron.EntryID)
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.logger.Info("Stopping sync scheduler...")
	<-c.Stop().Done()
}

// Reschedule re-registers a marketplace with the interval of its current mode
func (s *Scheduler) Reschedule(mp marketplace.Marketplace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	if id, ok := s.entries[mp]; ok {
		s.cron.Remove(id)
		delete(s.entries, mp)
	}
	return s.register(mp)
}

// register must be called with the lock held
func (s *Scheduler) register(mp marketplace.Marketplace) error {
	interval, mode := s.intervalFor(mp)
	spec := fmt.Sprintf("@every %s", interval)

	id, err := s.cron.AddFunc(spec, func() { s.tick(mp) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", mp, err)
	}
	s.entries[mp] = id
	s.modes[mp] = mode
	s.logger.Debug("marketplace scheduled",
		zap.String("marketplace", string(mp)),
		zap.Duration("interval", interval),
		zap.String("mode", string(mode)))
	return nil
}

func (s *Scheduler) intervalFor(mp marketplace.Marketplace) (time.Duration, PassMode) {
	interval := s.engine.config.IntervalFor(string(mp))
	if s.engine.connectivity.InFallback(mp) {
		factor := s.engine.config.Fallback.IntervalFactor
		if factor < 1 {
			factor = 1
		}
		return interval * time.Duration(factor), ModeFallback
	}
	return interval, ModeNormal
}

// tick runs one scheduled pass
func (s *Scheduler) tick(mp marketplace.Marketplace) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	handles, err := s.engine.ensureSessions(ctx, []marketplace.Marketplace{mp})
	if err != nil {
		s.logger.Error("scheduled sync could not open a session", zap.String("marketplace", string(mp)), zap.Error(err))
		return
	}
	h := handles[mp]
	if _, err := s.engine.RunSync(s.engine.baseCtx, mp, h.SessionID); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			s.logger.Debug("⏳ pass already running, tick skipped", zap.String("marketplace", string(mp)))
			return
		}
		s.logger.Error("scheduled sync failed", zap.String("marketplace", string(mp)), zap.Error(err))
	}
}

// Entries returns the current schedules in priority order
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleEntry, 0, len(s.entries))
	if s.cron == nil {
		return out
	}
	for _, mp := range marketplace.All() {
		id, ok := s.entries[mp]
		if !ok {
			continue
		}
		interval, _ := s.intervalFor(mp)
		out = append(out, ScheduleEntry{
			Marketplace: mp,
			Interval:    interval,
			Mode:        s.modes[mp],
			NextRun:     s.cron.Entry(id).Next,
		})
	}
	return out
}

// cronLogger routes cron's own logging to zap
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
