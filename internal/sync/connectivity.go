package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// ConnectivityStatus tracks the health of one marketplace API
type ConnectivityStatus struct {
	Marketplace     marketplace.Marketplace `json:"marketplace"`
	IsOnline        bool                    `json:"is_online"`
	Mode            PassMode                `json:"mode"`
	LastCheck       time.Time               `json:"last_check"`
	LastSuccess     *time.Time              `json:"last_success,omitempty"`
	LastFailure     *time.Time              `json:"last_failure,omitempty"`
	LastError       string                  `json:"last_error,omitempty"`
	SuccessCount    int                     `json:"success_count"`
	FailureCount    int                     `json:"failure_count"` // consecutive
	FallbackRetries int                     `json:"fallback_retries"`
	AvgLatency      time.Duration           `json:"avg_latency_ns"`
	latencySum      time.Duration
	latencyCount    int
}

// ModeSwitch records a transition between normal and fallback mode
type ModeSwitch struct {
	Marketplace marketplace.Marketplace `json:"marketplace"`
	From        PassMode                `json:"from"`
	To          PassMode                `json:"to"`
	Reason      string                  `json:"reason"`
	Timestamp   time.Time               `json:"timestamp"`
}

// ConnectivityTracker keeps per-marketplace online/fallback state
type ConnectivityTracker struct {
	mu       sync.RWMutex
	statuses map[marketplace.Marketplace]*ConnectivityStatus
	history  []ModeSwitch
	onSwitch []func(ModeSwitch)

	healthCheckInterval time.Duration
	running             bool
	stop                chan struct{}

	logger *zap.Logger
	now    func() time.Time
}

// NewConnectivityTracker creates a tracker. Unknown marketplaces start online.
func NewConnectivityTracker(healthCheckInterval time.Duration, logger *zap.Logger) *ConnectivityTracker {
	if healthCheckInterval <= 0 {
		healthCheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectivityTracker{
		statuses:            make(map[marketplace.Marketplace]*ConnectivityStatus),
		healthCheckInterval: healthCheckInterval,
		logger:              logger.With(zap.String("component", "connectivity")),
		now:                 time.Now,
	}
}

// OnSwitch registers a callback invoked on every mode change
func (ct *ConnectivityTracker) OnSwitch(fn func(ModeSwitch)) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.onSwitch = append(ct.onSwitch, fn)
}

func (ct *ConnectivityTracker) status(mp marketplace.Marketplace) *ConnectivityStatus {
	s, ok := ct.statuses[mp]
	if !ok {
		s = &ConnectivityStatus{Marketplace: mp, IsOnline: true, Mode: ModeNormal}
		ct.statuses[mp] = s
	}
	return s
}

// Check runs the adapter health check within timeout and records the outcome
func (ct *ConnectivityTracker) Check(ctx context.Context, adapter marketplace.Adapter, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := ct.now()
	err := adapter.HealthCheck(checkCtx)
	latency := ct.now().Sub(start)

	if err != nil {
		ct.RecordFailure(adapter.Marketplace(), err)
	} else {
		ct.RecordSuccess(adapter.Marketplace(), latency)
	}
	return err
}

// RecordSuccess marks a marketplace reachable and leaves fallback mode
func (ct *ConnectivityTracker) RecordSuccess(mp marketplace.Marketplace, latency time.Duration) {
	ct.mu.Lock()
	s := ct.status(mp)
	now := ct.now()
	s.LastCheck = now
	s.LastSuccess = &now
	s.LastError = ""
	s.IsOnline = true
	s.SuccessCount++
	s.FailureCount = 0
	s.FallbackRetries = 0
	s.latencySum += latency
	s.latencyCount++
	s.AvgLatency = s.latencySum / time.Duration(s.latencyCount)

	var sw *ModeSwitch
	if s.Mode == ModeFallback {
		s.Mode = ModeNormal
		sw = ct.logSwitch(mp, ModeFallback, ModeNormal, "health_check_restored")
	}
	callbacks := ct.onSwitch
	ct.mu.Unlock()

	if sw != nil {
		for _, fn := range callbacks {
			fn(*sw)
		}
	}
}

// RecordFailure marks a marketplace unreachable and enters fallback mode
func (ct *ConnectivityTracker) RecordFailure(mp marketplace.Marketplace, err error) {
	ct.mu.Lock()
	s := ct.status(mp)
	now := ct.now()
	s.LastCheck = now
	s.LastFailure = &now
	s.IsOnline = false
	s.FailureCount++
	if err != nil {
		s.LastError = err.Error()
	}

	var sw *ModeSwitch
	if s.Mode == ModeFallback {
		s.FallbackRetries++
	} else {
		s.Mode = ModeFallback
		sw = ct.logSwitch(mp, ModeNormal, ModeFallback, "health_check_failed")
	}
	callbacks := ct.onSwitch
	ct.mu.Unlock()

	if sw != nil {
		for _, fn := range callbacks {
			fn(*sw)
		}
	}
}

// logSwitch must be called with the lock held
func (ct *ConnectivityTracker) logSwitch(mp marketplace.Marketplace, from, to PassMode, reason string) *ModeSwitch {
	sw := ModeSwitch{Marketplace: mp, From: from, To: to, Reason: reason, Timestamp: ct.now()}
	ct.history = append(ct.history, sw)

	// Keep only last 100 switches
	if len(ct.history) > 100 {
		ct.history = ct.history[len(ct.history)-100:]
	}

	if to == ModeFallback {
		ct.logger.Warn("⚠️ marketplace entered fallback mode", zap.String("marketplace", string(mp)), zap.String("reason", reason))
	} else {
		ct.logger.Info("✅ marketplace back online", zap.String("marketplace", string(mp)))
	}
	return &sw
}

// InFallback reports whether a marketplace is degraded
func (ct *ConnectivityTracker) InFallback(mp marketplace.Marketplace) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	s, ok := ct.statuses[mp]
	return ok && s.Mode == ModeFallback
}

// Status returns a snapshot for one marketplace
func (ct *ConnectivityTracker) Status(mp marketplace.Marketplace) ConnectivityStatus {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return *ct.status(mp)
}

// All returns snapshots of every tracked marketplace in priority order
func (ct *ConnectivityTracker) All() []ConnectivityStatus {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]ConnectivityStatus, 0, len(ct.statuses))
	for _, mp := range marketplace.All() {
		if s, ok := ct.statuses[mp]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// History returns the recorded mode switches
func (ct *ConnectivityTracker) History() []ModeSwitch {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return append([]ModeSwitch(nil), ct.history...)
}

// Start re-checks degraded marketplaces every health check interval until
// Stop is called
func (ct *ConnectivityTracker) Start(registry *marketplace.Registry, timeout func(marketplace.Marketplace) time.Duration) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.running {
		return
	}
	ct.running = true
	ct.stop = make(chan struct{})
	go ct.healthCheckLoop(registry, timeout, ct.stop)
}

// Stop stops the health check loop
func (ct *ConnectivityTracker) Stop() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if !ct.running {
		return
	}
	ct.running = false
	close(ct.stop)
}

func (ct *ConnectivityTracker) healthCheckLoop(registry *marketplace.Registry, timeout func(marketplace.Marketplace) time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(ct.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, mp := range registry.List() {
				if !ct.InFallback(mp) {
					continue
				}
				adapter, err := registry.Get(mp)
				if err != nil {
					continue
				}
				_ = ct.Check(context.Background(), adapter, timeout(mp))
			}
		case <-stop:
			return
		}
	}
}
