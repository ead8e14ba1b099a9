package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meschain/meschain-sync/internal/bandwidth"
	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/mapping"
	"github.com/meschain/meschain-sync/internal/marketplace"
)

var (
	errSessionPaused  = errors.New("session paused")
	errSessionStopped = errors.New("session stopped")
)

// Deps are the collaborators of a SyncEngine. Stores are required, the rest
// default to in-process implementations.
type Deps struct {
	Registry     *marketplace.Registry
	Sessions     SessionStore
	Conflicts    ConflictStore
	Passes       PassLogStore
	Catalog      Catalog
	Bandwidth    *bandwidth.Registry
	Mappings     *mapping.Queue
	Connectivity *ConnectivityTracker
	Notifier     Notifier
	Logger       *zap.Logger
}

// SessionHandle identifies the session a marketplace syncs under
type SessionHandle struct {
	SessionID   string                  `json:"session_id"`
	Marketplace marketplace.Marketplace `json:"marketplace"`
	Reused      bool                    `json:"reused"`
}

// SyncEngine orchestrates sync passes across marketplaces
type SyncEngine struct {
	mu sync.RWMutex
	// resolveMu serializes operator conflict resolutions
	resolveMu sync.Mutex

	// Core components
	config       *config.SyncConfig
	registry     *marketplace.Registry
	sessions     *SessionManager
	resolver     *ConflictResolver
	conflicts    ConflictStore
	passes       PassLogStore
	catalog      Catalog
	bandwidth    *bandwidth.Registry
	mappings     *mapping.Queue
	connectivity *ConnectivityTracker
	scheduler    *Scheduler
	notifier     Notifier
	logger       *zap.Logger

	// State
	isRunning bool
	inFlight  map[marketplace.Marketplace]bool
	lastSync  map[marketplace.Marketplace]time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(cfg *config.SyncConfig, deps Deps) (*SyncEngine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sync config is required")
	}
	if deps.Registry == nil || deps.Sessions == nil || deps.Conflicts == nil || deps.Passes == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("registry, session, conflict, pass and catalog stores are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Bandwidth == nil {
		deps.Bandwidth = NewBandwidthRegistry(cfg)
	}
	if deps.Mappings == nil {
		deps.Mappings = mapping.NewQueue()
	}
	if deps.Connectivity == nil {
		deps.Connectivity = NewConnectivityTracker(cfg.HealthCheckInterval(), logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}

	policy, err := policyFromConfig(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	se := &SyncEngine{
		config:       cfg,
		registry:     deps.Registry,
		sessions:     NewSessionManager(deps.Sessions, logger),
		resolver:     NewConflictResolver(policy, cfg.ClockSkew(), logger),
		conflicts:    deps.Conflicts,
		passes:       deps.Passes,
		catalog:      deps.Catalog,
		bandwidth:    deps.Bandwidth,
		mappings:     deps.Mappings,
		connectivity: deps.Connectivity,
		notifier:     deps.Notifier,
		logger:       logger.With(zap.String("component", "sync_engine")),
		inFlight:     make(map[marketplace.Marketplace]bool),
		lastSync:     make(map[marketplace.Marketplace]time.Time),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		sleep:        sleepCtx,
	}
	se.scheduler = NewScheduler(se, logger)
	return se, nil
}

func policyFromConfig(raw map[string]string) (SourceOfTruth, error) {
	if raw == nil {
		return nil, nil
	}
	policy := make(SourceOfTruth, len(raw))
	for k, v := range raw {
		et, err := marketplace.ParseEntityType(k)
		if err != nil {
			return nil, fmt.Errorf("conflict_policy: %w", err)
		}
		switch marketplace.Side(v) {
		case marketplace.SideLocal, marketplace.SideRemote:
			policy[et] = marketplace.Side(v)
		default:
			return nil, fmt.Errorf("conflict_policy: %s must be local or remote, got %q", k, v)
		}
	}
	return policy, nil
}

// Start recovers persisted sessions and starts the health check loop and,
// when enabled, the scheduler
func (se *SyncEngine) Start(ctx context.Context) error {
	se.mu.Lock()
	if se.isRunning {
		se.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	se.isRunning = true
	se.mu.Unlock()

	se.logger.Info("🔄 Sync Engine starting...")

	if _, err := se.sessions.Recover(ctx); err != nil {
		se.mu.Lock()
		se.isRunning = false
		se.mu.Unlock()
		return err
	}

	se.connectivity.Start(se.registry, se.timeoutFor)

	if se.config.AutoSyncEnabled {
		if err := se.scheduler.Start(ctx); err != nil {
			se.connectivity.Stop()
			se.mu.Lock()
			se.isRunning = false
			se.mu.Unlock()
			return err
		}
	}

	se.logger.Info("✅ Sync Engine started", zap.Strings("marketplaces", mpNames(se.registry.List())))
	return nil
}

// Stop stops background work and cancels running passes
func (se *SyncEngine) Stop() {
	se.mu.Lock()
	if !se.isRunning {
		se.mu.Unlock()
		return
	}
	se.isRunning = false
	se.mu.Unlock()

	se.logger.Info("🛑 Stopping Sync Engine...")
	se.scheduler.Stop()
	se.connectivity.Stop()
	se.cancelBase()
	se.logger.Info("✅ Sync Engine stopped")
}

// ============ SESSIONS ============

// StartSync opens or reuses a session for each marketplace and runs one pass
// per marketplace in the background. No marketplaces means every enabled one.
func (se *SyncEngine) StartSync(ctx context.Context, marketplaces []marketplace.Marketplace) (map[marketplace.Marketplace]SessionHandle, error) {
	handles, err := se.ensureSessions(ctx, marketplaces)
	if err != nil {
		return nil, err
	}

	go func() {
		if _, err := se.runPasses(se.baseCtx, handles); err != nil {
			se.logger.Error("background sync failed", zap.Error(err))
		}
	}()
	return handles, nil
}

// SyncAll is the synchronous form of StartSync. Per-marketplace failures are
// joined into the returned error, the results of the others are kept.
func (se *SyncEngine) SyncAll(ctx context.Context, marketplaces []marketplace.Marketplace) (map[marketplace.Marketplace]*SyncResult, error) {
	handles, err := se.ensureSessions(ctx, marketplaces)
	if err != nil {
		return nil, err
	}
	return se.runPasses(ctx, handles)
}

func (se *SyncEngine) ensureSessions(ctx context.Context, marketplaces []marketplace.Marketplace) (map[marketplace.Marketplace]SessionHandle, error) {
	targets, err := se.targets(marketplaces)
	if err != nil {
		return nil, err
	}

	handles := make(map[marketplace.Marketplace]SessionHandle, len(targets))
	for _, mp := range targets {
		if s, ok := se.sessions.OpenSession(mp); ok {
			handles[mp] = SessionHandle{SessionID: s.ID, Marketplace: mp, Reused: true}
			continue
		}
		id, err := se.sessions.StartSession(ctx, mp)
		if err != nil {
			return nil, err
		}
		handles[mp] = SessionHandle{SessionID: id, Marketplace: mp}
	}
	return handles, nil
}

func (se *SyncEngine) targets(requested []marketplace.Marketplace) ([]marketplace.Marketplace, error) {
	if len(requested) == 0 {
		var out []marketplace.Marketplace
		for _, name := range se.config.EnabledMarketplaces() {
			mp, err := marketplace.Parse(name)
			if err != nil || !se.registry.Has(mp) {
				continue
			}
			out = append(out, mp)
		}
		return out, nil
	}
	for _, mp := range requested {
		if !se.registry.Has(mp) {
			return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, mp)
		}
	}
	return requested, nil
}

// runPasses runs one pass per marketplace on the worker pool
func (se *SyncEngine) runPasses(ctx context.Context, handles map[marketplace.Marketplace]SessionHandle) (map[marketplace.Marketplace]*SyncResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[marketplace.Marketplace]*SyncResult, len(handles))
		errs    []error
	)

	g := new(errgroup.Group)
	g.SetLimit(se.workers())

	for _, mp := range marketplace.All() {
		h, ok := handles[mp]
		if !ok {
			continue
		}
		g.Go(func() error {
			res, err := se.RunSync(ctx, h.Marketplace, h.SessionID)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[h.Marketplace] = res
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.Marketplace, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (se *SyncEngine) workers() int {
	if se.config.Workers > 0 {
		return se.config.Workers
	}
	return 1
}

// StopSync closes a session. A running pass discards its results.
func (se *SyncEngine) StopSync(ctx context.Context, sessionID string) (SyncSession, error) {
	return se.sessions.StopSession(ctx, sessionID)
}

// PauseSync suspends a session. A running pass skips its remaining steps.
func (se *SyncEngine) PauseSync(ctx context.Context, sessionID string) (SyncSession, error) {
	return se.sessions.PauseSession(ctx, sessionID)
}

// ResumeSync re-activates a paused session
func (se *SyncEngine) ResumeSync(ctx context.Context, sessionID string) (SyncSession, error) {
	return se.sessions.ResumeSession(ctx, sessionID)
}

// GetSessionStatus returns a snapshot of one session
func (se *SyncEngine) GetSessionStatus(sessionID string) (SyncSession, error) {
	return se.sessions.GetStatus(sessionID)
}

// ListActiveSessions returns the open sessions in priority order
func (se *SyncEngine) ListActiveSessions() []SyncSession {
	return se.sessions.ListActiveSessions()
}

// ListSessions returns every known session, newest first
func (se *SyncEngine) ListSessions() []SyncSession {
	return se.sessions.ListSessions()
}

// ListPasses returns the pass log of a session
func (se *SyncEngine) ListPasses(ctx context.Context, sessionID string) ([]SyncResult, error) {
	if _, err := se.sessions.GetStatus(sessionID); err != nil {
		return nil, err
	}
	return se.passes.ListPasses(ctx, sessionID)
}

// GetConflictQueue returns the unsettled conflicts of a marketplace
func (se *SyncEngine) GetConflictQueue(ctx context.Context, mp marketplace.Marketplace) ([]*Conflict, error) {
	return se.conflicts.ListConflicts(ctx, mp, ConflictPending, ConflictManualReviewRequired)
}

// ListConflicts returns the conflicts of a marketplace in the given states
func (se *SyncEngine) ListConflicts(ctx context.Context, mp marketplace.Marketplace, statuses ...ConflictStatus) ([]*Conflict, error) {
	return se.conflicts.ListConflicts(ctx, mp, statuses...)
}

// ResolveConflict applies an operator decision to a queued conflict. Only
// one resolution of a conflict is ever applied and counted.
func (se *SyncEngine) ResolveConflict(ctx context.Context, conflictID string, decision ManualDecision, resolvedBy string) (*Conflict, error) {
	se.resolveMu.Lock()
	defer se.resolveMu.Unlock()

	c, err := se.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	before := copyConflict(c)
	if err := se.resolver.ResolveManually(c, decision, resolvedBy); err != nil {
		return nil, err
	}
	if err := se.conflicts.SettleConflict(ctx, c); err != nil {
		if errors.Is(err, ErrConflictSettled) || errors.Is(err, ErrConflictNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}
	if err := se.catalog.ApplyResolution(ctx, c.Marketplace, c); err != nil {
		// reopen so the operator can retry
		if rerr := se.conflicts.SaveConflicts(ctx, []*Conflict{&before}); rerr != nil {
			se.logger.Error("failed to reopen conflict", zap.String("conflict_id", c.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to apply resolution: %w", err)
	}

	if _, err := se.sessions.RecordResolvedConflicts(ctx, c.SessionID, 1); err != nil {
		// the session may be closed by now, the conflict stays resolved
		se.logger.Warn("resolved conflict not counted", zap.String("conflict_id", c.ID), zap.Error(err))
	}
	se.notifier.Publish(string(c.Marketplace), EventConflictResolved, conflictEvent(c))
	return c, nil
}

// ============ COMPONENT ACCESS ============

// Config returns the sync configuration
func (se *SyncEngine) Config() *config.SyncConfig { return se.config }

// Bandwidth returns the monitor registry
func (se *SyncEngine) Bandwidth() *bandwidth.Registry { return se.bandwidth }

// Mappings returns the category mapping review queue
func (se *SyncEngine) Mappings() *mapping.Queue { return se.mappings }

// Connectivity returns the connectivity tracker
func (se *SyncEngine) Connectivity() *ConnectivityTracker { return se.connectivity }

// Registry returns the adapter registry
func (se *SyncEngine) Registry() *marketplace.Registry { return se.registry }

// Scheduler returns the pass scheduler
func (se *SyncEngine) Scheduler() *Scheduler { return se.scheduler }

// GetSyncStatus returns a summary of the engine state
func (se *SyncEngine) GetSyncStatus() map[string]interface{} {
	se.mu.RLock()
	defer se.mu.RUnlock()

	running := make([]string, 0, len(se.inFlight))
	last := make(map[string]time.Time, len(se.lastSync))
	for _, mp := range marketplace.All() {
		if se.inFlight[mp] {
			running = append(running, string(mp))
		}
		if t, ok := se.lastSync[mp]; ok {
			last[string(mp)] = t
		}
	}
	return map[string]interface{}{
		"is_running":      se.isRunning,
		"passes_running":  running,
		"last_sync":       last,
		"active_sessions": len(se.sessions.ListActiveSessions()),
	}
}

func (se *SyncEngine) timeoutFor(mp marketplace.Marketplace) time.Duration {
	return se.config.TimeoutFor(string(mp))
}

// ============ SYNC PASS ============

// pass carries the state of one RunSync call
type pass struct {
	mp        marketplace.Marketplace
	sessionID string
	adapter   marketplace.Adapter
	monitor   *bandwidth.Monitor
	timeout   time.Duration
	openIDs   map[string]bool // change ids with an unsettled conflict

	mu        sync.Mutex
	steps     []StepResult
	conflicts []marketplace.RawConflict
	newOrders []marketplace.Record
}

func (p *pass) record(step StepResult, conflicts []marketplace.RawConflict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step)
	p.conflicts = append(p.conflicts, conflicts...)
}

// RunSync runs one sync pass for a marketplace within a session
func (se *SyncEngine) RunSync(ctx context.Context, mp marketplace.Marketplace, sessionID string) (*SyncResult, error) {
	if !se.acquire(mp) {
		return nil, fmt.Errorf("%w: %s", ErrPassInProgress, mp)
	}
	defer se.release(mp)

	session, err := se.sessions.GetStatus(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Marketplace != mp {
		return nil, fmt.Errorf("session %s belongs to %s, not %s", sessionID, session.Marketplace, mp)
	}
	if !session.Status.IsOpen() {
		return nil, &SessionStateError{SessionID: sessionID, Status: session.Status, Err: ErrSessionClosed}
	}

	adapter, err := se.registry.Get(mp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, mp)
	}

	result := &SyncResult{
		SessionID:   sessionID,
		Marketplace: mp,
		Mode:        ModeNormal,
		StartedAt:   time.Now(),
		Steps:       []StepResult{},
	}

	if session.Status == SessionPaused {
		result.Status = PassSkipped
		result.Error = errSessionPaused.Error()
		return result, nil
	}
	if _, err := se.sessions.Activate(ctx, sessionID); err != nil {
		return nil, err
	}

	timeout := se.timeoutFor(mp)
	if err := se.checkConnectivity(ctx, adapter, timeout); err != nil {
		return se.finishFallback(ctx, result, err)
	}

	p := &pass{
		mp:        mp,
		sessionID: sessionID,
		adapter:   adapter,
		monitor:   se.bandwidth.For(string(mp)),
		timeout:   timeout,
	}
	if p.openIDs, err = se.openChangeIDs(ctx, mp); err != nil {
		return nil, err
	}

	se.logger.Info("🔄 sync pass started", zap.String("marketplace", string(mp)), zap.String("session_id", sessionID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return se.runOutbound(gctx, p) })
	g.Go(func() error { return se.runInbound(gctx, p) })
	if err := g.Wait(); err != nil {
		result.Status = PassError
		result.Error = err.Error()
		result.Steps = p.sortedSteps()
		result.Duration = time.Since(result.StartedAt)
		se.savePass(ctx, result)
		return result, err
	}

	return se.finishPass(ctx, p, result)
}

func (se *SyncEngine) acquire(mp marketplace.Marketplace) bool {
	se.mu.Lock()
	defer se.mu.Unlock()
	if se.inFlight[mp] {
		return false
	}
	se.inFlight[mp] = true
	return true
}

func (se *SyncEngine) release(mp marketplace.Marketplace) {
	se.mu.Lock()
	defer se.mu.Unlock()
	delete(se.inFlight, mp)
	se.lastSync[mp] = time.Now()
}

// checkConnectivity probes the marketplace. A marketplace already in fallback
// mode gets the configured number of extra attempts.
func (se *SyncEngine) checkConnectivity(ctx context.Context, adapter marketplace.Adapter, timeout time.Duration) error {
	attempts := 1
	if se.connectivity.InFallback(adapter.Marketplace()) {
		attempts += se.config.Fallback.MaxRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = se.connectivity.Check(ctx, adapter, timeout); err == nil {
			return nil
		}
		if attempt < attempts-1 {
			if serr := se.sleep(ctx, se.backoff(attempt)); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (se *SyncEngine) finishFallback(ctx context.Context, result *SyncResult, cause error) (*SyncResult, error) {
	result.Mode = ModeFallback
	result.Status = PassSkipped
	result.Error = cause.Error()
	result.Duration = time.Since(result.StartedAt)

	se.logger.Warn("⚠️ marketplace unreachable, pass skipped",
		zap.String("marketplace", string(result.Marketplace)),
		zap.Error(cause))

	if err := se.passes.SavePass(ctx, result); err != nil {
		return result, fmt.Errorf("failed to save pass: %w", err)
	}
	se.notifier.Publish(string(result.Marketplace), EventSyncUpdate, se.syncUpdateEvent(result))
	return result, nil
}

// openChangeIDs returns the outbox ids that already have an unsettled
// conflict. They are held back until the conflict is settled.
func (se *SyncEngine) openChangeIDs(ctx context.Context, mp marketplace.Marketplace) (map[string]bool, error) {
	open, err := se.conflicts.ListConflicts(ctx, mp, ConflictPending, ConflictManualReviewRequired)
	if err != nil {
		return nil, fmt.Errorf("failed to list open conflicts: %w", err)
	}
	ids := make(map[string]bool, len(open))
	for _, c := range open {
		if c.ChangeID != "" {
			ids[c.ChangeID] = true
		}
	}
	return ids, nil
}

type pushFunc func(ctx context.Context, batch marketplace.Batch) (marketplace.OperationResult, error)
type pullFunc func(ctx context.Context, local marketplace.LocalView) (marketplace.OperationResult, error)

func (se *SyncEngine) runOutbound(ctx context.Context, p *pass) error {
	steps := []struct {
		step Step
		et   marketplace.EntityType
		push pushFunc
	}{
		{StepPushProducts, marketplace.EntityProduct, p.adapter.PushProducts},
		{StepPushInventory, marketplace.EntityInventory, p.adapter.PushInventory},
		{StepPushPrices, marketplace.EntityPrice, p.adapter.PushPrices},
		{StepPushCategories, marketplace.EntityCategory, p.adapter.PushCategories},
	}

	for i, s := range steps {
		batch, err := se.catalog.PendingChanges(ctx, p.mp, s.et, se.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to read %s outbox: %w", s.et, err)
		}
		batch = se.holdBack(p, batch)
		if s.et == marketplace.EntityCategory {
			batch = se.filterCategories(p.mp, batch)
		}

		sr := StepResult{Step: s.step, Direction: marketplace.Outbound}
		if len(batch) == 0 {
			p.record(sr, nil)
			continue
		}

		push := s.push
		res, attempts, err := se.call(ctx, p, func(callCtx context.Context) (marketplace.OperationResult, error) {
			return push(callCtx, batch)
		})
		sr.Attempts = attempts
		if errors.Is(err, errSessionStopped) || errors.Is(err, errSessionPaused) || ctx.Err() != nil {
			sr.Skipped = true
			sr.Error = skipReason(ctx, err)
			p.record(sr, nil)
			rest := make([]Step, 0, len(steps)-i-1)
			for _, r := range steps[i+1:] {
				rest = append(rest, r.step)
			}
			se.skipRemaining(p, rest, marketplace.Outbound)
			return nil
		}
		if err != nil {
			sr.Total = len(batch)
			sr.Failed = len(batch)
			sr.Error = err.Error()
			p.record(sr, nil)
			se.logger.Warn("push failed",
				zap.String("marketplace", string(p.mp)),
				zap.String("step", string(s.step)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}

		if len(res.Accepted) > 0 {
			if err := se.catalog.Acknowledge(ctx, p.mp, res.Accepted); err != nil {
				return fmt.Errorf("failed to acknowledge %s changes: %w", s.et, err)
			}
		}
		fillStep(&sr, res)
		p.record(sr, res.Conflicts)
	}
	return nil
}

func (se *SyncEngine) runInbound(ctx context.Context, p *pass) error {
	steps := []struct {
		step Step
		et   marketplace.EntityType
		pull pullFunc
	}{
		{StepPullOrders, marketplace.EntityOrder, p.adapter.PullOrders},
		{StepPullProductUpdates, marketplace.EntityProduct, p.adapter.PullProductUpdates},
		{StepPullInventoryUpdates, marketplace.EntityInventory, p.adapter.PullInventoryUpdates},
		{StepPullPriceUpdates, marketplace.EntityPrice, p.adapter.PullPriceUpdates},
	}

	for i, s := range steps {
		view := &catalogView{ctx: ctx, catalog: se.catalog, mp: p.mp}
		pull := s.pull
		res, attempts, err := se.call(ctx, p, func(callCtx context.Context) (marketplace.OperationResult, error) {
			return pull(callCtx, view)
		})
		sr := StepResult{Step: s.step, Direction: marketplace.Inbound, Attempts: attempts}

		if verr := view.Err(); verr != nil {
			return fmt.Errorf("failed to read pending changes: %w", verr)
		}
		if errors.Is(err, errSessionStopped) || errors.Is(err, errSessionPaused) || ctx.Err() != nil {
			sr.Skipped = true
			sr.Error = skipReason(ctx, err)
			p.record(sr, nil)
			rest := make([]Step, 0, len(steps)-i-1)
			for _, r := range steps[i+1:] {
				rest = append(rest, r.step)
			}
			se.skipRemaining(p, rest, marketplace.Inbound)
			return nil
		}
		if err != nil {
			// a failed pull counts as one failed operation
			sr.Total = 1
			sr.Failed = 1
			sr.Error = err.Error()
			p.record(sr, nil)
			se.logger.Warn("pull failed",
				zap.String("marketplace", string(p.mp)),
				zap.String("step", string(s.step)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}

		if len(res.Records) > 0 {
			if err := se.catalog.ApplyRemote(ctx, p.mp, res.Records); err != nil {
				return fmt.Errorf("failed to store %s updates: %w", s.et, err)
			}
		}
		if cc, ok := p.adapter.(marketplace.CursorCommitter); ok && !res.Cursor.IsZero() {
			cc.CommitCursor(s.et, res.Cursor)
		}
		if s.step == StepPullOrders {
			p.mu.Lock()
			p.newOrders = append(p.newOrders, res.Records...)
			p.mu.Unlock()
		}
		fillStep(&sr, res)
		p.record(sr, res.Conflicts)
	}
	return nil
}

// skipRemaining records the steps a stopped or paused pass never reached
func (se *SyncEngine) skipRemaining(p *pass, names []Step, dir marketplace.Direction) {
	for _, name := range names {
		p.record(StepResult{Step: name, Direction: dir, Skipped: true}, nil)
	}
}

// holdBack drops changes that already have an unsettled conflict
func (se *SyncEngine) holdBack(p *pass, batch marketplace.Batch) marketplace.Batch {
	if len(p.openIDs) == 0 {
		return batch
	}
	out := batch[:0:0]
	for _, c := range batch {
		if !p.openIDs[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// filterCategories keeps the category changes whose mapping is accepted.
// The rest are queued for review and stay in the outbox.
func (se *SyncEngine) filterCategories(mp marketplace.Marketplace, batch marketplace.Batch) marketplace.Batch {
	out := batch[:0:0]
	for _, c := range batch {
		data, ok := c.Data.(marketplace.CategoryData)
		if !ok {
			if ptr, isPtr := c.Data.(*marketplace.CategoryData); isPtr && ptr != nil {
				data, ok = *ptr, true
			}
		}
		if !ok {
			continue
		}
		if se.mappings.IsAccepted(mp, data.CategoryID) {
			out = append(out, c)
			continue
		}
		entry, err := se.mappings.Add(mp, mapping.Suggestion{
			CategoryID:       data.CategoryID,
			RemoteCategoryID: data.RemoteCategoryID,
			ConfidenceScore:  data.Confidence,
		})
		if err != nil {
			se.logger.Warn("category mapping rejected", zap.String("category_id", data.CategoryID), zap.Error(err))
			continue
		}
		if entry.Status == mapping.StatusAccepted {
			out = append(out, c)
		}
	}
	return out
}

// call runs one adapter call after the checkpoint and bandwidth delay,
// retrying transient failures with exponential backoff
func (se *SyncEngine) call(ctx context.Context, p *pass, fn func(ctx context.Context) (marketplace.OperationResult, error)) (marketplace.OperationResult, int, error) {
	maxRetries := se.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := se.checkpoint(ctx, p.sessionID); err != nil {
			return marketplace.OperationResult{}, attempts, err
		}
		if err := se.sleep(ctx, p.monitor.OptimalDelay()); err != nil {
			return marketplace.OperationResult{}, attempts, err
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			return res, attempts, nil
		}
		lastErr = err

		if !marketplace.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			delay := se.backoff(attempt)
			se.logger.Debug("request failed, retrying",
				zap.String("marketplace", string(p.mp)),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := se.sleep(ctx, delay); err != nil {
				return marketplace.OperationResult{}, attempts, err
			}
		}
	}
	return marketplace.OperationResult{}, attempts, lastErr
}

// backoff is base * 2^attempt
func (se *SyncEngine) backoff(attempt int) time.Duration {
	return se.config.RetryBaseDelay() * time.Duration(1<<uint(attempt))
}

// checkpoint is where passes observe stop, pause and cancellation
func (se *SyncEngine) checkpoint(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := se.sessions.GetStatus(sessionID)
	if err != nil {
		return errSessionStopped
	}
	switch {
	case !s.Status.IsOpen():
		return errSessionStopped
	case s.Status == SessionPaused:
		return errSessionPaused
	}
	return nil
}

func (se *SyncEngine) finishPass(ctx context.Context, p *pass, result *SyncResult) (*SyncResult, error) {
	result.Steps = p.sortedSteps()

	attempted, failedSteps := 0, 0
	for i := range result.Steps {
		st := &result.Steps[i]
		result.OperationsTotal += st.Total
		result.Successful += st.Successful
		if st.Attempts > 0 {
			attempted++
			if st.Error != "" {
				failedSteps++
			}
		}
	}
	result.NewOrders = len(p.newOrders)

	// results that arrive after the session closed are dropped
	if err := se.checkpoint(ctx, p.sessionID); errors.Is(err, errSessionStopped) || ctx.Err() != nil {
		return se.discard(ctx, result)
	}

	conflicts := se.buildConflicts(p)
	report := se.resolver.Resolve(conflicts)
	for _, c := range report.Newly {
		if err := se.catalog.ApplyResolution(ctx, p.mp, c); err != nil {
			return nil, fmt.Errorf("failed to apply resolution of %s: %w", c.ID, err)
		}
	}
	if len(conflicts) > 0 {
		if err := se.conflicts.SaveConflicts(ctx, conflicts); err != nil {
			return nil, fmt.Errorf("failed to save conflicts: %w", err)
		}
	}

	result.ConflictsDetected = len(conflicts)
	result.ConflictsResolved = len(report.Newly)
	result.ResolutionRate = report.ResolutionRate
	result.ManualReview = report.ManualReviewRequired
	result.Successful += result.ConflictsResolved
	if result.Successful > result.OperationsTotal {
		result.Successful = result.OperationsTotal
	}
	result.Failed = result.OperationsTotal - result.Successful

	switch {
	case attempted > 0 && failedSteps == attempted:
		result.Status = PassError
		result.Error = "every attempted step failed"
	case failedSteps > 0 || skippedAny(result.Steps):
		result.Status = PassPartial
	default:
		result.Status = PassCompleted
	}
	result.Duration = time.Since(result.StartedAt)

	_, err := se.sessions.RecordOperationBatch(ctx, p.sessionID, OperationBatch{
		Total:             result.OperationsTotal,
		Successful:        result.Successful,
		Failed:            result.Failed,
		ConflictsDetected: result.ConflictsDetected,
		ConflictsResolved: result.ConflictsResolved,
	})
	if errors.Is(err, ErrSessionClosed) {
		return se.discard(ctx, result)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range report.Newly {
		se.notifier.Publish(string(p.mp), EventConflictResolved, conflictEvent(c))
	}
	if len(p.newOrders) > 0 {
		se.notifier.Publish(string(p.mp), EventNewOrders, newOrdersEvent(p.newOrders))
	}
	se.notifier.Publish(string(p.mp), EventSyncUpdate, se.syncUpdateEvent(result))

	if result.Status == PassError {
		if _, err := se.sessions.MarkError(ctx, p.sessionID, result.Error); err != nil && !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
	}

	if err := se.passes.SavePass(ctx, result); err != nil {
		return result, fmt.Errorf("failed to save pass: %w", err)
	}

	se.logger.Info("✅ sync pass finished",
		zap.String("marketplace", string(p.mp)),
		zap.String("status", string(result.Status)),
		zap.Int("operations", result.OperationsTotal),
		zap.Int("successful", result.Successful),
		zap.Int("conflicts", result.ConflictsDetected),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (se *SyncEngine) discard(ctx context.Context, result *SyncResult) (*SyncResult, error) {
	result.Status = PassDiscarded
	result.Duration = time.Since(result.StartedAt)
	se.logger.Warn("session closed during pass, results discarded",
		zap.String("marketplace", string(result.Marketplace)),
		zap.String("session_id", result.SessionID),
		zap.Int("operations", result.OperationsTotal))
	se.savePass(context.WithoutCancel(ctx), result)
	return result, nil
}

func (se *SyncEngine) savePass(ctx context.Context, result *SyncResult) {
	if err := se.passes.SavePass(ctx, result); err != nil {
		se.logger.Error("failed to save pass", zap.String("session_id", result.SessionID), zap.Error(err))
	}
}

func (se *SyncEngine) buildConflicts(p *pass) []*Conflict {
	now := time.Now()
	out := make([]*Conflict, 0, len(p.conflicts))
	for _, raw := range p.conflicts {
		out = append(out, &Conflict{
			ID:          uuid.New().String(),
			SessionID:   p.sessionID,
			Marketplace: p.mp,
			EntityType:  raw.EntityType,
			EntityID:    raw.EntityID,
			ChangeID:    raw.ChangeID,
			Local:       raw.Local,
			Remote:      raw.Remote,
			Status:      ConflictPending,
			Reason:      raw.Reason,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

// sortedSteps returns the step results in pass order
func (p *pass) sortedSteps() []StepResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := map[Step]int{
		StepPushProducts: 0, StepPushInventory: 1, StepPushPrices: 2, StepPushCategories: 3,
		StepPullOrders: 4, StepPullProductUpdates: 5, StepPullInventoryUpdates: 6, StepPullPriceUpdates: 7,
	}
	out := make([]StepResult, len(p.steps))
	copy(out, p.steps)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && order[out[j].Step] < order[out[j-1].Step]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func fillStep(sr *StepResult, res marketplace.OperationResult) {
	sr.Total = res.Total
	sr.Successful = res.Successful
	if sr.Successful > sr.Total {
		sr.Successful = sr.Total
	}
	sr.Conflicts = len(res.Conflicts)
	sr.Failed = res.Failed()
}

func skippedAny(steps []StepResult) bool {
	for _, s := range steps {
		if s.Skipped {
			return true
		}
	}
	return false
}

func skipReason(ctx context.Context, err error) string {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mpNames(mps []marketplace.Marketplace) []string {
	out := make([]string, len(mps))
	for i, mp := range mps {
		out[i] = string(mp)
	}
	return out
}

// ============ EVENTS ============

func (se *SyncEngine) syncUpdateEvent(r *SyncResult) map[string]interface{} {
	rate := r.SuccessRate()
	if s, err := se.sessions.GetStatus(r.SessionID); err == nil {
		rate = s.SuccessRate
	}
	return map[string]interface{}{
		"session_id":         r.SessionID,
		"mode":               r.Mode,
		"status":             r.Status,
		"success_rate":       rate,
		"operations":         r.OperationsTotal,
		"conflicts_resolved": r.ConflictsResolved,
	}
}

func conflictEvent(c *Conflict) map[string]interface{} {
	ev := map[string]interface{}{
		"conflict_id": c.ID,
		"session_id":  c.SessionID,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
		"strategy":    c.Strategy,
	}
	if c.Resolution != nil {
		ev["winner"] = c.Resolution.Winner
		ev["resolved_by"] = c.Resolution.ResolvedBy
	}
	return ev
}

func newOrdersEvent(records []marketplace.Record) map[string]interface{} {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.EntityID)
	}
	return map[string]interface{}{
		"count":  len(records),
		"orders": ids,
	}
}

// catalogView exposes the outbox to inbound pulls. The first catalog error
// is kept and surfaced after the pull.
type catalogView struct {
	ctx     context.Context
	catalog Catalog
	mp      marketplace.Marketplace

	mu  sync.Mutex
	err error
}

func (v *catalogView) PendingChange(et marketplace.EntityType, entityID string) (marketplace.Change, bool) {
	change, ok, err := v.catalog.PendingChange(v.ctx, v.mp, et, entityID)
	if err != nil {
		v.mu.Lock()
		if v.err == nil {
			v.err = err
		}
		v.mu.Unlock()
		return marketplace.Change{}, false
	}
	return change, ok
}

func (v *catalogView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}
