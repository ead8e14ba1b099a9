package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/mapping"
	"github.com/meschain/meschain-sync/internal/marketplace"
)

type pushHandler func(ctx context.Context, batch marketplace.Batch) (marketplace.OperationResult, error)
type pullHandler func(ctx context.Context, local marketplace.LocalView) (marketplace.OperationResult, error)

// fakeAdapter answers empty results unless a handler is set
type fakeAdapter struct {
	mp     marketplace.Marketplace
	health func(ctx context.Context) error
	push   map[marketplace.EntityType]pushHandler
	pull   map[Step]pullHandler
	calls  sync.Map // Step -> *int32

	cursorMu sync.Mutex
	cursors  map[marketplace.EntityType]time.Time
}

func newFakeAdapter(mp marketplace.Marketplace) *fakeAdapter {
	return &fakeAdapter{
		mp:   mp,
		push: make(map[marketplace.EntityType]pushHandler),
		pull: make(map[Step]pullHandler),
	}
}

func (f *fakeAdapter) count(step Step) {
	v, _ := f.calls.LoadOrStore(step, new(int32))
	atomic.AddInt32(v.(*int32), 1)
}

func (f *fakeAdapter) Calls(step Step) int {
	v, ok := f.calls.Load(step)
	if !ok {
		return 0
	}
	return int(atomic.LoadInt32(v.(*int32)))
}

func (f *fakeAdapter) Marketplace() marketplace.Marketplace { return f.mp }

func (f *fakeAdapter) CommitCursor(et marketplace.EntityType, to time.Time) {
	f.cursorMu.Lock()
	defer f.cursorMu.Unlock()
	if f.cursors == nil {
		f.cursors = make(map[marketplace.EntityType]time.Time)
	}
	f.cursors[et] = to
}

func (f *fakeAdapter) Cursor(et marketplace.EntityType) time.Time {
	f.cursorMu.Lock()
	defer f.cursorMu.Unlock()
	return f.cursors[et]
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) error {
	if f.health != nil {
		return f.health(ctx)
	}
	return nil
}

func (f *fakeAdapter) doPush(ctx context.Context, step Step, et marketplace.EntityType, batch marketplace.Batch) (marketplace.OperationResult, error) {
	f.count(step)
	if h, ok := f.push[et]; ok {
		return h(ctx, batch)
	}
	return marketplace.OperationResult{Total: len(batch), Successful: len(batch), Accepted: batch.IDs()}, nil
}

func (f *fakeAdapter) doPull(ctx context.Context, step Step, local marketplace.LocalView) (marketplace.OperationResult, error) {
	f.count(step)
	if h, ok := f.pull[step]; ok {
		return h(ctx, local)
	}
	return marketplace.OperationResult{}, nil
}

func (f *fakeAdapter) PushProducts(ctx context.Context, b marketplace.Batch) (marketplace.OperationResult, error) {
	return f.doPush(ctx, StepPushProducts, marketplace.EntityProduct, b)
}
func (f *fakeAdapter) PushInventory(ctx context.Context, b marketplace.Batch) (marketplace.OperationResult, error) {
	return f.doPush(ctx, StepPushInventory, marketplace.EntityInventory, b)
}
func (f *fakeAdapter) PushPrices(ctx context.Context, b marketplace.Batch) (marketplace.OperationResult, error) {
	return f.doPush(ctx, StepPushPrices, marketplace.EntityPrice, b)
}
func (f *fakeAdapter) PushCategories(ctx context.Context, b marketplace.Batch) (marketplace.OperationResult, error) {
	return f.doPush(ctx, StepPushCategories, marketplace.EntityCategory, b)
}
func (f *fakeAdapter) PullOrders(ctx context.Context, l marketplace.LocalView) (marketplace.OperationResult, error) {
	return f.doPull(ctx, StepPullOrders, l)
}
func (f *fakeAdapter) PullProductUpdates(ctx context.Context, l marketplace.LocalView) (marketplace.OperationResult, error) {
	return f.doPull(ctx, StepPullProductUpdates, l)
}
func (f *fakeAdapter) PullInventoryUpdates(ctx context.Context, l marketplace.LocalView) (marketplace.OperationResult, error) {
	return f.doPull(ctx, StepPullInventoryUpdates, l)
}
func (f *fakeAdapter) PullPriceUpdates(ctx context.Context, l marketplace.LocalView) (marketplace.OperationResult, error) {
	return f.doPull(ctx, StepPullPriceUpdates, l)
}

type event struct {
	marketplace string
	eventType   string
	payload     interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingNotifier) Publish(mp, eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{mp, eventType, payload})
}

func (r *recordingNotifier) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

type testEngine struct {
	*SyncEngine
	store    *MemoryStore
	catalog  *MemoryCatalog
	notifier *recordingNotifier
	adapters map[marketplace.Marketplace]*fakeAdapter
}

func testSyncConfig(mps ...marketplace.Marketplace) *config.SyncConfig {
	cfg := &config.SyncConfig{
		Workers:            2,
		MaxRetries:         3,
		RetryBaseDelayMs:   1,
		BatchSize:          100,
		ClockSkewTolerance: 5,
		Marketplaces:       make(map[string]config.MarketplaceConfig),
		Fallback:           config.FallbackConfig{IntervalFactor: 4, MaxRetries: 1, HealthCheckInterval: 30},
	}
	for i, mp := range mps {
		cfg.Marketplaces[string(mp)] = config.MarketplaceConfig{Enabled: true, Priority: i + 1, Timeout: 2, SyncInterval: 30}
	}
	return cfg
}

func newTestEngine(t *testing.T, mps ...marketplace.Marketplace) *testEngine {
	t.Helper()
	if len(mps) == 0 {
		mps = []marketplace.Marketplace{marketplace.Trendyol}
	}
	registry := marketplace.NewRegistry()
	adapters := make(map[marketplace.Marketplace]*fakeAdapter)
	for _, mp := range mps {
		a := newFakeAdapter(mp)
		adapters[mp] = a
		require.NoError(t, registry.Register(a))
	}

	store := NewMemoryStore()
	catalog := NewMemoryCatalog()
	notifier := &recordingNotifier{}
	engine, err := NewSyncEngine(testSyncConfig(mps...), Deps{
		Registry:  registry,
		Sessions:  store,
		Conflicts: store,
		Passes:    store,
		Catalog:   catalog,
		Notifier:  notifier,
	})
	require.NoError(t, err)
	return &testEngine{SyncEngine: engine, store: store, catalog: catalog, notifier: notifier, adapters: adapters}
}

func (te *testEngine) start(t *testing.T, mp marketplace.Marketplace) string {
	t.Helper()
	id, err := te.sessions.StartSession(context.Background(), mp)
	require.NoError(t, err)
	return id
}

func enqueueProducts(c *MemoryCatalog, mp marketplace.Marketplace, n int) []marketplace.Change {
	out := make([]marketplace.Change, 0, n)
	for i := 0; i < n; i++ {
		sku := fmt.Sprintf("SKU-%03d", i)
		out = append(out, c.Enqueue(mp, marketplace.Change{
			EntityType: marketplace.EntityProduct,
			EntityID:   sku,
			Data:       marketplace.ProductData{SKU: sku, Name: "Product " + sku, Price: 10},
		}))
	}
	return out
}

func orderRecords(n int) []marketplace.Record {
	out := make([]marketplace.Record, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("TY-%04d", i)
		out = append(out, marketplace.Record{
			EntityType: marketplace.EntityOrder,
			EntityID:   id,
			Data:       marketplace.OrderData{OrderNumber: id, Status: "created"},
		})
	}
	return out
}

func TestRunSync_CountsResolvedConflictsAsSuccess(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	changes := enqueueProducts(te.catalog, marketplace.Trendyol, 40)
	a.push[marketplace.EntityProduct] = func(_ context.Context, batch marketplace.Batch) (marketplace.OperationResult, error) {
		assert.Len(t, batch, 40)
		res := marketplace.OperationResult{Total: 40, Successful: 38, Accepted: batch[:38].IDs()}
		for _, c := range batch[38:] {
			// marketplace holds an older price
			remote := c.Data.(marketplace.ProductData)
			remote.Price = 12
			res.Conflicts = append(res.Conflicts, marketplace.RawConflict{
				EntityType: marketplace.EntityProduct,
				EntityID:   c.EntityID,
				ChangeID:   c.ID,
				Local:      c.Version(),
				Remote:     marketplace.Version{Data: remote, UpdatedAt: c.UpdatedAt.Add(-time.Hour)},
			})
		}
		return res, nil
	}
	a.pull[StepPullOrders] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{Total: 20, Successful: 20, Records: orderRecords(20)}, nil
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)

	assert.Equal(t, PassCompleted, result.Status)
	assert.Equal(t, 60, result.OperationsTotal)
	assert.Equal(t, 60, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, result.ConflictsDetected)
	assert.Equal(t, 2, result.ConflictsResolved)
	assert.Equal(t, 20, result.NewOrders)

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
	assert.Equal(t, 60, s.OperationsTotal)
	assert.Equal(t, 60, s.OperationsSuccessful)
	assert.Equal(t, 2, s.ConflictsDetected)
	assert.Equal(t, 2, s.ConflictsResolved)
	assert.Equal(t, 100.0, s.SuccessRate)

	assert.Equal(t, []string{
		EventConflictResolved, EventConflictResolved, EventNewOrders, EventSyncUpdate,
	}, te.notifier.Types())

	// the store won both conflicts, so their data goes out again
	assert.Equal(t, 2, te.catalog.Pending(marketplace.Trendyol))
	snap, ok := te.catalog.Snapshot(marketplace.Trendyol, marketplace.EntityProduct, changes[0].EntityID)
	require.True(t, ok)
	assert.Equal(t, changes[0].Data, snap)

	passes, err := te.ListPasses(ctx, id)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Len(t, passes[0].Steps, 8)
}

func TestRunSync_PartialFailure(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	for i := 0; i < 3; i++ {
		te.catalog.Enqueue(marketplace.Trendyol, marketplace.Change{
			EntityType: marketplace.EntityInventory,
			EntityID:   fmt.Sprintf("SKU-%d", i),
			Data:       marketplace.InventoryData{SKU: fmt.Sprintf("SKU-%d", i), Quantity: i},
		})
	}
	a.push[marketplace.EntityInventory] = func(context.Context, marketplace.Batch) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{}, &marketplace.AdapterError{Marketplace: marketplace.Trendyol, Op: "push_inventory", StatusCode: 400, Err: errors.New("bad request")}
	}
	a.pull[StepPullOrders] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{Total: 5, Successful: 5, Records: orderRecords(5)}, nil
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)

	assert.Equal(t, PassPartial, result.Status)
	assert.Equal(t, 8, result.OperationsTotal)
	assert.Equal(t, 5, result.Successful)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 1, a.Calls(StepPushInventory), "permanent errors are not retried")
	assert.Equal(t, 3, te.catalog.Pending(marketplace.Trendyol), "failed changes stay queued")

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
	assert.Equal(t, 3, s.OperationsFailed)
}

func TestRunSync_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	var attempts int32
	a.pull[StepPullOrders] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return marketplace.OperationResult{}, &marketplace.AdapterError{Marketplace: marketplace.Trendyol, StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
		}
		return marketplace.OperationResult{Total: 1, Successful: 1, Records: orderRecords(1)}, nil
	}
	a.pull[StepPullPriceUpdates] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{}, &marketplace.AdapterError{Marketplace: marketplace.Trendyol, StatusCode: 429, Transient: true, Err: errors.New("slow down")}
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)

	assert.Equal(t, 3, a.Calls(StepPullOrders))
	assert.Equal(t, 4, a.Calls(StepPullPriceUpdates), "max_retries 3 means 4 attempts")
	for _, st := range result.Steps {
		switch st.Step {
		case StepPullOrders:
			assert.Equal(t, 3, st.Attempts)
			assert.Empty(t, st.Error)
		case StepPullPriceUpdates:
			assert.Equal(t, 1, st.Failed)
			assert.NotEmpty(t, st.Error)
		}
	}
	assert.Equal(t, PassPartial, result.Status)
	assert.Equal(t, 2, result.OperationsTotal)
	assert.Equal(t, 1, result.Successful)
}

func TestRunSync_AllStepsFailedMarksSessionError(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	fail := func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{}, &marketplace.AdapterError{Marketplace: marketplace.Trendyol, StatusCode: 401, Err: errors.New("unauthorized")}
	}
	for _, step := range []Step{StepPullOrders, StepPullProductUpdates, StepPullInventoryUpdates, StepPullPriceUpdates} {
		a.pull[step] = fail
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, PassError, result.Status)
	assert.Equal(t, 4, result.Failed)

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionError, s.Status)
	assert.Equal(t, 4, s.OperationsFailed)
	assert.Empty(t, te.ListActiveSessions())
}

func TestRunSync_StopDiscardsResults(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	a.pull[StepPullOrders] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		_, err := te.StopSync(ctx, id)
		assert.NoError(t, err)
		return marketplace.OperationResult{Total: 3, Successful: 3, Records: orderRecords(3)}, nil
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, PassDiscarded, result.Status)

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionStopped, s.Status)
	assert.Zero(t, s.OperationsTotal)
	assert.Zero(t, a.Calls(StepPullProductUpdates), "steps after the stop are not called")
	assert.NotContains(t, te.notifier.Types(), EventSyncUpdate)

	_, err = te.RunSync(ctx, marketplace.Trendyol, id)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRunSync_PausedSessionIsSkipped(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	_, err := te.PauseSync(ctx, id)
	require.NoError(t, err)

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, PassSkipped, result.Status)
	assert.Zero(t, a.Calls(StepPullOrders))

	_, err = te.ResumeSync(ctx, id)
	require.NoError(t, err)
	result, err = te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, PassCompleted, result.Status)
	assert.Equal(t, 1, a.Calls(StepPullOrders))
}

func TestRunSync_FallbackMode(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	var down atomic.Bool
	down.Store(true)
	a.health = func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, result.Mode)
	assert.Zero(t, result.OperationsTotal)
	assert.Zero(t, a.Calls(StepPullOrders))
	assert.True(t, te.Connectivity().InFallback(marketplace.Trendyol))

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status, "fallback keeps the session open")

	down.Store(false)
	result, err = te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, result.Mode)
	assert.False(t, te.Connectivity().InFallback(marketplace.Trendyol))
	require.Len(t, te.Connectivity().History(), 2)
}

func TestRunSync_PassInProgress(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	entered := make(chan struct{})
	release := make(chan struct{})
	a.pull[StepPullOrders] = func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		close(entered)
		<-release
		return marketplace.OperationResult{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := te.RunSync(ctx, marketplace.Trendyol, id)
		done <- err
	}()
	<-entered

	_, err := te.RunSync(ctx, marketplace.Trendyol, id)
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRunSync_CategoriesNeedAcceptedMapping(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	te.catalog.Enqueue(marketplace.Trendyol, marketplace.Change{
		EntityType: marketplace.EntityCategory, EntityID: "shoes",
		Data: marketplace.CategoryData{CategoryID: "shoes", RemoteCategoryID: "411", Confidence: 0.97},
	})
	te.catalog.Enqueue(marketplace.Trendyol, marketplace.Change{
		EntityType: marketplace.EntityCategory, EntityID: "hats",
		Data: marketplace.CategoryData{CategoryID: "hats", RemoteCategoryID: "97", Confidence: 0.9},
	})

	var pushed []string
	a.push[marketplace.EntityCategory] = func(_ context.Context, batch marketplace.Batch) (marketplace.OperationResult, error) {
		for _, c := range batch {
			pushed = append(pushed, c.EntityID)
		}
		return marketplace.OperationResult{Total: len(batch), Successful: len(batch), Accepted: batch.IDs()}, nil
	}

	_, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"shoes"}, pushed)
	assert.Equal(t, 1, te.catalog.Pending(marketplace.Trendyol))

	entries := te.Mappings().List(marketplace.Trendyol)
	require.Len(t, entries, 2)
	assert.Equal(t, mapping.Suggest, entries[0].Decision)
	assert.Equal(t, mapping.StatusPending, entries[0].Status)

	_, err = te.Mappings().Accept(marketplace.Trendyol, "hats")
	require.NoError(t, err)
	_, err = te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"shoes", "hats"}, pushed)
	assert.Zero(t, te.catalog.Pending(marketplace.Trendyol))
}

func TestResolveConflict_ManualReviewFlow(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]
	id := te.start(t, marketplace.Trendyol)

	change := te.catalog.Enqueue(marketplace.Trendyol, marketplace.Change{
		EntityType: marketplace.EntityProduct, EntityID: "SKU-9",
		Data: marketplace.ProductData{SKU: "SKU-9", Name: "Linen Shirt", Price: 30},
	})
	a.push[marketplace.EntityProduct] = func(_ context.Context, batch marketplace.Batch) (marketplace.OperationResult, error) {
		res := marketplace.OperationResult{Total: len(batch)}
		for _, c := range batch {
			res.Conflicts = append(res.Conflicts, marketplace.RawConflict{
				EntityType: marketplace.EntityProduct, EntityID: c.EntityID, ChangeID: c.ID,
				Local:  c.Version(),
				Remote: marketplace.Version{Data: marketplace.ProductData{SKU: c.EntityID, Name: "Cotton Shirt", Price: 28}},
			})
		}
		return res, nil
	}

	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.True(t, result.ManualReview)
	assert.Equal(t, 1, result.Failed)

	queue, err := te.GetConflictQueue(ctx, marketplace.Trendyol)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, ConflictManualReviewRequired, queue[0].Status)
	assert.Equal(t, change.ID, queue[0].ChangeID)

	// the change stays held back while its conflict is open
	_, err = te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls(StepPushProducts))

	resolved, err := te.ResolveConflict(ctx, queue[0].ID, ManualDecision{Side: marketplace.SideRemote}, "ops")
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)

	queue, err = te.GetConflictQueue(ctx, marketplace.Trendyol)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Zero(t, te.catalog.Pending(marketplace.Trendyol))

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConflictsResolved)
	assert.Contains(t, te.notifier.Types(), EventConflictResolved)

	_, err = te.ResolveConflict(ctx, resolved.ID, ManualDecision{Side: marketplace.SideLocal}, "ops")
	assert.ErrorIs(t, err, ErrConflictSettled)
	_, err = te.ResolveConflict(ctx, "nope", ManualDecision{Side: marketplace.SideLocal}, "ops")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

// slowCatalog widens the window between reading and settling a conflict
type slowCatalog struct {
	*MemoryCatalog
	delay time.Duration
}

func (s *slowCatalog) ApplyResolution(ctx context.Context, mp marketplace.Marketplace, c *Conflict) error {
	time.Sleep(s.delay)
	return s.MemoryCatalog.ApplyResolution(ctx, mp, c)
}

func seedReviewConflict(t *testing.T, te *testEngine, sessionID string) marketplace.Change {
	t.Helper()
	change := te.catalog.Enqueue(marketplace.Trendyol, marketplace.Change{
		EntityType: marketplace.EntityProduct, EntityID: "SKU-5",
		Data: marketplace.ProductData{SKU: "SKU-5", Name: "Wool Scarf", Price: 15},
	})
	require.NoError(t, te.store.SaveConflicts(context.Background(), []*Conflict{{
		ID: "c-5", SessionID: sessionID, Marketplace: marketplace.Trendyol,
		EntityType: marketplace.EntityProduct, EntityID: "SKU-5", ChangeID: change.ID,
		Local:    change.Version(),
		Remote:   marketplace.Version{Data: marketplace.ProductData{SKU: "SKU-5", Name: "Scarf", Price: 14}},
		Strategy: StrategyManualReview,
		Status:   ConflictManualReviewRequired,
	}}))
	return change
}

func TestResolveConflict_ConcurrentDecisionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.SyncEngine.catalog = &slowCatalog{MemoryCatalog: te.catalog, delay: 50 * time.Millisecond}
	id := te.start(t, marketplace.Trendyol)
	seedReviewConflict(t, te, id)

	var (
		wg              sync.WaitGroup
		applied, denied atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.ResolveConflict(ctx, "c-5", ManualDecision{Side: marketplace.SideLocal}, "ops")
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, ErrConflictSettled):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	assert.EqualValues(t, 1, denied.Load())

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConflictsResolved)
	assert.Equal(t, 1, te.catalog.Pending(marketplace.Trendyol), "local winner is queued once")
}

func TestMemoryStore_SettleConflictIsConditional(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	id := te.start(t, marketplace.Trendyol)
	seedReviewConflict(t, te, id)

	// two resolvers that both read the conflict while it was open
	first, err := te.store.GetConflict(ctx, "c-5")
	require.NoError(t, err)
	second, err := te.store.GetConflict(ctx, "c-5")
	require.NoError(t, err)

	require.NoError(t, te.resolver.ResolveManually(first, ManualDecision{Side: marketplace.SideLocal}, "ops"))
	require.NoError(t, te.resolver.ResolveManually(second, ManualDecision{Side: marketplace.SideRemote}, "ops"))

	require.NoError(t, te.store.SettleConflict(ctx, first))
	assert.ErrorIs(t, te.store.SettleConflict(ctx, second), ErrConflictSettled)

	stored, err := te.store.GetConflict(ctx, "c-5")
	require.NoError(t, err)
	assert.Equal(t, marketplace.SideLocal, stored.Resolution.Winner)

	missing := *first
	missing.ID = "nope"
	assert.ErrorIs(t, te.store.SettleConflict(ctx, &missing), ErrConflictNotFound)
}

func TestApplyResolution_RequeueCarriesRemoteVersion(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()
	change := catalog.Enqueue(marketplace.Amazon, marketplace.Change{
		EntityType: marketplace.EntityInventory, EntityID: "SKU-2",
		Data:    marketplace.InventoryData{SKU: "SKU-2", Quantity: 0},
		Changed: []string{"quantity"},
	})
	remoteAt := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	c := &Conflict{
		ID: "c-2", Marketplace: marketplace.Amazon, EntityType: marketplace.EntityInventory, EntityID: "SKU-2",
		ChangeID: change.ID,
		Local:    change.Version(),
		Remote:   marketplace.Version{Data: marketplace.InventoryData{SKU: "SKU-2", Quantity: 4}, UpdatedAt: remoteAt},
		Status:   ConflictPending,
	}
	newTestResolver().Resolve([]*Conflict{c})
	require.Equal(t, marketplace.SideLocal, c.Resolution.Winner)

	require.NoError(t, catalog.ApplyResolution(ctx, marketplace.Amazon, c))

	batch, err := catalog.PendingChanges(ctx, marketplace.Amazon, marketplace.EntityInventory, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotEqual(t, change.ID, batch[0].ID)
	assert.Equal(t, remoteAt, batch[0].BaseUpdatedAt)
	assert.Equal(t, []string{"quantity"}, batch[0].Changed)

	// a remote winner is not pushed back
	c.Resolution.Winner = marketplace.SideRemote
	_, ok := c.Requeue("x", time.Now())
	assert.False(t, ok)
}

func TestRunSync_AdapterTimeoutMarksFailed(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.config.MaxRetries = 0
	mc := te.config.Marketplaces[string(marketplace.Trendyol)]
	mc.Timeout = 1
	te.config.Marketplaces[string(marketplace.Trendyol)] = mc

	a := te.adapters[marketplace.Trendyol]
	a.pull[StepPullOrders] = func(ctx context.Context, _ marketplace.LocalView) (marketplace.OperationResult, error) {
		<-ctx.Done()
		return marketplace.OperationResult{}, ctx.Err()
	}
	id := te.start(t, marketplace.Trendyol)

	started := time.Now()
	result, err := te.RunSync(ctx, marketplace.Trendyol, id)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)

	assert.Equal(t, PassPartial, result.Status)
	assert.Equal(t, 1, result.Failed)
	for _, step := range result.Steps {
		if step.Step == StepPullOrders {
			assert.Equal(t, 1, step.Failed)
			assert.Contains(t, step.Error, context.DeadlineExceeded.Error())
		}
	}

	s, err := te.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
}

// failingCatalog refuses to store remote records
type failingCatalog struct {
	*MemoryCatalog
}

func (failingCatalog) ApplyRemote(context.Context, marketplace.Marketplace, []marketplace.Record) error {
	return errors.New("disk full")
}

func TestRunSync_PullCursorCommittedAfterStore(t *testing.T) {
	ctx := context.Background()
	newest := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	pullOrders := func(context.Context, marketplace.LocalView) (marketplace.OperationResult, error) {
		return marketplace.OperationResult{Total: 2, Successful: 2, Records: orderRecords(2), Cursor: newest}, nil
	}

	t.Run("stored", func(t *testing.T) {
		te := newTestEngine(t)
		a := te.adapters[marketplace.Trendyol]
		a.pull[StepPullOrders] = pullOrders
		id := te.start(t, marketplace.Trendyol)

		_, err := te.RunSync(ctx, marketplace.Trendyol, id)
		require.NoError(t, err)
		assert.Equal(t, newest, a.Cursor(marketplace.EntityOrder))
	})

	t.Run("store failed", func(t *testing.T) {
		te := newTestEngine(t)
		te.SyncEngine.catalog = failingCatalog{te.catalog}
		a := te.adapters[marketplace.Trendyol]
		a.pull[StepPullOrders] = pullOrders
		id := te.start(t, marketplace.Trendyol)

		_, err := te.RunSync(ctx, marketplace.Trendyol, id)
		require.Error(t, err)
		assert.True(t, a.Cursor(marketplace.EntityOrder).IsZero(), "records were never stored")
	})
}

func TestSyncAll_RunsEveryMarketplace(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, marketplace.Trendyol, marketplace.Amazon, marketplace.N11)
	te.adapters[marketplace.Amazon].health = func(context.Context) error { return errors.New("down") }

	results, err := te.SyncAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ModeNormal, results[marketplace.Trendyol].Mode)
	assert.Equal(t, ModeFallback, results[marketplace.Amazon].Mode)
	assert.Len(t, te.ListActiveSessions(), 3)

	// a second call reuses the open sessions
	handles, err := te.ensureSessions(ctx, nil)
	require.NoError(t, err)
	for _, h := range handles {
		assert.True(t, h.Reused)
	}

	_, err = te.SyncAll(ctx, []marketplace.Marketplace{marketplace.Ozon})
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestStartSync_RunsInBackground(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	a := te.adapters[marketplace.Trendyol]

	handles, err := te.StartSync(ctx, []marketplace.Marketplace{marketplace.Trendyol})
	require.NoError(t, err)
	h := handles[marketplace.Trendyol]
	require.NotEmpty(t, h.SessionID)
	assert.False(t, h.Reused)

	require.Eventually(t, func() bool {
		passes, err := te.ListPasses(ctx, h.SessionID)
		return err == nil && len(passes) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.Calls(StepPullOrders))
}

func TestNewSyncEngine_RejectsBadPolicy(t *testing.T) {
	cfg := testSyncConfig(marketplace.Trendyol)
	cfg.ConflictPolicy = map[string]string{"order": "whoever"}
	store := NewMemoryStore()
	_, err := NewSyncEngine(cfg, Deps{
		Registry: marketplace.NewRegistry(), Sessions: store, Conflicts: store, Passes: store, Catalog: NewMemoryCatalog(),
	})
	assert.Error(t, err)
}
