package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRecorder struct {
	n atomic.Int64
}

func (r *countingRecorder) RecordRequest(int) { r.n.Add(1) }

type pendingView map[string]Change

func (v pendingView) PendingChange(et EntityType, id string) (Change, bool) {
	c, ok := v[string(et)+"/"+id]
	return c, ok
}

func newTestAdapter(t *testing.T, mp Marketplace, handler http.HandlerFunc) (*RESTAdapter, *countingRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &countingRecorder{}
	adapter, err := New(mp, Settings{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", SellerID: "42", Timeout: time.Second}, rec, zap.NewNop())
	require.NoError(t, err)
	return adapter.(*RESTAdapter), rec
}

func TestPushProductsTranslatesFieldsAndClassifiesResults(t *testing.T) {
	adapter, rec := newTestAdapter(t, Trendyol, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/42/v2/products", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		assert.Contains(t, r.UserAgent(), "42 - ")

		var got pushRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if assert.Len(t, got.Items, 3) {
			assert.Equal(t, "A", got.Items[0].Data["stockCode"])
			assert.Equal(t, "Alpha", got.Items[0].Data["title"])
		}
		_ = json.NewEncoder(w).Encode(pushResponse{Results: []pushResult{
			{ID: "c1", Status: "accepted"},
			{ID: "c2", Status: "conflict", Remote: map[string]interface{}{"stockCode": "B", "title": "Remote"}},
			{ID: "c3", Status: "error", Message: "bad category"},
		}})
	})

	batch := Batch{
		{ID: "c1", EntityType: EntityProduct, EntityID: "A", Data: ProductData{SKU: "A", Name: "Alpha"}},
		{ID: "c2", EntityType: EntityProduct, EntityID: "B", Data: ProductData{SKU: "B", Name: "Beta"}},
		{ID: "c3", EntityType: EntityProduct, EntityID: "C", Data: ProductData{SKU: "C"}},
	}

	result, err := adapter.PushProducts(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed())
	assert.Equal(t, []string{"c1"}, result.Accepted)
	require.Len(t, result.Conflicts, 1)

	conflict := result.Conflicts[0]
	assert.Equal(t, "c2", conflict.ChangeID)
	assert.True(t, conflict.Local.Pending)
	assert.Equal(t, ProductData{SKU: "B", Name: "Remote"}, conflict.Remote.Data)

	assert.EqualValues(t, 1, rec.n.Load())
}

func TestPushSendsChangedZeroValuesAndBaseVersion(t *testing.T) {
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	adapter, _ := newTestAdapter(t, Trendyol, func(w http.ResponseWriter, r *http.Request) {
		var got pushRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if assert.Len(t, got.Items, 2) {
			assert.Contains(t, got.Items[0].Data, "salePrice")
			assert.EqualValues(t, 0, got.Items[0].Data["salePrice"])
			if assert.NotNil(t, got.Items[0].BaseUpdatedAt) {
				assert.True(t, base.Equal(*got.Items[0].BaseUpdatedAt))
			}
			assert.NotContains(t, got.Items[1].Data, "salePrice")
			assert.Nil(t, got.Items[1].BaseUpdatedAt)
		}
		_ = json.NewEncoder(w).Encode(pushResponse{Results: []pushResult{
			{ID: "p1", Status: "accepted"},
			{ID: "p2", Status: "accepted"},
		}})
	})

	result, err := adapter.PushPrices(context.Background(), Batch{
		{ID: "p1", EntityType: EntityPrice, EntityID: "A", Data: PriceData{SKU: "A", ListPrice: 20}, Changed: []string{"sale_price"}, BaseUpdatedAt: base},
		{ID: "p2", EntityType: EntityPrice, EntityID: "B", Data: PriceData{SKU: "B", ListPrice: 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Successful)
}

func TestPushEmptyBatchMakesNoCall(t *testing.T) {
	adapter, rec := newTestAdapter(t, Amazon, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})

	result, err := adapter.PushInventory(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OperationResult{}, result)
	assert.Zero(t, rec.n.Load())
}

func TestPullValidatesAndDetectsPendingConflicts(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	adapter, _ := newTestAdapter(t, Trendyol, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			assert.Equal(t, updated.Format(time.RFC3339), r.URL.Query().Get("since"))
		}
		_ = json.NewEncoder(w).Encode(pullResponse{Items: []pullItem{
			{ID: "1", UpdatedAt: updated, Data: map[string]interface{}{"orderNumber": "1", "status": "shipped"}},
			{ID: "2", UpdatedAt: updated, Data: map[string]interface{}{"status": "created"}},
			{ID: "3", UpdatedAt: updated, Changed: []string{"status"}, Data: map[string]interface{}{"orderNumber": "3", "status": "shipped"}},
		}})
	})

	local := pendingView{
		"order/3": {ID: "ch-3", EntityType: EntityOrder, EntityID: "3", Data: OrderData{OrderNumber: "3", Status: "pending"}},
	}

	result, err := adapter.PullOrders(context.Background(), local)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed())
	require.Len(t, result.Records, 1)
	assert.Equal(t, OrderData{OrderNumber: "1", Status: "shipped"}, result.Records[0].Data)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "ch-3", result.Conflicts[0].ChangeID)
	assert.Equal(t, []string{"status"}, result.Conflicts[0].Remote.Changed)

	assert.Equal(t, updated, result.Cursor)
	adapter.CommitCursor(EntityOrder, result.Cursor)

	_, err = adapter.PullOrders(context.Background(), local)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPullCursorWaitsForCommit(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var (
		mu     sync.Mutex
		sinces []string
	)
	adapter, _ := newTestAdapter(t, Trendyol, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(pullResponse{Items: []pullItem{
			{ID: "A", UpdatedAt: updated, Data: map[string]interface{}{"barcode": "A", "quantity": 3}},
		}})
	})

	first, err := adapter.PullInventoryUpdates(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, updated, first.Cursor)

	// records never stored, the next pull starts over
	_, err = adapter.PullInventoryUpdates(context.Background(), nil)
	require.NoError(t, err)

	adapter.CommitCursor(EntityInventory, first.Cursor)
	third, err := adapter.PullInventoryUpdates(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, third.Cursor.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "", updated.Format(time.RFC3339)}, sinces)
}

func TestClientErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	adapter, _ := newTestAdapter(t, Ozon, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.Header.Get("Client-Id"))
		assert.Equal(t, "key", r.Header.Get("Api-Key"))
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	})

	err := adapter.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var ae *AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	assert.Contains(t, ae.Error(), "slow down")

	status.Store(http.StatusBadRequest)
	err = adapter.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	status.Store(http.StatusServiceUnavailable)
	assert.True(t, IsTransient(adapter.HealthCheck(context.Background())))
}

func TestClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	adapter, err := New(Ebay, Settings{BaseURL: url, APIKey: "token", Timeout: time.Second}, nil, nil)
	require.NoError(t, err)
	assert.True(t, IsTransient(adapter.HealthCheck(context.Background())))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	for _, mp := range []Marketplace{Ozon, Trendyol} {
		adapter, err := New(mp, Settings{}, nil, nil)
		require.NoError(t, err)
		require.NoError(t, reg.Register(adapter))
	}

	dup, _ := New(Ozon, Settings{}, nil, nil)
	assert.Error(t, reg.Register(dup))
	assert.Equal(t, []Marketplace{Trendyol, Ozon}, reg.List())
	assert.True(t, reg.Has(Trendyol))

	_, err := reg.Get(Amazon)
	assert.Error(t, err)
}
