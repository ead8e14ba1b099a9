package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Endpoints are the API paths of one marketplace, relative to its base URL
type Endpoints struct {
	Health           string
	Products         string
	Inventory        string
	Prices           string
	Categories       string
	Orders           string
	ProductUpdates   string
	InventoryUpdates string
	PriceUpdates     string
}

// FieldMap renames canonical field names to wire names per entity type.
// Fields without an entry are sent under their canonical name.
type FieldMap map[EntityType]map[string]string

func (m FieldMap) toWire(et EntityType, fields map[string]interface{}) map[string]interface{} {
	names := m[et]
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if wire, ok := names[k]; ok {
			out[wire] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func (m FieldMap) fromWire(et EntityType, fields map[string]interface{}) map[string]interface{} {
	names := m[et]
	reverse := make(map[string]string, len(names))
	for canonical, wire := range names {
		reverse[wire] = canonical
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if canonical, ok := reverse[k]; ok {
			out[canonical] = v
		} else {
			out[k] = v
		}
	}
	return out
}

func (m FieldMap) namesFromWire(et EntityType, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	reverse := make(map[string]string, len(m[et]))
	for canonical, wire := range m[et] {
		reverse[wire] = canonical
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if canonical, ok := reverse[n]; ok {
			out = append(out, canonical)
		} else {
			out = append(out, n)
		}
	}
	return out
}

// pushItem is one element of a push request
type pushItem struct {
	ID        string                 `json:"id"`
	EntityID  string                 `json:"entity_id"`
	UpdatedAt time.Time              `json:"updated_at"`
	Data      map[string]interface{} `json:"data"`

	// BaseUpdatedAt lets the marketplace accept an overwrite of the version
	// the conflict was resolved against
	BaseUpdatedAt *time.Time `json:"base_updated_at,omitempty"`
}

type pushRequest struct {
	Items []pushItem `json:"items"`
}

// pushResult is the per-item answer to a push request
type pushResult struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"` // accepted, conflict, error
	Message   string                 `json:"message,omitempty"`
	Remote    map[string]interface{} `json:"remote,omitempty"`
	Changed   []string               `json:"changed,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

type pushResponse struct {
	Results []pushResult `json:"results"`
}

// pullItem is one entity in a pull response
type pullItem struct {
	ID        string                 `json:"id"`
	UpdatedAt time.Time              `json:"updated_at"`
	Changed   []string               `json:"changed,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

type pullResponse struct {
	Items []pullItem `json:"items"`
}

// RESTAdapter implements Adapter over a JSON REST API. The six marketplace
// adapters differ only in endpoints, field names and authentication.
type RESTAdapter struct {
	client    *Client
	endpoints Endpoints
	fields    FieldMap

	mu      sync.Mutex
	cursors map[EntityType]time.Time // newest committed updated_at per pulled entity
}

// NewRESTAdapter creates an adapter on top of a REST client
func NewRESTAdapter(client *Client, endpoints Endpoints, fields FieldMap) *RESTAdapter {
	if endpoints.Health == "" {
		endpoints.Health = "/health"
	}
	return &RESTAdapter{
		client:    client,
		endpoints: endpoints,
		fields:    fields,
		cursors:   make(map[EntityType]time.Time),
	}
}

func (a *RESTAdapter) Marketplace() Marketplace { return a.client.mp }

// HealthCheck calls the health endpoint
func (a *RESTAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Do(ctx, "health_check", http.MethodGet, a.endpoints.Health, nil, nil, nil)
}

func (a *RESTAdapter) PushProducts(ctx context.Context, batch Batch) (OperationResult, error) {
	return a.push(ctx, "push_products", a.endpoints.Products, EntityProduct, batch)
}

func (a *RESTAdapter) PushInventory(ctx context.Context, batch Batch) (OperationResult, error) {
	return a.push(ctx, "push_inventory", a.endpoints.Inventory, EntityInventory, batch)
}

func (a *RESTAdapter) PushPrices(ctx context.Context, batch Batch) (OperationResult, error) {
	return a.push(ctx, "push_prices", a.endpoints.Prices, EntityPrice, batch)
}

func (a *RESTAdapter) PushCategories(ctx context.Context, batch Batch) (OperationResult, error) {
	return a.push(ctx, "push_categories", a.endpoints.Categories, EntityCategory, batch)
}

func (a *RESTAdapter) PullOrders(ctx context.Context, local LocalView) (OperationResult, error) {
	return a.pull(ctx, "pull_orders", a.endpoints.Orders, EntityOrder, local)
}

func (a *RESTAdapter) PullProductUpdates(ctx context.Context, local LocalView) (OperationResult, error) {
	return a.pull(ctx, "pull_product_updates", a.endpoints.ProductUpdates, EntityProduct, local)
}

func (a *RESTAdapter) PullInventoryUpdates(ctx context.Context, local LocalView) (OperationResult, error) {
	return a.pull(ctx, "pull_inventory_updates", a.endpoints.InventoryUpdates, EntityInventory, local)
}

func (a *RESTAdapter) PullPriceUpdates(ctx context.Context, local LocalView) (OperationResult, error) {
	return a.pull(ctx, "pull_price_updates", a.endpoints.PriceUpdates, EntityPrice, local)
}

func (a *RESTAdapter) push(ctx context.Context, op, path string, et EntityType, batch Batch) (OperationResult, error) {
	result := OperationResult{Total: len(batch)}
	if len(batch) == 0 {
		return result, nil
	}
	if path == "" {
		return result, &AdapterError{Marketplace: a.client.mp, Op: op, Err: errors.New("operation not supported")}
	}

	req := pushRequest{Items: make([]pushItem, 0, len(batch))}
	byID := make(map[string]Change, len(batch))
	for _, change := range batch {
		byID[change.ID] = change
		var fields map[string]interface{}
		if change.Data != nil {
			fields = FieldsWith(change.Data, change.Changed)
		}
		item := pushItem{
			ID:        change.ID,
			EntityID:  change.EntityID,
			UpdatedAt: change.UpdatedAt,
			Data:      a.fields.toWire(et, fields),
		}
		if !change.BaseUpdatedAt.IsZero() {
			base := change.BaseUpdatedAt
			item.BaseUpdatedAt = &base
		}
		req.Items = append(req.Items, item)
	}

	var resp pushResponse
	if err := a.client.Do(ctx, op, http.MethodPost, path, nil, req, &resp); err != nil {
		return result, err
	}

	for _, r := range resp.Results {
		change, ok := byID[r.ID]
		if !ok {
			continue
		}
		switch r.Status {
		case "accepted", "ok", "success":
			result.Successful++
			result.Accepted = append(result.Accepted, change.ID)
		case "conflict":
			remote := Version{Changed: a.fields.namesFromWire(et, r.Changed), UpdatedAt: r.UpdatedAt}
			if len(r.Remote) > 0 {
				if data, err := PayloadFromFields(et, a.fields.fromWire(et, r.Remote)); err == nil {
					remote.Data = data
				}
			}
			result.Conflicts = append(result.Conflicts, RawConflict{
				EntityType: et,
				EntityID:   change.EntityID,
				ChangeID:   change.ID,
				Local:      change.Version(),
				Remote:     remote,
				Reason:     r.Message,
			})
		default:
			a.client.logger.Debug("item rejected",
				zap.String("op", op), zap.String("entity_id", change.EntityID), zap.String("reason", r.Message))
		}
		// each change is counted once even when the response repeats an id
		delete(byID, r.ID)
	}
	return result, nil
}

func (a *RESTAdapter) pull(ctx context.Context, op, path string, et EntityType, local LocalView) (OperationResult, error) {
	var result OperationResult
	if path == "" {
		return result, &AdapterError{Marketplace: a.client.mp, Op: op, Err: errors.New("operation not supported")}
	}

	a.mu.Lock()
	since := a.cursors[et]
	a.mu.Unlock()

	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	var resp pullResponse
	if err := a.client.Do(ctx, op, http.MethodGet, path, query, nil, &resp); err != nil {
		return result, err
	}

	newest := since
	for _, item := range resp.Items {
		result.Total++
		if item.UpdatedAt.After(newest) {
			newest = item.UpdatedAt
		}

		data, err := PayloadFromFields(et, a.fields.fromWire(et, item.Data))
		if err == nil {
			err = Validate(item.ID, data)
		}
		if err != nil {
			a.client.logger.Debug("invalid record", zap.String("op", op), zap.String("entity_id", item.ID), zap.Error(err))
			continue
		}

		record := Record{
			EntityType: et,
			EntityID:   item.ID,
			Data:       data,
			Changed:    a.fields.namesFromWire(et, item.Changed),
			UpdatedAt:  item.UpdatedAt,
		}
		if local != nil {
			if change, pending := local.PendingChange(et, item.ID); pending {
				result.Conflicts = append(result.Conflicts, RawConflict{
					EntityType: et,
					EntityID:   item.ID,
					ChangeID:   change.ID,
					Local:      change.Version(),
					Remote:     record.Version(),
					Reason:     "remote update contradicts uncommitted local change",
				})
				continue
			}
		}
		result.Successful++
		result.Records = append(result.Records, record)
	}

	if newest.After(since) {
		result.Cursor = newest
	}
	return result, nil
}

// CommitCursor moves the pull cursor of an entity type forward
func (a *RESTAdapter) CommitCursor(et EntityType, to time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if to.After(a.cursors[et]) {
		a.cursors[et] = to
	}
}
