package marketplace

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Payload is the typed body of a synchronized entity. Every variant maps to
// exactly one EntityType.
type Payload interface {
	EntityType() EntityType
	// Fields returns the non-zero fields of the payload keyed by canonical name
	Fields() map[string]interface{}
}

// ProductData is the canonical product representation
type ProductData struct {
	SKU         string                 `json:"sku" validate:"required"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Brand       string                 `json:"brand,omitempty"`
	Barcode     string                 `json:"barcode,omitempty"`
	CategoryID  string                 `json:"category_id,omitempty"`
	Price       float64                `json:"price,omitempty" validate:"gte=0"`
	Quantity    int                    `json:"quantity,omitempty" validate:"gte=0"`
	Status      string                 `json:"status,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// OrderLine is a single line of a marketplace order
type OrderLine struct {
	SKU       string  `json:"sku" validate:"required"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

// OrderData is the canonical order representation
type OrderData struct {
	OrderNumber  string      `json:"order_number" validate:"required"`
	Status       string      `json:"status,omitempty"`
	CustomerName string      `json:"customer_name,omitempty"`
	Total        float64     `json:"total,omitempty" validate:"gte=0"`
	Currency     string      `json:"currency,omitempty"`
	Lines        []OrderLine `json:"lines,omitempty" validate:"dive"`
}

// InventoryData is a stock level for one SKU
type InventoryData struct {
	SKU       string `json:"sku" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
	Warehouse string `json:"warehouse,omitempty"`
}

// PriceData is the price of one SKU
type PriceData struct {
	SKU       string  `json:"sku" validate:"required"`
	ListPrice float64 `json:"list_price,omitempty" validate:"gte=0"`
	SalePrice float64 `json:"sale_price,omitempty" validate:"gte=0"`
	Currency  string  `json:"currency,omitempty"`
}

// CategoryData maps a local category onto a marketplace category. Confidence
// is the score reported by the category-mapping collaborator.
type CategoryData struct {
	CategoryID       string  `json:"category_id" validate:"required"`
	Name             string  `json:"name,omitempty"`
	ParentID         string  `json:"parent_id,omitempty"`
	RemoteCategoryID string  `json:"remote_category_id,omitempty"`
	Confidence       float64 `json:"confidence,omitempty" validate:"gte=0,lte=1"`
}

func (ProductData) EntityType() EntityType   { return EntityProduct }
func (OrderData) EntityType() EntityType     { return EntityOrder }
func (InventoryData) EntityType() EntityType { return EntityInventory }
func (PriceData) EntityType() EntityType     { return EntityPrice }
func (CategoryData) EntityType() EntityType  { return EntityCategory }

var productKnownFields = map[string]bool{
	"sku": true, "name": true, "description": true, "brand": true, "barcode": true,
	"category_id": true, "price": true, "quantity": true, "status": true,
}

// Fields flattens Attributes next to the fixed product fields
func (p ProductData) Fields() map[string]interface{} {
	f := make(map[string]interface{})
	putString(f, "sku", p.SKU)
	putString(f, "name", p.Name)
	putString(f, "description", p.Description)
	putString(f, "brand", p.Brand)
	putString(f, "barcode", p.Barcode)
	putString(f, "category_id", p.CategoryID)
	putFloat(f, "price", p.Price)
	putInt(f, "quantity", p.Quantity)
	putString(f, "status", p.Status)
	for k, v := range p.Attributes {
		if !productKnownFields[k] {
			f[k] = v
		}
	}
	return f
}

func (o OrderData) Fields() map[string]interface{} {
	f := make(map[string]interface{})
	putString(f, "order_number", o.OrderNumber)
	putString(f, "status", o.Status)
	putString(f, "customer_name", o.CustomerName)
	putFloat(f, "total", o.Total)
	putString(f, "currency", o.Currency)
	if len(o.Lines) > 0 {
		lines := make([]OrderLine, len(o.Lines))
		copy(lines, o.Lines)
		f["lines"] = lines
	}
	return f
}

func (i InventoryData) Fields() map[string]interface{} {
	f := make(map[string]interface{})
	putString(f, "sku", i.SKU)
	// zero stock is a meaningful value
	f["quantity"] = i.Quantity
	putString(f, "warehouse", i.Warehouse)
	return f
}

func (p PriceData) Fields() map[string]interface{} {
	f := make(map[string]interface{})
	putString(f, "sku", p.SKU)
	putFloat(f, "list_price", p.ListPrice)
	putFloat(f, "sale_price", p.SalePrice)
	putString(f, "currency", p.Currency)
	return f
}

func (c CategoryData) Fields() map[string]interface{} {
	f := make(map[string]interface{})
	putString(f, "category_id", c.CategoryID)
	putString(f, "name", c.Name)
	putString(f, "parent_id", c.ParentID)
	putString(f, "remote_category_id", c.RemoteCategoryID)
	putFloat(f, "confidence", c.Confidence)
	return f
}

// zeroFields holds the zero value of each fixed field that Fields omits
var zeroFields = map[EntityType]map[string]interface{}{
	EntityProduct: {
		"sku": "", "name": "", "description": "", "brand": "", "barcode": "",
		"category_id": "", "price": 0.0, "quantity": 0, "status": "",
	},
	EntityOrder:     {"order_number": "", "status": "", "customer_name": "", "total": 0.0, "currency": ""},
	EntityInventory: {"sku": "", "quantity": 0, "warehouse": ""},
	EntityPrice:     {"sku": "", "list_price": 0.0, "sale_price": 0.0, "currency": ""},
	EntityCategory:  {"category_id": "", "name": "", "parent_id": "", "remote_category_id": "", "confidence": 0.0},
}

// FieldsWith returns the payload fields plus the zero value of every changed
// field that Fields leaves out. An edit to 0 or "" is a value, not an absence.
func FieldsWith(p Payload, changed []string) map[string]interface{} {
	f := p.Fields()
	zeros := zeroFields[p.EntityType()]
	for _, k := range changed {
		if _, ok := f[k]; ok {
			continue
		}
		if z, ok := zeros[k]; ok {
			f[k] = z
		}
	}
	return f
}

// PayloadFromFields rebuilds a typed payload from a canonical field map
func PayloadFromFields(entityType EntityType, fields map[string]interface{}) (Payload, error) {
	switch entityType {
	case EntityProduct:
		p := ProductData{}
		var err error
		for k, v := range fields {
			switch k {
			case "sku":
				p.SKU, err = asString(k, v)
			case "name":
				p.Name, err = asString(k, v)
			case "description":
				p.Description, err = asString(k, v)
			case "brand":
				p.Brand, err = asString(k, v)
			case "barcode":
				p.Barcode, err = asString(k, v)
			case "category_id":
				p.CategoryID, err = asString(k, v)
			case "price":
				p.Price, err = asFloat(k, v)
			case "quantity":
				p.Quantity, err = asInt(k, v)
			case "status":
				p.Status, err = asString(k, v)
			default:
				if p.Attributes == nil {
					p.Attributes = make(map[string]interface{})
				}
				p.Attributes[k] = v
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case EntityOrder:
		o := OrderData{}
		var err error
		for k, v := range fields {
			switch k {
			case "order_number":
				o.OrderNumber, err = asString(k, v)
			case "status":
				o.Status, err = asString(k, v)
			case "customer_name":
				o.CustomerName, err = asString(k, v)
			case "total":
				o.Total, err = asFloat(k, v)
			case "currency":
				o.Currency, err = asString(k, v)
			case "lines":
				o.Lines, err = asOrderLines(v)
			default:
				err = fmt.Errorf("unknown order field %q", k)
			}
			if err != nil {
				return nil, err
			}
		}
		return o, nil

	case EntityInventory:
		i := InventoryData{}
		var err error
		for k, v := range fields {
			switch k {
			case "sku":
				i.SKU, err = asString(k, v)
			case "quantity":
				i.Quantity, err = asInt(k, v)
			case "warehouse":
				i.Warehouse, err = asString(k, v)
			default:
				err = fmt.Errorf("unknown inventory field %q", k)
			}
			if err != nil {
				return nil, err
			}
		}
		return i, nil

	case EntityPrice:
		p := PriceData{}
		var err error
		for k, v := range fields {
			switch k {
			case "sku":
				p.SKU, err = asString(k, v)
			case "list_price":
				p.ListPrice, err = asFloat(k, v)
			case "sale_price":
				p.SalePrice, err = asFloat(k, v)
			case "currency":
				p.Currency, err = asString(k, v)
			default:
				err = fmt.Errorf("unknown price field %q", k)
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case EntityCategory:
		c := CategoryData{}
		var err error
		for k, v := range fields {
			switch k {
			case "category_id":
				c.CategoryID, err = asString(k, v)
			case "name":
				c.Name, err = asString(k, v)
			case "parent_id":
				c.ParentID, err = asString(k, v)
			case "remote_category_id":
				c.RemoteCategoryID, err = asString(k, v)
			case "confidence":
				c.Confidence, err = asFloat(k, v)
			default:
				err = fmt.Errorf("unknown category field %q", k)
			}
			if err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	return nil, fmt.Errorf("unsupported entity type: %s", entityType)
}

// envelope is the storage form of a payload
type envelope struct {
	EntityType EntityType             `json:"entity_type"`
	Fields     map[string]interface{} `json:"fields"`
}

// EncodePayload serializes a payload together with its type tag
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(envelope{EntityType: p.EntityType(), Fields: p.Fields()})
}

// DecodePayload is the inverse of EncodePayload
func DecodePayload(data []byte) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return PayloadFromFields(env.EntityType, env.Fields)
}

// SameValue compares two field values, treating all numeric kinds as equal
// when they hold the same number.
func SameValue(a, b interface{}) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// values decoded from JSON and values built in code differ in concrete
	// types, compare their JSON encodings as a last resort
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// SortedKeys returns the keys of a field map in lexical order
func SortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func putString(f map[string]interface{}, key, v string) {
	if v != "" {
		f[key] = v
	}
}

func putFloat(f map[string]interface{}, key string, v float64) {
	if v != 0 {
		f[key] = v
	}
}

func putInt(f map[string]interface{}, key string, v int) {
	if v != 0 {
		f[key] = v
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asString(key string, v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	case fmt.Stringer:
		return s.String(), nil
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("field %q: expected string, got %T", key, v)
}

func asFloat(key string, v interface{}) (float64, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return f, nil
	}
	if v == nil {
		return 0, nil
	}
	return 0, fmt.Errorf("field %q: expected number, got %T", key, v)
}

func asInt(key string, v interface{}) (int, error) {
	f, err := asFloat(key, v)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("field %q: expected integer, got %v", key, f)
	}
	return int(f), nil
}

func asOrderLines(v interface{}) ([]OrderLine, error) {
	if lines, ok := v.([]OrderLine); ok {
		out := make([]OrderLine, len(lines))
		copy(out, lines)
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("field \"lines\": %w", err)
	}
	var lines []OrderLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("field \"lines\": %w", err)
	}
	return lines, nil
}
