package marketplace

import (
	"fmt"

	"go.uber.org/zap"
)

// Default API roots
const (
	TrendyolBaseURL    = "https://api.trendyol.com/sapigw/suppliers"
	AmazonBaseURL      = "https://sellingpartnerapi-eu.amazon.com"
	N11BaseURL         = "https://api.n11.com"
	HepsiburadaBaseURL = "https://oms-external-sit.hepsiburada.com"
	OzonBaseURL        = "https://api-seller.ozon.ru"
	EbayBaseURL        = "https://api.ebay.com"
)

// DefaultBaseURL returns the production API root of a marketplace
func DefaultBaseURL(mp Marketplace) string {
	switch mp {
	case Trendyol:
		return TrendyolBaseURL
	case Amazon:
		return AmazonBaseURL
	case N11:
		return N11BaseURL
	case Hepsiburada:
		return HepsiburadaBaseURL
	case Ozon:
		return OzonBaseURL
	case Ebay:
		return EbayBaseURL
	}
	return ""
}

// New builds the adapter for a marketplace
func New(mp Marketplace, settings Settings, recorder RequestRecorder, logger *zap.Logger) (Adapter, error) {
	if settings.BaseURL == "" {
		settings.BaseURL = DefaultBaseURL(mp)
	}
	switch mp {
	case Trendyol:
		return NewTrendyol(settings, recorder, logger), nil
	case Amazon:
		return NewAmazon(settings, recorder, logger), nil
	case N11:
		return NewN11(settings, recorder, logger), nil
	case Hepsiburada:
		return NewHepsiburada(settings, recorder, logger), nil
	case Ozon:
		return NewOzon(settings, recorder, logger), nil
	case Ebay:
		return NewEbay(settings, recorder, logger), nil
	}
	return nil, fmt.Errorf("unknown marketplace: %q", mp)
}

// NewTrendyol creates the Trendyol supplier API adapter
func NewTrendyol(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	seller := "/" + settings.SellerID
	return NewRESTAdapter(NewClient(Trendyol, settings, recorder, logger), Endpoints{
		Health:           seller + "/addresses",
		Products:         seller + "/v2/products",
		Inventory:        seller + "/products/price-and-inventory",
		Prices:           seller + "/products/price-and-inventory",
		Categories:       seller + "/product-categories",
		Orders:           seller + "/orders",
		ProductUpdates:   seller + "/products",
		InventoryUpdates: seller + "/products/inventory",
		PriceUpdates:     seller + "/products/prices",
	}, FieldMap{
		EntityProduct: {
			"sku":         "stockCode",
			"name":        "title",
			"price":       "salePrice",
			"category_id": "categoryId",
		},
		EntityInventory: {"sku": "barcode"},
		EntityPrice:     {"sku": "barcode", "list_price": "listPrice", "sale_price": "salePrice"},
		EntityOrder:     {"order_number": "orderNumber", "customer_name": "customerFirstName", "total": "totalPrice"},
		EntityCategory:  {"category_id": "id", "parent_id": "parentId", "remote_category_id": "categoryId"},
	})
}

// NewAmazon creates the Amazon Selling Partner API adapter
func NewAmazon(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	return NewRESTAdapter(NewClient(Amazon, settings, recorder, logger), Endpoints{
		Health:           "/sellers/v1/marketplaceParticipations",
		Products:         "/listings/2021-08-01/items",
		Inventory:        "/fba/inventory/v1/items",
		Prices:           "/products/pricing/v0/items",
		Categories:       "/definitions/2020-09-01/productTypes",
		Orders:           "/orders/v0/orders",
		ProductUpdates:   "/catalog/2022-04-01/items",
		InventoryUpdates: "/fba/inventory/v1/summaries",
		PriceUpdates:     "/products/pricing/v0/price",
	}, FieldMap{
		EntityProduct:   {"sku": "seller_sku", "name": "item_name", "category_id": "product_type"},
		EntityInventory: {"sku": "seller_sku", "quantity": "fulfillable_quantity"},
		EntityPrice:     {"sku": "seller_sku", "list_price": "list_price", "sale_price": "landed_price"},
		EntityOrder:     {"order_number": "amazon_order_id", "status": "order_status", "total": "order_total"},
		EntityCategory:  {"category_id": "category_id", "remote_category_id": "product_type"},
	})
}

// NewN11 creates the N11 API adapter
func NewN11(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	return NewRESTAdapter(NewClient(N11, settings, recorder, logger), Endpoints{
		Products:         "/ms/product/tasks/product-create",
		Inventory:        "/ms/product/tasks/price-stock-update",
		Prices:           "/ms/product/tasks/price-stock-update",
		Categories:       "/cdn/categories",
		Orders:           "/rest/delivery/v1/shipmentPackages",
		ProductUpdates:   "/ms/product-query",
		InventoryUpdates: "/ms/product-query/stock",
		PriceUpdates:     "/ms/product-query/price",
	}, FieldMap{
		EntityProduct:   {"sku": "stockCode", "name": "title", "category_id": "categoryId"},
		EntityInventory: {"sku": "stockCode"},
		EntityPrice:     {"sku": "stockCode", "list_price": "listPrice", "sale_price": "salePrice"},
		EntityOrder:     {"order_number": "orderNumber", "status": "shipmentPackageStatus"},
	})
}

// NewHepsiburada creates the Hepsiburada merchant API adapter
func NewHepsiburada(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	merchant := "/merchantid/" + settings.SellerID
	return NewRESTAdapter(NewClient(Hepsiburada, settings, recorder, logger), Endpoints{
		Products:         "/product/api/products/import",
		Inventory:        "/listings" + merchant + "/stock-uploads",
		Prices:           "/listings" + merchant + "/price-uploads",
		Categories:       "/product/api/categories/get-all-categories",
		Orders:           "/orders" + merchant,
		ProductUpdates:   "/product/api/products/all-products-of-merchant" + "/" + settings.SellerID,
		InventoryUpdates: "/listings" + merchant + "/inventory",
		PriceUpdates:     "/listings" + merchant + "/prices",
	}, FieldMap{
		EntityProduct:   {"sku": "merchantSku", "name": "productName", "category_id": "categoryId"},
		EntityInventory: {"sku": "merchantSku", "quantity": "availableStock"},
		EntityPrice:     {"sku": "merchantSku", "sale_price": "price"},
		EntityOrder:     {"order_number": "orderNumber", "total": "totalPrice"},
	})
}

// NewOzon creates the Ozon seller API adapter
func NewOzon(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	return NewRESTAdapter(NewClient(Ozon, settings, recorder, logger), Endpoints{
		Health:           "/v1/warehouse/list",
		Products:         "/v3/product/import",
		Inventory:        "/v2/products/stocks",
		Prices:           "/v1/product/import/prices",
		Categories:       "/v1/description-category/tree",
		Orders:           "/v3/posting/fbs/list",
		ProductUpdates:   "/v3/product/list",
		InventoryUpdates: "/v4/product/info/stocks",
		PriceUpdates:     "/v5/product/info/prices",
	}, FieldMap{
		EntityProduct:   {"sku": "offer_id", "category_id": "description_category_id"},
		EntityInventory: {"sku": "offer_id", "quantity": "stock", "warehouse": "warehouse_id"},
		EntityPrice:     {"sku": "offer_id", "list_price": "old_price", "sale_price": "price", "currency": "currency_code"},
		EntityOrder:     {"order_number": "posting_number"},
		EntityCategory:  {"category_id": "description_category_id", "name": "category_name"},
	})
}

// NewEbay creates the eBay Sell API adapter
func NewEbay(settings Settings, recorder RequestRecorder, logger *zap.Logger) *RESTAdapter {
	return NewRESTAdapter(NewClient(Ebay, settings, recorder, logger), Endpoints{
		Health:           "/sell/account/v1/privilege",
		Products:         "/sell/inventory/v1/bulk_create_or_replace_inventory_item",
		Inventory:        "/sell/inventory/v1/bulk_update_price_quantity",
		Prices:           "/sell/inventory/v1/bulk_update_price_quantity",
		Categories:       "/commerce/taxonomy/v1/category_tree",
		Orders:           "/sell/fulfillment/v1/order",
		ProductUpdates:   "/sell/inventory/v1/inventory_item",
		InventoryUpdates: "/sell/inventory/v1/inventory_item/availability",
		PriceUpdates:     "/sell/inventory/v1/offer",
	}, FieldMap{
		EntityProduct:   {"name": "title", "category_id": "categoryId"},
		EntityInventory: {"quantity": "availableQuantity", "warehouse": "merchantLocationKey"},
		EntityPrice:     {"sale_price": "price"},
		EntityOrder:     {"order_number": "orderId", "status": "orderFulfillmentStatus", "total": "total"},
		EntityCategory:  {"category_id": "categoryId", "name": "categoryName", "parent_id": "parentCategoryId"},
	})
}
