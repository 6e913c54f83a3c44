package square

import (
	"encoding/json"
	"time"
)

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type apiErrorDetail struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Field    string `json:"field,omitempty"`
}

type errorResponse struct {
	Errors []apiErrorDetail `json:"errors"`
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    string `json:"expires_at"`
	MerchantID   string `json:"merchant_id"`
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token"`
}

type merchant struct {
	ID             string `json:"id"`
	BusinessName   string `json:"business_name"`
	Country        string `json:"country"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	MainLocationID string `json:"main_location_id"`
}

type merchantResponse struct {
	Merchant merchant `json:"merchant"`
}

type address struct {
	AddressLine1 string `json:"address_line_1"`
	AddressLine2 string `json:"address_line_2"`
	Locality     string `json:"locality"`
	District     string `json:"administrative_district_level_1"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
}

type location struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Address address `json:"address"`
}

type locationsResponse struct {
	Locations []location `json:"locations"`
}

type catalogSearchRequest struct {
	Cursor                string   `json:"cursor,omitempty"`
	ObjectTypes           []string `json:"object_types"`
	IncludeDeletedObjects bool     `json:"include_deleted_objects"`
	BeginTime             string   `json:"begin_time,omitempty"`
	Limit                 int      `json:"limit,omitempty"`
}

type catalogSearchResponse struct {
	Objects []json.RawMessage `json:"objects"`
	Cursor  string            `json:"cursor"`
}

type catalogObject struct {
	Type              string             `json:"type"`
	ID                string             `json:"id"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty"`
	IsDeleted         bool               `json:"is_deleted"`
	CategoryData      *categoryData      `json:"category_data,omitempty"`
	ItemData          *itemData          `json:"item_data,omitempty"`
	ItemVariationData *itemVariationData `json:"item_variation_data,omitempty"`
}

type categoryData struct {
	Name string `json:"name"`
}

type categoryRef struct {
	ID string `json:"id"`
}

type itemData struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	CategoryID  string            `json:"category_id"`
	Categories  []categoryRef     `json:"categories"`
	Variations  []json.RawMessage `json:"variations"`
}

// primaryCategoryID returns the legacy category_id or the first listed category.
func (d *itemData) primaryCategoryID() string {
	if d.CategoryID != "" {
		return d.CategoryID
	}
	if len(d.Categories) > 0 {
		return d.Categories[0].ID
	}
	return ""
}

type itemVariationData struct {
	ItemID            string `json:"item_id"`
	Name              string `json:"name"`
	SKU               string `json:"sku"`
	PricingType       string `json:"pricing_type"`
	PriceMoney        *money `json:"price_money,omitempty"`
	TrackInventory    bool   `json:"track_inventory"`
	MeasurementUnitID string `json:"measurement_unit_id"`
}

type inventoryCountsRequest struct {
	CatalogObjectIDs []string `json:"catalog_object_ids"`
	LocationIDs      []string `json:"location_ids,omitempty"`
	Cursor           string   `json:"cursor,omitempty"`
}

type inventoryCountsResponse struct {
	Counts []json.RawMessage `json:"counts"`
	Cursor string            `json:"cursor"`
}

type inventoryCount struct {
	CatalogObjectID   string     `json:"catalog_object_id"`
	CatalogObjectType string     `json:"catalog_object_type"`
	State             string     `json:"state"`
	LocationID        string     `json:"location_id"`
	Quantity          string     `json:"quantity"`
	CalculatedAt      *time.Time `json:"calculated_at,omitempty"`
}

type timeRange struct {
	StartAt string `json:"start_at,omitempty"`
	EndAt   string `json:"end_at,omitempty"`
}

type ordersSearchRequest struct {
	LocationIDs   []string    `json:"location_ids"`
	Cursor        string      `json:"cursor,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	ReturnEntries bool        `json:"return_entries"`
	Query         ordersQuery `json:"query"`
}

type ordersQuery struct {
	Filter ordersFilter `json:"filter"`
	Sort   ordersSort   `json:"sort"`
}

type ordersFilter struct {
	StateFilter    stateFilter    `json:"state_filter"`
	DateTimeFilter dateTimeFilter `json:"date_time_filter"`
}

type stateFilter struct {
	States []string `json:"states"`
}

type dateTimeFilter struct {
	ClosedAt timeRange `json:"closed_at"`
}

type ordersSort struct {
	SortField string `json:"sort_field"`
	SortOrder string `json:"sort_order"`
}

type ordersSearchResponse struct {
	Orders []json.RawMessage `json:"orders"`
	Cursor string            `json:"cursor"`
}

type order struct {
	ID         string            `json:"id"`
	LocationID string            `json:"location_id"`
	State      string            `json:"state"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
	ClosedAt   *time.Time        `json:"closed_at,omitempty"`
	LineItems  []json.RawMessage `json:"line_items"`
}

type orderLineItem struct {
	UID             string `json:"uid"`
	CatalogObjectID string `json:"catalog_object_id"`
	Name            string `json:"name"`
	VariationName   string `json:"variation_name"`
	Quantity        string `json:"quantity"`
	BasePriceMoney  *money `json:"base_price_money,omitempty"`
	GrossSalesMoney *money `json:"gross_sales_money,omitempty"`
	TotalMoney      *money `json:"total_money,omitempty"`
}

// lineItemEnvelope is what gets stored for a line item: the verbatim line item
// plus the order context a transformation needs.
type lineItemEnvelope struct {
	OrderID    string          `json:"order_id"`
	LocationID string          `json:"location_id"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	LineItem   json.RawMessage `json:"line_item"`
}

type webhookEvent struct {
	MerchantID string          `json:"merchant_id"`
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	CreatedAt  string          `json:"created_at"`
	Data       json.RawMessage `json:"data"`
}
