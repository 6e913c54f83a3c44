package square

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

// TransformConfig tunes how raw Square records map to unified records.
type TransformConfig struct {
	DefaultUnit     string
	DefaultCategory string
	// CategoryMap renames Square categories, keyed by lower-cased Square name.
	CategoryMap map[string]string
	// UnitAliases maps a word found in an item or variation name to a unit.
	UnitAliases map[string]string
}

// DefaultTransformConfig returns the built-in unit aliases and no category renames.
func DefaultTransformConfig() TransformConfig {
	aliases := map[string]string{}
	add := func(unit string, words ...string) {
		for _, w := range words {
			aliases[w] = unit
		}
	}
	add("lb", "lb", "lbs", "pound", "pounds")
	add("kg", "kg", "kgs", "kilo", "kilogram", "kilograms")
	add("g", "g", "gram", "grams")
	add("oz", "oz", "ounce", "ounces")
	add("l", "l", "liter", "liters", "litre", "litres")
	add("ml", "ml", "milliliter", "milliliters")
	add("gal", "gal", "gallon", "gallons")
	add("case", "case", "cases")
	add("bottle", "bottle", "bottles", "btl")
	add("can", "can", "cans")
	add("each", "each", "ea", "pc", "pcs", "piece", "pieces")

	return TransformConfig{
		DefaultUnit:     "each",
		DefaultCategory: "Uncategorized",
		CategoryMap:     map[string]string{},
		UnitAliases:     aliases,
	}
}

// Transformer maps stored Square raw records to unified records. It keeps no
// state between calls.
type Transformer struct {
	cfg TransformConfig
}

// NewTransformer fills unset config fields from DefaultTransformConfig.
func NewTransformer(cfg TransformConfig) *Transformer {
	def := DefaultTransformConfig()
	if cfg.DefaultUnit == "" {
		cfg.DefaultUnit = def.DefaultUnit
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = def.DefaultCategory
	}
	if cfg.UnitAliases == nil {
		cfg.UnitAliases = def.UnitAliases
	}
	return &Transformer{cfg: cfg}
}

var _ pos.Transformer = (*Transformer)(nil)

// TransformInventory yields one outcome per variation record, ordered by
// variation id. Categories, items and counts in records are lookup data.
func (t *Transformer) TransformInventory(restaurantID uint, records []models.RawRecord) []pos.InventoryOutcome {
	categories := map[string]string{}
	items := map[string]catalogObject{}
	stock := map[string]decimal.Decimal{}
	var variations []models.RawRecord

	for _, rec := range records {
		switch rec.Kind {
		case models.RawKindCatalogCategory:
			var obj catalogObject
			if json.Unmarshal(rec.Payload, &obj) == nil && obj.CategoryData != nil {
				categories[rec.ExternalID] = obj.CategoryData.Name
			}
		case models.RawKindCatalogItem:
			var obj catalogObject
			if json.Unmarshal(rec.Payload, &obj) == nil && obj.ItemData != nil {
				obj.IsDeleted = obj.IsDeleted || rec.IsDeleted
				items[rec.ExternalID] = obj
			}
		case models.RawKindInventoryCount:
			var c inventoryCount
			if json.Unmarshal(rec.Payload, &c) != nil || c.State != "IN_STOCK" {
				continue
			}
			q, err := decimal.NewFromString(c.Quantity)
			if err != nil {
				continue
			}
			stock[c.CatalogObjectID] = stock[c.CatalogObjectID].Add(q)
		case models.RawKindCatalogVariation:
			variations = append(variations, rec)
		}
	}

	sort.SliceStable(variations, func(i, j int) bool {
		return variations[i].ExternalID < variations[j].ExternalID
	})

	out := make([]pos.InventoryOutcome, 0, len(variations))
	for _, rec := range variations {
		item, err := t.inventoryItem(restaurantID, rec, categories, items, stock)
		out = append(out, pos.InventoryOutcome{RawID: rec.ID, SourceID: rec.ExternalID, Item: item, Err: err})
	}
	return out
}

func (t *Transformer) inventoryItem(restaurantID uint, rec models.RawRecord, categories map[string]string, items map[string]catalogObject, stock map[string]decimal.Decimal) (*models.InventoryItem, error) {
	var v catalogObject
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode variation: %w", err)
	}
	vd := v.ItemVariationData
	if vd == nil {
		return nil, errors.New("variation has no item_variation_data")
	}

	parentID := firstNonEmpty(vd.ItemID, rec.ParentExternalID)
	parent, ok := items[parentID]
	if !ok {
		return nil, fmt.Errorf("parent item %q not found", parentID)
	}
	itemName := strings.TrimSpace(parent.ItemData.Name)
	if itemName == "" {
		return nil, fmt.Errorf("parent item %q has no name", parentID)
	}

	variationName := strings.TrimSpace(vd.Name)
	name := itemName
	if variationName != "" && !strings.EqualFold(variationName, "Regular") && !strings.EqualFold(variationName, itemName) {
		name = itemName + " - " + variationName
	}

	item := &models.InventoryItem{
		RestaurantID: restaurantID,
		Source:       provider,
		SourceID:     rec.ExternalID,
		SourceRawID:  rec.ID,
		Name:         name,
		Category:     t.category(categories[parent.ItemData.primaryCategoryID()]),
		Unit:         t.inferUnit(variationName, itemName),
		SKU:          vd.SKU,
		Quantity:     stock[rec.ExternalID],
		IsActive:     !rec.IsDeleted && !v.IsDeleted && !parent.IsDeleted,
	}
	if vd.PriceMoney != nil {
		item.UnitCostCents = vd.PriceMoney.Amount
		item.Currency = vd.PriceMoney.Currency
	}
	return item, nil
}

func (t *Transformer) category(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return t.cfg.DefaultCategory
	}
	if mapped, ok := t.cfg.CategoryMap[strings.ToLower(name)]; ok {
		return mapped
	}
	return name
}

// inferUnit returns the unit of the first alias word found in texts, in order.
// Words like "12oz" are matched without their numeric prefix.
func (t *Transformer) inferUnit(texts ...string) string {
	for _, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
		})
		for _, w := range words {
			w = strings.TrimLeft(w, "0123456789.")
			if unit, ok := t.cfg.UnitAliases[w]; ok {
				return unit
			}
		}
	}
	return t.cfg.DefaultUnit
}

// TransformSales yields one outcome per line item record, ordered by line item id.
func (t *Transformer) TransformSales(restaurantID uint, records []models.RawRecord) []pos.SalesOutcome {
	lines := make([]models.RawRecord, 0, len(records))
	for _, rec := range records {
		if rec.Kind == models.RawKindOrderLineItem {
			lines = append(lines, rec)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].ExternalID < lines[j].ExternalID
	})

	out := make([]pos.SalesOutcome, 0, len(lines))
	for _, rec := range lines {
		tx, err := t.salesTransaction(restaurantID, rec)
		out = append(out, pos.SalesOutcome{RawID: rec.ID, SourceID: rec.ExternalID, Transaction: tx, Err: err})
	}
	return out
}

func (t *Transformer) salesTransaction(restaurantID uint, rec models.RawRecord) (*models.SalesTransaction, error) {
	var env lineItemEnvelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode line item envelope: %w", err)
	}
	var li orderLineItem
	if err := json.Unmarshal(env.LineItem, &li); err != nil {
		return nil, fmt.Errorf("decode line item: %w", err)
	}
	if env.ClosedAt == nil {
		return nil, errors.New("order has no closed_at")
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(li.Quantity))
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q", li.Quantity)
	}

	name := strings.TrimSpace(li.Name)
	if vn := strings.TrimSpace(li.VariationName); vn != "" && !strings.EqualFold(vn, "Regular") && !strings.EqualFold(vn, name) {
		if name == "" {
			name = vn
		} else {
			name = name + " - " + vn
		}
	}
	if name == "" {
		name = "Custom amount"
	}

	tx := &models.SalesTransaction{
		RestaurantID:     restaurantID,
		Source:           provider,
		SourceLineItemID: rec.ExternalID,
		SourceOrderID:    env.OrderID,
		SourceRawID:      rec.ID,
		SourceCatalogID:  li.CatalogObjectID,
		ItemName:         name,
		Quantity:         qty,
		LocationID:       env.LocationID,
		TransactionAt:    env.ClosedAt.UTC(),
	}
	if li.BasePriceMoney != nil {
		tx.UnitPriceCents = li.BasePriceMoney.Amount
		tx.Currency = li.BasePriceMoney.Currency
	}
	total := li.TotalMoney
	if total == nil {
		total = li.GrossSalesMoney
	}
	if total != nil {
		tx.TotalCents = total.Amount
		if tx.Currency == "" {
			tx.Currency = total.Currency
		}
	}
	return tx, nil
}
