package marketplace

import (
	"fmt"
	"strings"
)

// Marketplace identifies one of the supported sales channels
type Marketplace string

const (
	Trendyol    Marketplace = "trendyol"
	Amazon      Marketplace = "amazon"
	N11         Marketplace = "n11"
	Ebay        Marketplace = "ebay"
	Hepsiburada Marketplace = "hepsiburada"
	Ozon        Marketplace = "ozon"
)

// All returns the six supported marketplaces in their default priority order
func All() []Marketplace {
	return []Marketplace{Trendyol, Amazon, N11, Hepsiburada, Ozon, Ebay}
}

// Parse converts a user supplied name into a Marketplace
func Parse(name string) (Marketplace, error) {
	mp := Marketplace(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range All() {
		if mp == known {
			return mp, nil
		}
	}
	return "", fmt.Errorf("unknown marketplace: %q", name)
}

// ParseList parses a list of names, rejecting duplicates
func ParseList(names []string) ([]Marketplace, error) {
	seen := make(map[Marketplace]bool, len(names))
	result := make([]Marketplace, 0, len(names))
	for _, name := range names {
		mp, err := Parse(name)
		if err != nil {
			return nil, err
		}
		if seen[mp] {
			continue
		}
		seen[mp] = true
		result = append(result, mp)
	}
	return result, nil
}

// EntityType represents the type of entity being synchronized
type EntityType string

const (
	EntityProduct   EntityType = "product"
	EntityOrder     EntityType = "order"
	EntityInventory EntityType = "inventory"
	EntityPrice     EntityType = "price"
	EntityCategory  EntityType = "category"
)

// EntityTypes lists every entity type known to the sync core
func EntityTypes() []EntityType {
	return []EntityType{EntityProduct, EntityOrder, EntityInventory, EntityPrice, EntityCategory}
}

// ParseEntityType validates an entity type name
func ParseEntityType(name string) (EntityType, error) {
	et := EntityType(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range EntityTypes() {
		if et == known {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", name)
}

// Direction defines the direction of a sync operation
type Direction string

const (
	Outbound Direction = "outbound" // local -> marketplace
	Inbound  Direction = "inbound"  // marketplace -> local
)

// Side names one of the two versions in a conflict
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)
