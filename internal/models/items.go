package models

// Asset is one concrete item instance inside an offer or inventory.
type Asset struct {
	AssetID    string `json:"asset_id"`
	ClassID    string `json:"class_id"`
	InstanceID string `json:"instance_id"`
	AppID      int    `json:"app_id"`
	ContextID  int    `json:"context_id"`
}

// ItemTag is one descriptive tag on an item description.
type ItemTag struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// InventoryItem is an asset joined with its description, as returned by an
// inventory fetch.
type InventoryItem struct {
	Asset
	MarketName string    `json:"market_hash_name"`
	Type       string    `json:"type"`
	Tradable   bool      `json:"tradable"`
	Tags       []ItemTag `json:"tags,omitempty"`
}
