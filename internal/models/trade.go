package models

import "time"

// TradeKind distinguishes which direction items flow for a locally built
// offer: deposits request items from the counterparty, withdrawals give
// items away.
type TradeKind string

const (
	TradeDeposit  TradeKind = "deposit"
	TradeWithdraw TradeKind = "withdraw"
)

// Fail reasons recorded on trades that end in the failed state.
const (
	FailedToFetchReceiptItems = "failed_to_fetch_receipt_items"
)

// TradeRequest is the create-trade entry point payload handed to the fleet by
// the orchestrating process.
type TradeRequest struct {
	RequestID   string    `json:"request_id"`
	AccountID   string    `json:"account_id"`
	PartnerID   string    `json:"partner_id"`
	AccessToken string    `json:"access_token"`
	Message     string    `json:"message"`
	Kind        TradeKind `json:"kind"`
	Items       []Asset   `json:"items"`
}

// TradeSnapshot is the serializable form of a trade pushed to the backend on
// every meaningful transition. Two structurally equal snapshots in a row are
// persisted once.
type TradeSnapshot struct {
	OfferID        string          `json:"offer_id"`
	TradeID        string          `json:"trade_id,omitempty"`
	AccountID      string          `json:"account_id"`
	PartnerID      string          `json:"partner_id"`
	RequestID      string          `json:"request_id,omitempty"`
	Kind           TradeKind       `json:"kind,omitempty"`
	State          OfferState      `json:"state"`
	Done           bool            `json:"done"`
	Message        string          `json:"message,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
	ItemsToGive    []Asset         `json:"items_to_give,omitempty"`
	ItemsToReceive []Asset         `json:"items_to_receive,omitempty"`
	Receipt        []Asset         `json:"receipt,omitempty"`
	Descriptions   []InventoryItem `json:"descriptions,omitempty"`
}

// TradeRecord is the backend's view of a trade, used by reconciliation to
// detect divergence from the platform.
type TradeRecord struct {
	OfferID string     `json:"offer_id"`
	Status  OfferState `json:"status"`
}

// Notification is a fleet event fanned out to connected observers.
type Notification struct {
	AccountID string    `json:"account_id,omitempty"`
	Login     string    `json:"login,omitempty"`
	Event     string    `json:"event"`
	OfferID   string    `json:"offer_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
