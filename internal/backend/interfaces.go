// Package backend defines the contract of the decision/persistence service
// the fleet reports to. The service owns trade records, account state and the
// accept/decline policy; the fleet only calls it.
package backend

import (
	"context"
	"errors"

	"tradefleet/internal/models"
)

// ErrNotFound is returned by lookups when the backend has no record.
var ErrNotFound = errors.New("backend: not found")

// ErrorKind classifies an account failure reported upstream.
type ErrorKind string

const (
	// ErrorAPIKey: the provisioning pipeline could not obtain an API key.
	ErrorAPIKey ErrorKind = "api_key"

	// ErrorInvalidAPIKey: the platform rejected the stored API key.
	ErrorInvalidAPIKey ErrorKind = "wrong_api_key"

	// ErrorGeneralSession: a platform session error, with its code.
	ErrorGeneralSession ErrorKind = "general"

	// ErrorEmailGuard: a guard code is required from the account's mailbox and
	// operator action is needed.
	ErrorEmailGuard ErrorKind = "email_guard"
)

// ErrorReport is the structured failure pushed through ReportError.
type ErrorReport struct {
	AccountID string    `json:"account_id"`
	Kind      ErrorKind `json:"type"`
	Code      int       `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DecisionContext is everything the backend needs to decide on an incoming
// offer. Descriptions must cover every item in the offer.
type DecisionContext struct {
	Direction    string                 `json:"direction"`
	AccountID    string                 `json:"account_id"`
	Offer        *models.TradeSnapshot  `json:"offer"`
	Descriptions []models.InventoryItem `json:"descriptions"`
}

// TradeRequestResult reports the outcome of a create-trade request. Exactly
// one of OfferID or Err is set.
type TradeRequestResult struct {
	OfferID string `json:"offer_id,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Client is the backend API surface consumed by the fleet. Implementations
// must be safe for concurrent use by every account session at once.
type Client interface {
	// ReportError funnels every externally visible account failure upstream.
	ReportError(ctx context.Context, report ErrorReport) error

	// ReportOnline is the periodic heartbeat for one account.
	ReportOnline(ctx context.Context, accountID string) error

	PersistLoginKey(ctx context.Context, accountID, key string) error
	PersistAPIKey(ctx context.Context, accountID, key string) error
	PersistTradeLink(ctx context.Context, accountID, link string) error

	// PersistPlatformID records the platform id assigned to a login after its
	// first successful authentication.
	PersistPlatformID(ctx context.Context, login, platformID string) error

	PersistTrade(ctx context.Context, accountID string, snap *models.TradeSnapshot) error
	PersistInventory(ctx context.Context, accountID string, items []models.InventoryItem) error

	// FetchTradeDecision asks whether an offer should be accepted.
	FetchTradeDecision(ctx context.Context, decision DecisionContext) (bool, error)

	// FetchGuardCode returns a time-based guard code for the account.
	FetchGuardCode(ctx context.Context, accountID string) (string, error)

	// FetchTradeRecord returns the backend's record of an offer, or
	// ErrNotFound.
	FetchTradeRecord(ctx context.Context, offerID string) (*models.TradeRecord, error)

	// ReportTradeRequestResult resolves a create-trade request, successfully
	// or not.
	ReportTradeRequestResult(ctx context.Context, requestID string, result TradeRequestResult) error
}
