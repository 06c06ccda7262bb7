// Package platform defines the capability contract of the low-level session
// client that authenticates against the trading platform and exchanges offers
// with it. The wire protocol itself lives outside this repository; the fleet
// consumes implementations of SessionClient and never links one directly.
package platform

import (
	"context"
	"time"

	"tradefleet/internal/models"
)

// Credentials are handed to Connect for one login attempt. LoginKey, when
// present, takes precedence over Password. GuardCode answers a pending
// email-channel guard challenge.
type Credentials struct {
	Login     string
	Password  string
	LoginKey  string
	GuardCode string
	Proxy     string
}

// Offer is the platform's current view of one trade offer.
type Offer struct {
	ID             string            `json:"id"`
	TradeID        string            `json:"trade_id,omitempty"`
	PartnerID      string            `json:"partner_id"`
	State          models.OfferState `json:"state"`
	Message        string            `json:"message,omitempty"`
	ItemsToGive    []models.Asset    `json:"items_to_give,omitempty"`
	ItemsToReceive []models.Asset    `json:"items_to_receive,omitempty"`
}

// OfferFilter selects which offers ListOffers returns.
type OfferFilter struct {
	Received         bool
	Sent             bool
	ActiveOnly       bool
	HistoricalCutoff time.Time
}

// OfferList is the result of one ListOffers call.
type OfferList struct {
	Received []Offer `json:"received"`
	Sent     []Offer `json:"sent"`
}

// OfferSpec describes an offer to be created.
type OfferSpec struct {
	PartnerID      string         `json:"partner_id"`
	AccessToken    string         `json:"access_token"`
	Message        string         `json:"message,omitempty"`
	ItemsToGive    []models.Asset `json:"items_to_give,omitempty"`
	ItemsToReceive []models.Asset `json:"items_to_receive,omitempty"`
}

// HoldDuration reports the escrow hold, in days, each side would incur on a
// new offer. Sending is only allowed when both are zero.
type HoldDuration struct {
	Mine   int `json:"mine"`
	Theirs int `json:"theirs"`
}

// SessionClient is one authenticated platform connection. A client serves a
// single Connect; reconnection means dialing a fresh client. Implementations
// must be safe for concurrent use by the account that owns them, and distinct
// clients must not share mutable state.
type SessionClient interface {
	// Connect opens the session. Authentication progress and failures are
	// reported through Events, not the return value; Connect errors only when
	// the client cannot be reached at all.
	Connect(ctx context.Context, creds Credentials) error

	// Disconnect tears the session down. The event channel is closed once the
	// disconnect is effective.
	Disconnect()

	// Events streams session lifecycle events until disconnect.
	Events() <-chan Event

	ListOffers(ctx context.Context, filter OfferFilter) (*OfferList, error)
	GetOffer(ctx context.Context, offerID string) (*Offer, error)

	// CreateOffer sends a new offer and returns its assigned id.
	CreateOffer(ctx context.Context, spec OfferSpec) (string, error)

	AcceptOffer(ctx context.Context, offerID string) error
	DeclineOffer(ctx context.Context, offerID string) error
	CancelOffer(ctx context.Context, offerID string) error

	// GetHoldDuration queries the escrow hold both sides would incur when
	// trading with partner via the given access token.
	GetHoldDuration(ctx context.Context, partnerID, accessToken string) (*HoldDuration, error)

	// FetchInventory lists owner's inventory for one app scope.
	FetchInventory(ctx context.Context, ownerID string, appID int) ([]models.InventoryItem, error)

	// ReceiptItems lists the items actually received for a completed trade.
	ReceiptItems(ctx context.Context, tradeID string) ([]models.Asset, error)

	// ConfirmAll runs a mobile confirmation sweep signed with the identity
	// secret, confirming any offers pending confirmation.
	ConfirmAll(ctx context.Context, identitySecret string) error

	// RegisterAPIKey obtains (or re-reads) the account's web API key for the
	// given domain.
	RegisterAPIKey(ctx context.Context, domain string) (string, error)

	// TradeLink returns the account's trade access token and link.
	TradeLink(ctx context.Context) (token, link string, err error)
}

// Dialer builds a fresh SessionClient for one login attempt.
type Dialer interface {
	Dial() SessionClient
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func() SessionClient

func (f DialerFunc) Dial() SessionClient { return f() }
