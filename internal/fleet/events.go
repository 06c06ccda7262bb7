// Package fleet runs the account sessions, their trades and the orchestration
// on top of them. Each account's operations are serialized onto that
// account's own timeline; accounts never share mutable state with each other.
package fleet

import (
	"context"
	"time"

	"tradefleet/internal/models"
)

// Fixed operational constants. Entities copy these into fields at
// construction so tests can shorten them; they are not configurable per call.
const (
	loginTimeout         = 60 * time.Second
	heartbeatInterval    = 15 * time.Second
	offerPollInterval    = 30 * time.Second
	fetchSuppressWindow  = 3 * time.Second
	tradeRefreshInterval = 15 * time.Second
	acceptRetryInterval  = 10 * time.Second
	sendRetryInterval    = 5 * time.Second
	sendRetryMax         = 5
	postSendPokeDelay    = 5 * time.Second
	confirmCheckDelay    = 2 * time.Second
	inventoryRetryDelay  = 5 * time.Second
	guardCodeWindow      = 30 * time.Second

	// offerHistoricalWindow bounds how far back a full offer listing looks;
	// older terminal offers are the backend's problem, not the fleet's.
	offerHistoricalWindow = 30 * time.Minute
)

// TradeEventKind identifies a trade lifecycle event delivered to the owning
// session's dispatcher.
type TradeEventKind int

const (
	TradeChanged TradeEventKind = iota + 1
	TradeReady
	TradeSent
	TradeAccepted
	TradeDeclined
	TradeCanceled
	TradeFailed
	TradePendingConfirmation
	TradeStopped
)

func (k TradeEventKind) String() string {
	switch k {
	case TradeChanged:
		return "changed"
	case TradeReady:
		return "ready"
	case TradeSent:
		return "sent"
	case TradeAccepted:
		return "accepted"
	case TradeDeclined:
		return "declined"
	case TradeCanceled:
		return "canceled"
	case TradeFailed:
		return "failed"
	case TradePendingConfirmation:
		return "pending_confirmation"
	case TradeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TradeEvent is one typed message on a session's trade event channel.
type TradeEvent struct {
	Trade *Trade
	Kind  TradeEventKind
}

// Notifier fans fleet events out to observers. Implementations must not
// block.
type Notifier interface {
	Notify(n models.Notification)
}

// Store persists account mutations and trade snapshots locally, alongside the
// backend. The fleet works without one.
type Store interface {
	SaveAccount(ctx context.Context, account *models.Account) error
	ArchiveTrade(ctx context.Context, accountID string, snap *models.TradeSnapshot) error
}
