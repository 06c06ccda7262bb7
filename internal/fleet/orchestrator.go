package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

// Orchestrator-level request errors, mapped to API responses by the caller.
var (
	ErrInvalidRequest    = errors.New("fleet: invalid trade request")
	ErrAccountNotFound   = errors.New("fleet: account not found")
	ErrAccountInactive   = errors.New("fleet: account is inactive")
	ErrAccountOffline    = errors.New("fleet: account is offline")
	ErrAccountLoggingOff = errors.New("fleet: account is logging off")
)

// Options wires an Orchestrator's collaborators. Dialer, Backend and Logger
// are required; Store and Notifier are optional.
type Options struct {
	Dialer   platform.Dialer
	Backend  backend.Client
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger

	// Domain is presented to the platform when registering API keys.
	Domain string
}

// Orchestrator runs the whole fleet: one AccountSession per account, plus
// the reconciliation between the platform's offer listings and the sessions'
// tracked trades.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context

	mu       sync.RWMutex
	sessions []*AccountSession
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		ctx:    context.Background(),
	}
}

// AddAccount registers an account with the fleet and returns its session.
// The session is not started or logged in yet.
func (o *Orchestrator) AddAccount(account models.Account) *AccountSession {
	s := NewAccountSession(account, o.opts.Dialer, o.opts.Backend, o.logger)
	s.store = o.opts.Store
	s.notify = o.opts.Notifier
	s.domain = o.opts.Domain
	s.orch = o

	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s
}

// Start launches every session's dispatcher and logs the active accounts in.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	sessions := make([]*AccountSession, len(o.sessions))
	copy(sessions, o.sessions)
	o.mu.Unlock()

	o.logger.Info("starting the fleet", "accounts", len(sessions))
	for _, s := range sessions {
		s.Start(ctx)
		if s.IsActive() {
			go s.Login()
		}
	}
}

// Shutdown logs every session off in the given mode.
func (o *Orchestrator) Shutdown(mode LogOffMode) {
	for _, s := range o.Sessions() {
		s.LogOff(mode)
	}
}

// Sessions returns a snapshot of the registered sessions.
func (o *Orchestrator) Sessions() []*AccountSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*AccountSession, len(o.sessions))
	copy(out, o.sessions)
	return out
}

// SessionByLogin finds a session by login name, nil when unknown.
func (o *Orchestrator) SessionByLogin(login string) *AccountSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.sessions {
		if s.LoginName() == login {
			return s
		}
	}
	return nil
}

// SessionByPlatformID finds a session by platform account id, nil when
// unknown.
func (o *Orchestrator) SessionByPlatformID(id string) *AccountSession {
	if id == "" {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.sessions {
		if s.AccountID() == id {
			return s
		}
	}
	return nil
}

// Accounts returns the current account records for status reporting.
func (o *Orchestrator) Accounts() []models.Account {
	sessions := o.Sessions()
	out := make([]models.Account, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Account())
	}
	return out
}

// CreateTrade validates a create-trade request and hands it to the owning
// session. The send itself runs asynchronously; its outcome is reported
// through the backend's trade-request result channel.
func (o *Orchestrator) CreateTrade(req *models.TradeRequest) error {
	if req == nil || req.RequestID == "" || req.AccountID == "" ||
		req.PartnerID == "" || req.AccessToken == "" || len(req.Items) == 0 {
		return ErrInvalidRequest
	}
	if req.Kind != models.TradeDeposit && req.Kind != models.TradeWithdraw {
		return ErrInvalidRequest
	}

	s := o.SessionByPlatformID(req.AccountID)
	if s == nil {
		return ErrAccountNotFound
	}
	if !s.IsActive() {
		return ErrAccountInactive
	}
	if !s.IsOnline() || !s.IsReady() {
		return ErrAccountOffline
	}
	if s.IsLoggingOff() {
		return ErrAccountLoggingOff
	}

	t := newRequestTrade(s, req)
	s.addTrade(t)
	o.logger.Info("trade request dispatched",
		"request", req.RequestID, "account", s.LoginName(), "kind", string(req.Kind))
	go t.Send()
	return nil
}

// reconcile walks a session's fresh offer listing: untracked live offers are
// adopted, and sent offers the backend disagrees about get a recheck.
func (o *Orchestrator) reconcile(s *AccountSession, list *platform.OfferList) {
	if list == nil {
		return
	}
	for _, offer := range list.Received {
		o.checkAndPush(s, offer, true)
	}
	for _, offer := range list.Sent {
		o.checkAndPush(s, offer, false)
	}
}

func (o *Orchestrator) checkAndPush(s *AccountSession, offer platform.Offer, incoming bool) {
	if s.TradeByOfferID(offer.ID) != nil {
		return
	}
	if offer.State == models.OfferActive {
		s.adoptOffer(offer, incoming)
		return
	}
	if incoming {
		return
	}
	if offer.State == models.OfferAccepted || offer.State == models.OfferDeclined {
		go o.recheckSentOffer(s, offer)
	}
}

// recheckSentOffer compares an untracked terminal sent offer against the
// backend's record. On a mismatch the offer is re-adopted in the synthetic
// recheck state so a full pass runs; the backend record is never mutated
// from here.
func (o *Orchestrator) recheckSentOffer(s *AccountSession, offer platform.Offer) {
	rec, err := o.opts.Backend.FetchTradeRecord(o.ctx, offer.ID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		// Unknown to the backend; recheck from scratch.
	case err != nil:
		o.logger.Error("could not fetch trade record", "offer", offer.ID, "err", err)
		return
	case rec.Status == offer.State:
		return
	}

	o.logger.Warn("sent offer disagrees with the backend, rechecking",
		"offer", offer.ID, "state", offer.State.String())
	offer.State = models.OfferRecheckRequired
	s.adoptOffer(offer, false)
}

// refreshAccountInventory refreshes a fleet account's inventory by platform
// id. Counterparties outside the fleet are ignored.
func (o *Orchestrator) refreshAccountInventory(platformID string) {
	s := o.SessionByPlatformID(platformID)
	if s == nil {
		return
	}
	s.RefreshInventory()
}
