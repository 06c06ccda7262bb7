package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

var (
	errNotOnline         = errors.New("account is not online")
	errSessionSuperseded = errors.New("session superseded by a newer login")
)

// LogOffMode selects how a session winds down its outstanding trades before
// disconnecting.
type LogOffMode int

const (
	// LogOffSafe waits for every outstanding trade to finish on its own.
	LogOffSafe LogOffMode = iota + 1

	// LogOffCancelTrades cancels outstanding offers, then waits for the
	// cancellations to be observed.
	LogOffCancelTrades

	// LogOffForce stops every trade locally and disconnects at once.
	LogOffForce
)

// AccountSession owns one account: its platform connection, provisioning,
// trades and timers. All trade events funnel into a single dispatcher
// goroutine, so per-account reactions are serialized.
type AccountSession struct {
	dialer  platform.Dialer
	backend backend.Client
	store   Store
	notify  Notifier
	logger  *slog.Logger
	orch    *Orchestrator
	domain  string
	ctx     context.Context

	tradeEvents chan TradeEvent

	overflowMu sync.Mutex
	overflow   []TradeEvent
	flushing   bool

	mu      sync.Mutex
	account models.Account
	cl      platform.SessionClient
	trades  []*Trade

	// gen invalidates timers and event consumers armed by an earlier login
	// attempt. Bumped on every login and every teardown.
	gen  int
	quit chan struct{}

	logging       bool
	logged        bool
	plannedLogOff bool

	loginTimer *time.Timer
	guardTimer *time.Timer

	guardPending  bool
	lastGuardCode time.Time
	emailRespond  func(code string)

	fetching  bool
	lastFetch time.Time

	inventory []models.InventoryItem

	loggedOffWaiters []func()

	loginTimeoutDur time.Duration
	heartbeatEvery  time.Duration
	pollEvery       time.Duration
	suppressWindow  time.Duration
	guardWindow     time.Duration
	inventoryRetry  time.Duration
	pokeDelay       time.Duration
}

// NewAccountSession wires a session for one account. Start must be called
// before Login.
func NewAccountSession(account models.Account, dialer platform.Dialer, bc backend.Client, logger *slog.Logger) *AccountSession {
	return &AccountSession{
		dialer:          dialer,
		backend:         bc,
		logger:          logger.With("account", account.Login),
		ctx:             context.Background(),
		tradeEvents:     make(chan TradeEvent, 64),
		account:         account,
		loginTimeoutDur: loginTimeout,
		heartbeatEvery:  heartbeatInterval,
		pollEvery:       offerPollInterval,
		suppressWindow:  fetchSuppressWindow,
		guardWindow:     guardCodeWindow,
		inventoryRetry:  inventoryRetryDelay,
		pokeDelay:       postSendPokeDelay,
	}
}

// Start binds the session to the process lifetime and launches the trade
// event dispatcher.
func (s *AccountSession) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go s.dispatch(ctx)
}

// Account returns a copy of the account record.
func (s *AccountSession) Account() models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// AccountID returns the account's platform id, empty until first
// authentication.
func (s *AccountSession) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.PlatformID
}

// Login name, stable across the session's lifetime.
func (s *AccountSession) LoginName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Login
}

// IsOnline reports whether the platform connection is authenticated.
func (s *AccountSession) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Online
}

// IsActive reports whether the account participates in the fleet.
func (s *AccountSession) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Active
}

// IsReady reports whether login and provisioning both completed.
func (s *AccountSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logged
}

// IsLoggingOff reports whether a planned log-off is in progress.
func (s *AccountSession) IsLoggingOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plannedLogOff
}

// CanOperate gates platform traffic: the account must be active and online.
func (s *AccountSession) CanOperate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Active && s.account.Online
}

func (s *AccountSession) client() platform.SessionClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.account.Online {
		return nil
	}
	return s.cl
}

func (s *AccountSession) appScope() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.AppScope
}

func (s *AccountSession) generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Trades returns a snapshot of the session's tracked trades.
func (s *AccountSession) Trades() []*Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// TradeByOfferID finds a tracked trade, nil when the offer is unknown.
func (s *AccountSession) TradeByOfferID(offerID string) *Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findTradeLocked(offerID)
}

func (s *AccountSession) findTradeLocked(offerID string) *Trade {
	if offerID == "" {
		return nil
	}
	for _, t := range s.trades {
		t.mu.Lock()
		id := t.offerID
		t.mu.Unlock()
		if id == offerID {
			return t
		}
	}
	return nil
}

func (s *AccountSession) addTrade(t *Trade) {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	s.mu.Unlock()
}

// adoptOffer starts tracking a platform-known offer. Returns nil when the
// offer is already tracked; the check and the insert happen under one lock,
// so an offer is adopted at most once.
func (s *AccountSession) adoptOffer(offer platform.Offer, incoming bool) *Trade {
	s.mu.Lock()
	if s.findTradeLocked(offer.ID) != nil {
		s.mu.Unlock()
		return nil
	}
	t := newTradeFromOffer(s, &offer, incoming)
	s.trades = append(s.trades, t)
	s.mu.Unlock()

	direction := "sent"
	if incoming {
		direction = "received"
	}
	s.logger.Info("tracking offer", "offer", offer.ID, "direction", direction,
		"state", offer.State.String())

	t.save("adopted")
	t.Watch()
	s.notifyEvent("offer_"+direction, offer.ID, "")
	return t
}

// Login starts a platform session. Concurrent and repeated calls collapse
// into the single in-flight attempt.
func (s *AccountSession) Login() {
	s.mu.Lock()
	if !s.account.Active {
		s.mu.Unlock()
		s.logger.Warn("not logging in, account is inactive")
		return
	}
	if s.logged || s.logging {
		s.mu.Unlock()
		s.logger.Debug("login already in progress or complete")
		return
	}
	s.logging = true
	s.plannedLogOff = false
	s.gen++
	gen := s.gen
	if s.quit != nil {
		close(s.quit)
	}
	s.quit = make(chan struct{})

	creds := platform.Credentials{
		Login: s.account.Login,
		Proxy: s.account.Proxy,
	}
	if s.account.LoginKey != "" {
		creds.LoginKey = s.account.LoginKey
	} else {
		creds.Password = s.account.Password
	}
	usingKey := creds.LoginKey != ""

	old := s.cl
	client := s.dialer.Dial()
	s.cl = client
	timeout := s.loginTimeoutDur
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	s.logger.Info("logging in", "login_key", usingKey)

	if err := client.Connect(s.ctx, creds); err != nil {
		s.logger.Error("could not reach the platform", "err", err)
		s.mu.Lock()
		s.logging = false
		s.loginTimer = time.AfterFunc(timeout, s.Login)
		s.mu.Unlock()
		return
	}

	s.armLoginTimeout(gen, timeout)
	go s.consumeEvents(client, gen)
}

// armLoginTimeout retries the login from scratch when no authentication
// arrives in time.
func (s *AccountSession) armLoginTimeout(gen int, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.loginTimer = time.AfterFunc(timeout, func() {
		if s.generation() != gen {
			return
		}
		s.logger.Error("login timed out, retrying")
		s.mu.Lock()
		s.logging = false
		s.logged = false
		s.mu.Unlock()
		s.Login()
	})
}

func (s *AccountSession) stopLoginTimer() {
	s.mu.Lock()
	if s.loginTimer != nil {
		s.loginTimer.Stop()
	}
	s.mu.Unlock()
}

// consumeEvents drains one client's event stream. Events from a superseded
// login attempt are dropped on the generation check.
func (s *AccountSession) consumeEvents(client platform.SessionClient, gen int) {
	for ev := range client.Events() {
		if s.generation() != gen {
			return
		}
		switch ev.Kind {
		case platform.EventAuthenticated:
			s.handleAuthenticated(ev, gen)
		case platform.EventSessionEstablished:
			s.logger.Info("web session established")
			go s.provision(client, gen)
		case platform.EventDisconnected:
			s.handleDisconnected(ev)
		case platform.EventError:
			s.handleError(ev)
		case platform.EventLoginKey:
			s.handleLoginKey(ev)
		case platform.EventGuardChallenge:
			s.handleGuard(ev)
		case platform.EventOfferCountChanged:
			s.logger.Debug("offer count changed", "count", ev.OfferCount)
			s.FetchOffers()
		}
	}
}

func (s *AccountSession) handleAuthenticated(ev platform.Event, gen int) {
	s.stopLoginTimer()

	s.mu.Lock()
	var login string
	newID := ev.PlatformID != "" && s.account.PlatformID != ev.PlatformID
	if newID {
		s.account.PlatformID = ev.PlatformID
		login = s.account.Login
	}
	s.account.SetOnline(true, "")
	s.mu.Unlock()

	s.logger.Info("authenticated", "platform_id", ev.PlatformID)

	if newID {
		if err := s.backend.PersistPlatformID(s.ctx, login, ev.PlatformID); err != nil {
			s.logger.Error("could not persist platform id", "err", err)
		}
	}
	s.saveAccount()
	s.startHeartbeat(gen)
}

func (s *AccountSession) handleDisconnected(ev platform.Event) {
	s.stopLoginTimer()
	s.logger.Warn("disconnected from the platform", "reason", ev.Reason)
	s.setOnline(false, "disconnected: "+ev.Reason)
}

func (s *AccountSession) handleError(ev platform.Event) {
	s.stopLoginTimer()

	switch ev.Code {
	case platform.ResultInvalidCredentials:
		s.mu.Lock()
		hadKey := s.account.LoginKey != ""
		s.account.LoginKey = ""
		s.mu.Unlock()
		if hadKey {
			// The persisted key expired; a fresh password login will mint a
			// new one.
			s.logger.Warn("login key rejected, retrying with password")
			s.saveAccount()
			s.Restart(LogOffForce)
			return
		}
		s.logger.Error("platform rejected the credentials")
	case platform.ResultSessionReplaced:
		s.logger.Warn("session replaced by another login, reconnecting")
		s.Restart(LogOffForce)
		return
	case platform.ResultLoggedElsewhere:
		s.logger.Warn("account is already logged in elsewhere")
	case platform.ResultRateLimited:
		s.logger.Error("platform rate limited the login")
	default:
		s.logger.Error("platform session error", "code", int(ev.Code))
	}

	report := backend.ErrorReport{
		AccountID: s.AccountID(),
		Kind:      backend.ErrorGeneralSession,
		Code:      int(ev.Code),
		Detail:    "platform error: " + ev.Code.String(),
	}
	if err := s.backend.ReportError(s.ctx, report); err != nil {
		s.logger.Error("could not report session error", "err", err)
	}
	s.setOnline(false, "client error: "+ev.Code.String())
}

func (s *AccountSession) handleLoginKey(ev platform.Event) {
	s.mu.Lock()
	s.account.LoginKey = ev.LoginKey
	accountID := s.account.PlatformID
	s.mu.Unlock()

	s.logger.Debug("received a new login key")
	if err := s.backend.PersistLoginKey(s.ctx, accountID, ev.LoginKey); err != nil {
		s.logger.Error("could not persist login key", "err", err)
	}
	s.saveAccount()
}

func (s *AccountSession) handleGuard(ev platform.Event) {
	if ev.Guard == nil {
		return
	}
	if ev.Guard.Channel == platform.GuardEmail {
		s.logger.Warn("second factor requested over email", "domain", ev.Guard.EmailDomain)
		s.mu.Lock()
		s.emailRespond = ev.Guard.Respond
		s.mu.Unlock()
		s.setOnline(false, "guard code sent to email")
		report := backend.ErrorReport{
			AccountID: s.AccountID(),
			Kind:      backend.ErrorEmailGuard,
			Detail:    "guard code sent to " + ev.Guard.EmailDomain,
		}
		if err := s.backend.ReportError(s.ctx, report); err != nil {
			s.logger.Error("could not report email guard", "err", err)
		}
		return
	}
	s.requestGuardCode(ev.Guard.Respond)
}

// SubmitGuardCode answers a parked email second-factor challenge. It is a
// no-op when no challenge is pending.
func (s *AccountSession) SubmitGuardCode(code string) bool {
	s.mu.Lock()
	respond := s.emailRespond
	s.emailRespond = nil
	s.mu.Unlock()
	if respond == nil {
		return false
	}
	s.logger.Info("submitting guard code from operator")
	respond(code)
	return true
}

// requestGuardCode fetches a device code from the backend, at most one
// in-flight request and at most one per rate window.
func (s *AccountSession) requestGuardCode(respond func(string)) {
	s.mu.Lock()
	if s.guardPending {
		s.mu.Unlock()
		s.logger.Debug("guard code request already pending")
		return
	}
	s.guardPending = true

	var wait time.Duration
	if !s.lastGuardCode.IsZero() {
		if since := time.Since(s.lastGuardCode); since < s.guardWindow {
			wait = s.guardWindow - since
		}
	}
	if wait > 0 {
		s.guardTimer = time.AfterFunc(wait, func() { s.fetchGuardCode(respond) })
		s.mu.Unlock()
		s.logger.Info("delaying guard code request", "wait", wait.String())
		return
	}
	s.mu.Unlock()
	go s.fetchGuardCode(respond)
}

func (s *AccountSession) fetchGuardCode(respond func(string)) {
	code, err := s.backend.FetchGuardCode(s.ctx, s.AccountID())

	s.mu.Lock()
	s.guardPending = false
	s.lastGuardCode = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("could not obtain a guard code", "err", err)
		s.setOnline(false, "could not obtain a guard code")
		return
	}
	s.logger.Info("answering second-factor challenge")
	respond(code)
}

// provision runs the post-session pipeline: API key, trade link, inventory.
// Any failure deactivates the account; a stale generation aborts silently.
func (s *AccountSession) provision(client platform.SessionClient, gen int) {
	if s.generation() != gen {
		return
	}
	if err := s.obtainAPIKey(client, false); err != nil {
		s.provisionFailed(backend.ErrorAPIKey, "cannot work without an api key", err)
		return
	}
	if s.generation() != gen {
		return
	}
	if err := s.obtainTradeLink(client, false); err != nil {
		s.provisionFailed(backend.ErrorGeneralSession, "cannot work without a trade link", err)
		return
	}
	if s.generation() != gen {
		return
	}
	if err := s.loadInventory(client, gen); err != nil {
		s.provisionFailed(backend.ErrorGeneralSession, "cannot load the inventory", err)
		return
	}
	if s.generation() != gen {
		return
	}

	s.mu.Lock()
	s.logged = true
	s.logging = false
	s.mu.Unlock()

	s.logger.Info("ready to go")
	s.saveAccount()
	s.notifyEvent("ready", "", "")

	s.declineAllPending(client)
	s.startOfferPoll(gen)
}

func (s *AccountSession) provisionFailed(kind backend.ErrorKind, msg string, err error) {
	s.logger.Error(msg, "err", err)
	s.deactivate()
	report := backend.ErrorReport{
		AccountID: s.AccountID(),
		Kind:      kind,
		Detail:    err.Error(),
	}
	if e := s.backend.ReportError(s.ctx, report); e != nil {
		s.logger.Error("could not report provisioning failure", "err", e)
	}
}

func (s *AccountSession) deactivate() {
	s.mu.Lock()
	s.account.Active = false
	s.logged = false
	s.logging = false
	s.mu.Unlock()
	s.logger.Warn("setting account inactive")
	s.saveAccount()
}

func (s *AccountSession) obtainAPIKey(client platform.SessionClient, force bool) error {
	s.mu.Lock()
	key := s.account.APIKey
	online := s.account.Online
	accountID := s.account.PlatformID
	domain := s.domain
	s.mu.Unlock()

	if !online {
		return errNotOnline
	}
	if key != "" && !force {
		return nil
	}

	key, err := client.RegisterAPIKey(s.ctx, domain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.account.APIKey = key
	s.mu.Unlock()

	s.logger.Info("registered a platform api key")
	if err := s.backend.PersistAPIKey(s.ctx, accountID, key); err != nil {
		s.logger.Error("could not persist api key", "err", err)
	}
	s.saveAccount()
	return nil
}

func (s *AccountSession) obtainTradeLink(client platform.SessionClient, force bool) error {
	s.mu.Lock()
	link := s.account.TradeLink
	online := s.account.Online
	accountID := s.account.PlatformID
	s.mu.Unlock()

	if !online {
		return errNotOnline
	}
	if link != "" && !force {
		return nil
	}

	_, link, err := client.TradeLink(s.ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.account.TradeLink = link
	s.mu.Unlock()

	s.logger.Info("obtained the trade link")
	if err := s.backend.PersistTradeLink(s.ctx, accountID, link); err != nil {
		s.logger.Error("could not persist trade link", "err", err)
	}
	s.saveAccount()
	return nil
}

// loadInventory retries on a fixed interval until it succeeds or the session
// generation moves on.
func (s *AccountSession) loadInventory(client platform.SessionClient, gen int) error {
	for {
		s.mu.Lock()
		online := s.account.Online
		accountID := s.account.PlatformID
		appScope := s.account.AppScope
		retry := s.inventoryRetry
		quit := s.quit
		s.mu.Unlock()

		if !online {
			return errNotOnline
		}
		if s.generation() != gen {
			return errSessionSuperseded
		}

		items, err := client.FetchInventory(s.ctx, accountID, appScope)
		if err == nil {
			s.mu.Lock()
			s.inventory = items
			s.mu.Unlock()
			s.logger.Info("inventory loaded", "items", len(items))
			if err := s.backend.PersistInventory(s.ctx, accountID, items); err != nil {
				s.logger.Error("could not persist inventory", "err", err)
			}
			return nil
		}

		s.logger.Warn("inventory fetch failed, will retry", "err", err)
		select {
		case <-quit:
			return errSessionSuperseded
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(retry):
		}
	}
}

// RefreshInventory reloads and re-persists the account's inventory.
func (s *AccountSession) RefreshInventory() {
	client := s.client()
	if client == nil {
		s.logger.Warn("cannot refresh inventory, session is offline")
		return
	}
	gen := s.generation()
	go func() {
		if err := s.loadInventory(client, gen); err != nil {
			s.logger.Error("inventory refresh abandoned", "err", err)
		}
	}()
}

// Inventory returns the last loaded inventory snapshot.
func (s *AccountSession) Inventory() []models.InventoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InventoryItem, len(s.inventory))
	copy(out, s.inventory)
	return out
}

// declineAllPending sweeps offers that arrived while the session was away.
// Unattended offers are never honored.
func (s *AccountSession) declineAllPending(client platform.SessionClient) {
	list, err := client.ListOffers(s.ctx, platform.OfferFilter{
		Received:         true,
		ActiveOnly:       true,
		HistoricalCutoff: time.Now(),
	})
	if err != nil {
		s.handleListError(err)
		return
	}
	for _, offer := range list.Received {
		if offer.State != models.OfferActive && offer.State != models.OfferPendingConfirmation {
			continue
		}
		s.logger.Info("declining unattended offer", "offer", offer.ID)
		if t := s.adoptOffer(offer, true); t != nil {
			t.Decline()
		}
	}
}

// FetchOffers lists both directions and hands the result to reconciliation.
// Calls within the suppression window of the previous list, and calls while
// one is in flight, are dropped.
func (s *AccountSession) FetchOffers() {
	if !s.CanOperate() {
		return
	}

	s.mu.Lock()
	if s.fetching || time.Since(s.lastFetch) < s.suppressWindow {
		s.mu.Unlock()
		s.logger.Debug("offer fetch suppressed")
		return
	}
	s.fetching = true
	s.mu.Unlock()

	client := s.client()
	if client == nil {
		s.setFetching(false)
		return
	}

	list, err := client.ListOffers(s.ctx, platform.OfferFilter{
		Received:         true,
		Sent:             true,
		ActiveOnly:       false,
		HistoricalCutoff: time.Now().Add(-offerHistoricalWindow),
	})

	s.mu.Lock()
	s.fetching = false
	s.lastFetch = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.handleListError(err)
		return
	}
	if s.orch != nil {
		s.orch.reconcile(s, list)
	}
}

func (s *AccountSession) setFetching(v bool) {
	s.mu.Lock()
	s.fetching = v
	s.mu.Unlock()
}

// handleListError reports a 403 as a revoked API key; everything else is
// transient and only logged.
func (s *AccountSession) handleListError(err error) {
	if platform.ErrorCode(err) == platform.CodeForbidden {
		s.logger.Error("offer listing forbidden, api key looks revoked")
		report := backend.ErrorReport{
			AccountID: s.AccountID(),
			Kind:      backend.ErrorInvalidAPIKey,
			Code:      platform.CodeForbidden,
			Detail:    "offer listing returned forbidden",
		}
		if e := s.backend.ReportError(s.ctx, report); e != nil {
			s.logger.Error("could not report invalid api key", "err", e)
		}
		return
	}
	s.logger.Error("could not list offers", "err", err)
}

// CheckConfirmations acks all pending mobile confirmations in the
// background.
func (s *AccountSession) CheckConfirmations() {
	client := s.client()
	if client == nil {
		return
	}
	s.mu.Lock()
	secret := s.account.IdentitySecret
	s.mu.Unlock()
	if secret == "" {
		s.logger.Warn("no identity secret, skipping confirmations")
		return
	}
	go func() {
		if err := client.ConfirmAll(s.ctx, secret); err != nil {
			s.logger.Error("confirmation check failed", "err", err)
		}
	}()
}

func (s *AccountSession) startHeartbeat(gen int) {
	quit := s.quitFor(gen)
	if quit == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(s.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if !s.IsOnline() {
					continue
				}
				if err := s.backend.ReportOnline(s.ctx, s.AccountID()); err != nil {
					s.logger.Debug("heartbeat failed", "err", err)
				}
			}
		}
	}()
}

func (s *AccountSession) startOfferPoll(gen int) {
	quit := s.quitFor(gen)
	if quit == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.FetchOffers()
			}
		}
	}()
}

func (s *AccountSession) quitFor(gen int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	return s.quit
}

// LogOff winds the session down. Repeated calls while a log-off is already
// planned are no-ops.
func (s *AccountSession) LogOff(mode LogOffMode) {
	s.mu.Lock()
	if s.plannedLogOff {
		s.mu.Unlock()
		s.logger.Debug("log off already planned")
		return
	}
	s.plannedLogOff = true
	trades := make([]*Trade, len(s.trades))
	copy(trades, s.trades)
	s.mu.Unlock()

	s.logger.Info("about to log off", "mode", int(mode), "trades", len(trades))

	switch mode {
	case LogOffForce:
		for _, t := range trades {
			t.Stop()
		}
	case LogOffCancelTrades:
		for _, t := range trades {
			if !t.Done() {
				t.Cancel()
			}
		}
	}
	s.checkLogOffProgress()
}

// checkLogOffProgress tears the session down once every trade is terminal.
// The claim happens under the lock, so teardown runs once per planned
// log-off.
func (s *AccountSession) checkLogOffProgress() {
	s.mu.Lock()
	if !s.plannedLogOff {
		s.mu.Unlock()
		return
	}
	for _, t := range s.trades {
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		if !done {
			s.mu.Unlock()
			s.logger.Debug("log off still waiting on trades")
			return
		}
	}
	s.plannedLogOff = false
	s.mu.Unlock()
	s.teardown()
}

// teardown invalidates the generation, clears every session timer and drops
// the connection. Registered log-off waiters run after the state settles.
func (s *AccountSession) teardown() {
	s.mu.Lock()
	s.gen++
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
	if s.loginTimer != nil {
		s.loginTimer.Stop()
	}
	if s.guardTimer != nil {
		s.guardTimer.Stop()
	}
	s.guardPending = false
	s.logging = false
	s.logged = false
	s.fetching = false
	client := s.cl
	s.cl = nil
	s.account.SetOnline(false, "logged off")
	waiters := s.loggedOffWaiters
	s.loggedOffWaiters = nil
	s.mu.Unlock()

	s.logger.Info("logged off")
	if client != nil {
		client.Disconnect()
	}
	s.saveAccount()
	s.notifyEvent("logged_off", "", "")

	for _, w := range waiters {
		w()
	}
}

// Restart logs off in the given mode and logs back in once the log-off
// completes, however long the wind-down takes.
func (s *AccountSession) Restart(mode LogOffMode) {
	s.mu.Lock()
	s.loggedOffWaiters = append(s.loggedOffWaiters, s.Login)
	s.mu.Unlock()
	s.LogOff(mode)
}

func (s *AccountSession) setOnline(online bool, reason string) {
	s.mu.Lock()
	s.account.SetOnline(online, reason)
	s.mu.Unlock()
	s.saveAccount()
}

func (s *AccountSession) saveAccount() {
	if s.store == nil {
		return
	}
	acct := s.Account()
	if err := s.store.SaveAccount(s.ctx, &acct); err != nil {
		s.logger.Error("could not save account", "err", err)
	}
}

func (s *AccountSession) notifyEvent(event, offerID, detail string) {
	if s.notify == nil {
		return
	}
	s.mu.Lock()
	n := models.Notification{
		AccountID: s.account.PlatformID,
		Login:     s.account.Login,
		Event:     event,
		OfferID:   offerID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	s.mu.Unlock()
	s.notify.Notify(n)
}

// emitTrade never blocks the caller; when the dispatcher is saturated the
// send is deferred to its own goroutine instead of dropped, trade events are
// state transitions and must all arrive.
// emitTrade never blocks the caller and preserves emission order. When the
// dispatch buffer is full, events spill into an overflow queue drained by a
// single flusher, so a later event cannot overtake an earlier one.
func (s *AccountSession) emitTrade(ev TradeEvent) {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	if !s.flushing {
		select {
		case s.tradeEvents <- ev:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, ev)
	if !s.flushing {
		s.flushing = true
		go s.flushTradeEvents()
	}
}

func (s *AccountSession) flushTradeEvents() {
	for {
		s.overflowMu.Lock()
		if len(s.overflow) == 0 {
			s.flushing = false
			s.overflowMu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.overflow = s.overflow[1:]
		s.overflowMu.Unlock()

		select {
		case s.tradeEvents <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *AccountSession) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.tradeEvents:
			s.handleTradeEvent(ev)
		}
	}
}

// handleTradeEvent is the per-account reaction point: decisions, follow-up
// fetches and notifications all run here, one event at a time.
func (s *AccountSession) handleTradeEvent(ev TradeEvent) {
	t := ev.Trade
	offerID := t.OfferID()

	switch ev.Kind {
	case TradeChanged:
		s.logger.Debug("trade changed", "offer", offerID)

	case TradeReady:
		s.logger.Info("trade is ready", "offer", offerID)
		s.notifyEvent("trade_ready", offerID, "")
		if t.Incoming() && !t.Done() {
			s.decideTrade(t)
		}

	case TradeSent:
		s.notifyEvent("trade_sent", offerID, "")
		// The counterparty may confirm almost immediately; look again soon
		// instead of waiting a full poll interval.
		time.AfterFunc(s.pokeDelay, s.FetchOffers)

	case TradeAccepted:
		s.logger.Info("trade accepted", "offer", offerID)
		s.notifyEvent("trade_accepted", offerID, "")
		s.RefreshInventory()
		if s.orch != nil {
			s.orch.refreshAccountInventory(t.PartnerID())
		}

	case TradeDeclined:
		s.logger.Info("trade declined", "offer", offerID)
		s.notifyEvent("trade_declined", offerID, "")

	case TradeCanceled:
		s.logger.Info("trade canceled", "offer", offerID)
		s.notifyEvent("trade_canceled", offerID, "")

	case TradeFailed:
		reason := t.FailReason()
		s.logger.Error("trade failed", "offer", offerID, "reason", reason)
		s.notifyEvent("trade_failed", offerID, reason)

	case TradePendingConfirmation:
		s.logger.Debug("trade awaits confirmation", "offer", offerID)

	case TradeStopped:
		s.checkLogOffProgress()
	}
}

// decideTrade asks the backend whether to honor an incoming offer. Errors
// and negative answers both decline; silence would leave items exposed.
func (s *AccountSession) decideTrade(t *Trade) {
	dc := backend.DecisionContext{
		Direction:    "incoming",
		AccountID:    s.AccountID(),
		Offer:        t.Snapshot(),
		Descriptions: t.Descriptions(),
	}
	accept, err := s.backend.FetchTradeDecision(s.ctx, dc)
	if err != nil {
		s.logger.Error("could not fetch trade decision, declining", "err", err)
		t.Decline()
		return
	}
	if !accept {
		s.logger.Info("declining by backend decision", "offer", t.OfferID())
		t.Decline()
		return
	}
	s.logger.Info("accepting by backend decision", "offer", t.OfferID())
	go t.Accept()
}
