package fleet

import (
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

// Trade is one outstanding or historical offer, owned by its account session
// for its whole lifetime. It drives its own polling, confirmation and backend
// sync, and transitions to the terminal done state exactly once; after that
// no further network action is issued on its behalf.
type Trade struct {
	session *AccountSession
	logger  *slog.Logger

	mu          sync.Mutex
	offerID     string
	tradeID     string
	partnerID   string
	requestID   string
	accessToken string
	message     string
	kind        models.TradeKind
	items       []models.Asset
	incoming    bool

	// offer is the latest platform snapshot; nil for a locally built request
	// that has not been observed yet.
	offer *platform.Offer

	// mineItems/theirItems stay nil until the corresponding inventory fetch
	// succeeds. State-mapped transitions are gated on both being present.
	mineItems  []models.InventoryItem
	theirItems []models.InventoryItem

	receipt    []models.Asset
	failReason string

	done       bool
	watched    bool
	refreshing bool
	retries    int
	lastSaved  *models.TradeSnapshot

	refreshStop chan struct{}
	acceptTimer *time.Timer
	sendTimer   *time.Timer

	refreshEvery     time.Duration
	acceptRetryEvery time.Duration
	sendRetryEvery   time.Duration
	sendRetryLimit   int
	confirmDelay     time.Duration
}

func newTrade(s *AccountSession) *Trade {
	return &Trade{
		session:          s,
		logger:           s.logger,
		refreshEvery:     tradeRefreshInterval,
		acceptRetryEvery: acceptRetryInterval,
		sendRetryEvery:   sendRetryInterval,
		sendRetryLimit:   sendRetryMax,
		confirmDelay:     confirmCheckDelay,
	}
}

// newTradeFromOffer builds a trade around an offer already known to the
// platform, received or sent.
func newTradeFromOffer(s *AccountSession, offer *platform.Offer, incoming bool) *Trade {
	t := newTrade(s)
	t.offerID = offer.ID
	t.tradeID = offer.TradeID
	t.partnerID = offer.PartnerID
	t.message = offer.Message
	t.incoming = incoming
	t.offer = offer
	t.logger = s.logger.With("offer", offer.ID)
	return t
}

// newRequestTrade builds an outgoing trade from a create-trade request. The
// offer id is assigned once the send succeeds.
func newRequestTrade(s *AccountSession, req *models.TradeRequest) *Trade {
	t := newTrade(s)
	t.partnerID = req.PartnerID
	t.requestID = req.RequestID
	t.accessToken = req.AccessToken
	t.message = req.Message
	t.kind = req.Kind
	t.items = req.Items
	t.logger = s.logger.With("request", req.RequestID)
	return t
}

// OfferID returns the platform offer id, empty until assigned.
func (t *Trade) OfferID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offerID
}

// Done reports whether the trade reached its terminal state.
func (t *Trade) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Incoming reports whether the offer was initiated by the counterparty.
func (t *Trade) Incoming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.incoming
}

// PartnerID returns the counterparty platform id.
func (t *Trade) PartnerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partnerID
}

// State returns the last observed offer state, zero when none was observed.
func (t *Trade) State() models.OfferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offer != nil {
		return t.offer.State
	}
	return 0
}

// FailReason returns why the trade failed, empty otherwise.
func (t *Trade) FailReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

// Watch is idempotent: it arms the refresh timer and, when descriptions are
// not cached yet, starts fetching both sides' inventories.
func (t *Trade) Watch() {
	t.mu.Lock()
	if t.watched || t.done {
		t.mu.Unlock()
		return
	}
	t.watched = true
	stop := make(chan struct{})
	t.refreshStop = stop
	every := t.refreshEvery
	needFetch := t.mineItems == nil || t.theirItems == nil
	t.mu.Unlock()

	go t.refreshLoop(stop, every)
	if needFetch {
		go t.fetchDescriptions()
	}
	t.logger.Info("trade is now watched")
}

func (t *Trade) refreshLoop(stop <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Refresh()
		}
	}
}

// fetchDescriptions loads both parties' inventories concurrently. A side that
// fails to load stays absent: the trade never becomes ready and refresh keeps
// deferring transitions, matching the platform's eventual re-observation.
func (t *Trade) fetchDescriptions() {
	client := t.session.client()
	if client == nil {
		t.logger.Warn("cannot fetch descriptions, session is offline")
		return
	}

	// Session state is read before taking t.mu: Trade.mu must never be
	// held across an AccountSession.mu acquisition.
	ownID := t.session.AccountID()
	defaultApp := t.session.appScope()
	t.mu.Lock()
	partnerID := t.partnerID
	appID := t.guessAppIDLocked(defaultApp)
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)

	fetch := func(owner string, mine bool) {
		defer wg.Done()
		items, err := client.FetchInventory(t.session.ctx, owner, appID)
		if err != nil {
			t.logger.Error("could not fetch inventory descriptions",
				"owner", owner, "mine", mine, "err", err)
			return
		}
		t.mu.Lock()
		if mine {
			t.mineItems = items
		} else {
			t.theirItems = items
		}
		t.mu.Unlock()
		t.logger.Debug("loaded inventory descriptions", "mine", mine)
	}

	go fetch(ownID, true)
	go fetch(partnerID, false)
	wg.Wait()

	t.mu.Lock()
	ready := t.mineItems != nil && t.theirItems != nil && !t.done
	t.mu.Unlock()

	t.save("descriptions_fetched")
	if ready {
		t.emit(TradeReady)
	}
}

// guessAppIDLocked infers the app scope from the trade's items. The account
// default is passed in because reading it takes the session lock, which must
// not be acquired while t.mu is held.
func (t *Trade) guessAppIDLocked(fallback int) int {
	for _, item := range t.items {
		if item.AppID != 0 {
			return item.AppID
		}
	}
	if t.offer != nil {
		for _, item := range t.offer.ItemsToReceive {
			if item.AppID != 0 {
				return item.AppID
			}
		}
		for _, item := range t.offer.ItemsToGive {
			if item.AppID != 0 {
				return item.AppID
			}
		}
	}
	return fallback
}

// Refresh fetches the offer's current state and maps a change onto a local
// transition. Observed changes are deferred, not dropped, while descriptions
// are still missing: the next tick re-observes the same state.
func (t *Trade) Refresh() {
	if !t.session.CanOperate() {
		return
	}

	t.mu.Lock()
	if t.done || t.refreshing || t.offerID == "" {
		t.mu.Unlock()
		return
	}
	t.refreshing = true
	offerID := t.offerID
	prev := models.OfferState(0)
	if t.offer != nil {
		prev = t.offer.State
	}
	t.mu.Unlock()

	client := t.session.client()
	if client == nil {
		t.setRefreshing(false)
		return
	}

	offer, err := client.GetOffer(t.session.ctx, offerID)
	t.setRefreshing(false)

	if t.Done() {
		return
	}
	if err != nil || offer == nil {
		t.logger.Error("trade failed to refresh", "err", err)
		return
	}
	if offer.State == prev {
		t.logger.Debug("offer state unchanged", "state", offer.State.String())
		return
	}

	t.mu.Lock()
	if t.mineItems == nil || t.theirItems == nil {
		t.mu.Unlock()
		t.logger.Warn("offer changed state but descriptions are not ready yet",
			"state", offer.State.String())
		return
	}
	t.offer = offer
	if offer.TradeID != "" {
		t.tradeID = offer.TradeID
	}
	state := offer.State
	t.mu.Unlock()

	t.logger.Debug("offer state changed", "state", state.String())
	t.save("changed")
	t.emit(TradeChanged)

	switch state {
	case models.OfferAccepted:
		t.Stop()
		t.accepted()
	case models.OfferDeclined:
		t.Stop()
		t.emit(TradeDeclined)
	case models.OfferCanceled, models.OfferCanceledBySecondFactor:
		t.Stop()
		t.emit(TradeCanceled)
	case models.OfferCountered, models.OfferExpired, models.OfferInvalidItems:
		t.mu.Lock()
		t.failReason = state.String()
		t.mu.Unlock()
		t.Stop()
		t.emit(TradeFailed)
	case models.OfferPendingConfirmation:
		t.emit(TradePendingConfirmation)
	}
}

func (t *Trade) setRefreshing(v bool) {
	t.mu.Lock()
	t.refreshing = v
	t.mu.Unlock()
}

// Decline is best effort: a failure is logged and never retried.
func (t *Trade) Decline() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	offerID := t.offerID
	t.mu.Unlock()

	client := t.session.client()
	if client == nil {
		t.logger.Warn("cannot decline, session is offline")
		return
	}
	go func() {
		if err := client.DeclineOffer(t.session.ctx, offerID); err != nil {
			t.logger.Error("trade failed to decline", "err", err)
		}
	}()
}

// Cancel is best effort: a failure is logged and never retried.
func (t *Trade) Cancel() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	offerID := t.offerID
	t.mu.Unlock()

	client := t.session.client()
	if client == nil {
		t.logger.Warn("cannot cancel, session is offline")
		return
	}
	go func() {
		if err := client.CancelOffer(t.session.ctx, offerID); err != nil {
			t.logger.Error("trade failed to cancel", "err", err)
		}
	}()
}

// Accept attempts platform acceptance. Failures are assumed transient and
// retried forever on a fixed interval; abandoning an already-initiated trade
// would be worse than retrying.
func (t *Trade) Accept() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	offerID := t.offerID
	t.mu.Unlock()

	client := t.session.client()
	if client == nil {
		t.scheduleAcceptRetry()
		return
	}

	if err := client.AcceptOffer(t.session.ctx, offerID); err != nil {
		t.logger.Error("trade failed to accept", "err", err)
		t.scheduleAcceptRetry()
		return
	}

	if t.givesItems() {
		t.session.CheckConfirmations()
	}
}

func (t *Trade) scheduleAcceptRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.acceptTimer = time.AfterFunc(t.acceptRetryEvery, t.Accept)
}

func (t *Trade) givesItems() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offer != nil && len(t.offer.ItemsToGive) > 0
}

// Send validates eligibility and issues the offer creation. An ineligible
// send fails immediately, reported upstream, without touching the platform's
// offer endpoint.
func (t *Trade) Send() {
	if !t.canSend() {
		t.logger.Warn("trade request is not eligible to send")
		t.reportRequestError("cannot send trade")
		return
	}
	t.sendOffer()
}

// canSend queries the escrow hold on both sides; only a zero/zero answer
// allows the send.
func (t *Trade) canSend() bool {
	t.mu.Lock()
	requestID := t.requestID
	partnerID := t.partnerID
	token := t.accessToken
	t.mu.Unlock()

	if requestID == "" || partnerID == "" || token == "" {
		return false
	}

	client := t.session.client()
	if client == nil {
		return false
	}

	hold, err := client.GetHoldDuration(t.session.ctx, partnerID, token)
	if err != nil || hold == nil {
		t.logger.Error("could not determine hold duration", "err", err)
		return false
	}
	return hold.Mine == 0 && hold.Theirs == 0
}

func (t *Trade) sendOffer() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	spec := t.offerSpecLocked()
	t.mu.Unlock()

	client := t.session.client()
	if client == nil {
		t.logger.Warn("cannot send offer, session is offline")
		t.retrySend()
		return
	}

	offerID, err := client.CreateOffer(t.session.ctx, spec)
	if err != nil {
		if platform.ErrorCode(err) == platform.CodeTooManyOffers {
			t.logger.Error("too many offers to this user, giving up", "err", err)
			return
		}
		t.logger.Error("failed to create offer", "err", err)
		t.retrySend()
		return
	}

	t.mu.Lock()
	t.offerID = offerID
	requestID := t.requestID
	kind := t.kind
	t.mu.Unlock()

	t.logger = t.logger.With("offer", offerID)
	t.logger.Info("offer sent")

	if requestID != "" {
		err := t.session.backend.ReportTradeRequestResult(t.session.ctx, requestID,
			backend.TradeRequestResult{OfferID: offerID})
		if err != nil {
			t.logger.Error("could not report trade request result", "err", err)
		}
	}

	if kind == models.TradeWithdraw {
		// Giving items away needs a mobile confirmation shortly after.
		time.AfterFunc(t.confirmDelay, t.session.CheckConfirmations)
	}

	t.save("sent")
	t.emit(TradeSent)
	t.Watch()
}

// retrySend schedules another creation attempt, or reports the request failed
// once the attempt budget is spent.
func (t *Trade) retrySend() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.retries++
	if t.retries >= t.sendRetryLimit {
		limit := t.sendRetryLimit
		t.mu.Unlock()
		t.logger.Error("offer creation failed after retries", "retries", limit)
		t.reportRequestError("trade request failed after retries")
		return
	}
	t.sendTimer = time.AfterFunc(t.sendRetryEvery, t.sendOffer)
	t.mu.Unlock()
}

func (t *Trade) reportRequestError(msg string) {
	t.mu.Lock()
	requestID := t.requestID
	t.mu.Unlock()
	if requestID == "" {
		return
	}
	err := t.session.backend.ReportTradeRequestResult(t.session.ctx, requestID,
		backend.TradeRequestResult{Err: msg})
	if err != nil {
		t.logger.Error("could not report trade request failure", "err", err)
	}
}

func (t *Trade) offerSpecLocked() platform.OfferSpec {
	spec := platform.OfferSpec{
		PartnerID:   t.partnerID,
		AccessToken: t.accessToken,
		Message:     t.message,
	}
	if t.kind == models.TradeWithdraw {
		spec.ItemsToGive = t.items
	} else {
		spec.ItemsToReceive = t.items
	}
	return spec
}

// accepted finalizes an accepted offer: the receipted item list is fetched
// before the terminal event is surfaced, and a fetch failure downgrades the
// outcome to failed.
func (t *Trade) accepted() {
	t.mu.Lock()
	tradeID := t.tradeID
	t.mu.Unlock()

	client := t.session.client()

	var items []models.Asset
	err := errors.New("session is offline")
	if client != nil {
		items, err = client.ReceiptItems(t.session.ctx, tradeID)
	}
	if err != nil {
		t.logger.Error("failed to fetch receipt items", "err", err)
		t.mu.Lock()
		t.failReason = models.FailedToFetchReceiptItems
		t.mu.Unlock()
		t.save("receipt_failed")
		t.emit(TradeFailed)
		return
	}

	t.mu.Lock()
	t.receipt = items
	t.mu.Unlock()
	t.save("receipt")
	t.emit(TradeAccepted)
}

// Stop makes the trade terminal. Idempotent; clears every trade-owned timer
// so nothing fires after teardown.
func (t *Trade) Stop() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.watched = false
	if t.refreshStop != nil {
		close(t.refreshStop)
		t.refreshStop = nil
	}
	if t.acceptTimer != nil {
		t.acceptTimer.Stop()
	}
	if t.sendTimer != nil {
		t.sendTimer.Stop()
	}
	t.mu.Unlock()

	t.save("stopped")
	t.emit(TradeStopped)
}

func (t *Trade) emit(kind TradeEventKind) {
	t.session.emitTrade(TradeEvent{Trade: t, Kind: kind})
}

// Snapshot returns the trade's current serializable form.
func (t *Trade) Snapshot() *models.TradeSnapshot {
	accountID := t.session.AccountID()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(accountID)
}

// Descriptions returns the cached item descriptions relevant to the offer.
func (t *Trade) Descriptions() []models.InventoryItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.descriptionsLocked()
}

func (t *Trade) snapshotLocked(accountID string) *models.TradeSnapshot {
	snap := &models.TradeSnapshot{
		OfferID:    t.offerID,
		TradeID:    t.tradeID,
		AccountID:  accountID,
		PartnerID:  t.partnerID,
		RequestID:  t.requestID,
		Kind:       t.kind,
		Done:       t.done,
		Message:    t.message,
		FailReason: t.failReason,
		Receipt:    t.receipt,
	}
	if t.offer != nil {
		snap.State = t.offer.State
		snap.ItemsToGive = t.offer.ItemsToGive
		snap.ItemsToReceive = t.offer.ItemsToReceive
	} else if t.kind == models.TradeWithdraw {
		snap.ItemsToGive = t.items
	} else {
		snap.ItemsToReceive = t.items
	}
	snap.Descriptions = t.descriptionsLocked()
	return snap
}

// descriptionsLocked joins both inventories against the offer's line items,
// deduplicated by class and instance.
func (t *Trade) descriptionsLocked() []models.InventoryItem {
	if t.offer == nil {
		return nil
	}

	inOffer := make(map[string]bool)
	for _, item := range t.offer.ItemsToGive {
		inOffer[item.ClassID+"_"+item.InstanceID] = true
	}
	for _, item := range t.offer.ItemsToReceive {
		inOffer[item.ClassID+"_"+item.InstanceID] = true
	}

	var out []models.InventoryItem
	seen := make(map[string]bool)
	for _, items := range [][]models.InventoryItem{t.theirItems, t.mineItems} {
		for _, item := range items {
			key := item.ClassID + "_" + item.InstanceID
			if inOffer[key] && !seen[key] {
				out = append(out, item)
				seen[key] = true
			}
		}
	}
	return out
}

// save pushes the snapshot to the backend unless it is structurally identical
// to the previous push.
func (t *Trade) save(reason string) {
	accountID := t.session.AccountID()

	t.mu.Lock()
	snap := t.snapshotLocked(accountID)
	if reflect.DeepEqual(t.lastSaved, snap) {
		t.mu.Unlock()
		t.logger.Debug("skip trade save, snapshot unchanged", "reason", reason)
		return
	}
	t.lastSaved = snap
	t.mu.Unlock()

	if err := t.session.backend.PersistTrade(t.session.ctx, accountID, snap); err != nil {
		t.logger.Error("trade save failed", "reason", reason, "err", err)
	} else {
		t.logger.Debug("trade saved", "reason", reason)
	}

	if t.session.store != nil {
		if err := t.session.store.ArchiveTrade(t.session.ctx, accountID, snap); err != nil {
			t.logger.Error("trade archive failed", "err", err)
		}
	}
}
