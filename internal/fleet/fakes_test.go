package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

// fakeClient is a scriptable platform session for tests. Hooks default to
// benign successes; call counts are recorded per method.
type fakeClient struct {
	mu           sync.Mutex
	events       chan platform.Event
	calls        map[string]int
	disconnected bool

	connectErr error
	listFn     func(platform.OfferFilter) (*platform.OfferList, error)
	getOfferFn func(string) (*platform.Offer, error)
	createFn   func(platform.OfferSpec) (string, error)
	acceptFn   func(string) error
	holdFn     func() (*platform.HoldDuration, error)
	invFn      func(owner string, appID int) ([]models.InventoryItem, error)
	receiptFn  func(string) ([]models.Asset, error)
	apiKeyFn   func() (string, error)
	linkFn     func() (string, string, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan platform.Event, 16),
		calls:  make(map[string]int),
	}
}

func (f *fakeClient) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeClient) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeClient) emit(ev platform.Event) {
	f.events <- ev
}

func (f *fakeClient) Connect(ctx context.Context, creds platform.Credentials) error {
	f.record("Connect")
	return f.connectErr
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	if f.disconnected {
		f.mu.Unlock()
		return
	}
	f.disconnected = true
	f.mu.Unlock()
	close(f.events)
}

func (f *fakeClient) Events() <-chan platform.Event {
	return f.events
}

func (f *fakeClient) ListOffers(ctx context.Context, filter platform.OfferFilter) (*platform.OfferList, error) {
	f.record("ListOffers")
	if f.listFn != nil {
		return f.listFn(filter)
	}
	return &platform.OfferList{}, nil
}

func (f *fakeClient) GetOffer(ctx context.Context, offerID string) (*platform.Offer, error) {
	f.record("GetOffer")
	if f.getOfferFn != nil {
		return f.getOfferFn(offerID)
	}
	return nil, fmt.Errorf("unknown offer %s", offerID)
}

func (f *fakeClient) CreateOffer(ctx context.Context, spec platform.OfferSpec) (string, error) {
	f.record("CreateOffer")
	if f.createFn != nil {
		return f.createFn(spec)
	}
	return "offer-1", nil
}

func (f *fakeClient) AcceptOffer(ctx context.Context, offerID string) error {
	f.record("AcceptOffer")
	if f.acceptFn != nil {
		return f.acceptFn(offerID)
	}
	return nil
}

func (f *fakeClient) DeclineOffer(ctx context.Context, offerID string) error {
	f.record("DeclineOffer")
	return nil
}

func (f *fakeClient) CancelOffer(ctx context.Context, offerID string) error {
	f.record("CancelOffer")
	return nil
}

func (f *fakeClient) GetHoldDuration(ctx context.Context, partnerID, accessToken string) (*platform.HoldDuration, error) {
	f.record("GetHoldDuration")
	if f.holdFn != nil {
		return f.holdFn()
	}
	return &platform.HoldDuration{}, nil
}

func (f *fakeClient) FetchInventory(ctx context.Context, ownerID string, appID int) ([]models.InventoryItem, error) {
	f.record("FetchInventory")
	if f.invFn != nil {
		return f.invFn(ownerID, appID)
	}
	return []models.InventoryItem{}, nil
}

func (f *fakeClient) ReceiptItems(ctx context.Context, tradeID string) ([]models.Asset, error) {
	f.record("ReceiptItems")
	if f.receiptFn != nil {
		return f.receiptFn(tradeID)
	}
	return []models.Asset{}, nil
}

func (f *fakeClient) ConfirmAll(ctx context.Context, identitySecret string) error {
	f.record("ConfirmAll")
	return nil
}

func (f *fakeClient) RegisterAPIKey(ctx context.Context, domain string) (string, error) {
	f.record("RegisterAPIKey")
	if f.apiKeyFn != nil {
		return f.apiKeyFn()
	}
	return "fake-api-key", nil
}

func (f *fakeClient) TradeLink(ctx context.Context) (string, string, error) {
	f.record("TradeLink")
	if f.linkFn != nil {
		return f.linkFn()
	}
	return "fake-token", "https://example.com/tradeoffer/new/?partner=1", nil
}

// fakeBackend records every call the fleet makes upstream.
type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]int
	trades   []*models.TradeSnapshot
	requests map[string]backend.TradeRequestResult
	reports  []backend.ErrorReport
	records  map[string]*models.TradeRecord

	decision    bool
	decisionErr error
	guardCode   string
	guardErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:     make(map[string]int),
		requests:  make(map[string]backend.TradeRequestResult),
		records:   make(map[string]*models.TradeRecord),
		guardCode: "GUARD",
	}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) lastReport() *backend.ErrorReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return nil
	}
	r := f.reports[len(f.reports)-1]
	return &r
}

func (f *fakeBackend) requestResult(requestID string) (backend.TradeRequestResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[requestID]
	return r, ok
}

func (f *fakeBackend) ReportError(ctx context.Context, report backend.ErrorReport) error {
	f.record("ReportError")
	f.mu.Lock()
	f.reports = append(f.reports, report)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ReportOnline(ctx context.Context, accountID string) error {
	f.record("ReportOnline")
	return nil
}

func (f *fakeBackend) PersistLoginKey(ctx context.Context, accountID, key string) error {
	f.record("PersistLoginKey")
	return nil
}

func (f *fakeBackend) PersistAPIKey(ctx context.Context, accountID, key string) error {
	f.record("PersistAPIKey")
	return nil
}

func (f *fakeBackend) PersistTradeLink(ctx context.Context, accountID, link string) error {
	f.record("PersistTradeLink")
	return nil
}

func (f *fakeBackend) PersistPlatformID(ctx context.Context, login, platformID string) error {
	f.record("PersistPlatformID")
	return nil
}

func (f *fakeBackend) PersistTrade(ctx context.Context, accountID string, snap *models.TradeSnapshot) error {
	f.record("PersistTrade")
	f.mu.Lock()
	f.trades = append(f.trades, snap)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) PersistInventory(ctx context.Context, accountID string, items []models.InventoryItem) error {
	f.record("PersistInventory")
	return nil
}

func (f *fakeBackend) FetchTradeDecision(ctx context.Context, decision backend.DecisionContext) (bool, error) {
	f.record("FetchTradeDecision")
	return f.decision, f.decisionErr
}

func (f *fakeBackend) FetchGuardCode(ctx context.Context, accountID string) (string, error) {
	f.record("FetchGuardCode")
	return f.guardCode, f.guardErr
}

func (f *fakeBackend) FetchTradeRecord(ctx context.Context, offerID string) (*models.TradeRecord, error) {
	f.record("FetchTradeRecord")
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[offerID]; ok {
		return rec, nil
	}
	return nil, backend.ErrNotFound
}

func (f *fakeBackend) ReportTradeRequestResult(ctx context.Context, requestID string, result backend.TradeRequestResult) error {
	f.record("ReportTradeRequestResult")
	f.mu.Lock()
	f.requests[requestID] = result
	f.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount() models.Account {
	return models.Account{
		PlatformID:     "100001",
		Login:          "fleetbot",
		Password:       "hunter2",
		Name:           "Fleet Bot",
		IdentitySecret: "identity-secret",
		AppScope:       730,
		Active:         true,
	}
}

// newOnlineSession builds a session already authenticated and provisioned,
// bypassing the login pipeline. The dispatcher is running.
func newOnlineSession(client *fakeClient, bc *fakeBackend) *AccountSession {
	s := NewAccountSession(testAccount(), platform.DialerFunc(func() platform.SessionClient {
		return client
	}), bc, testLogger())
	s.mu.Lock()
	s.cl = client
	s.account.Online = true
	s.account.APIKey = "existing-key"
	s.account.TradeLink = "https://example.com/tradeoffer/new/?partner=1"
	s.logged = true
	s.quit = make(chan struct{})
	s.mu.Unlock()
	s.Start(context.Background())
	return s
}
