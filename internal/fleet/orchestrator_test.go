package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

func newTestOrchestrator(client *fakeClient, bc *fakeBackend) (*Orchestrator, *AccountSession) {
	o := NewOrchestrator(Options{
		Dialer:  platform.DialerFunc(func() platform.SessionClient { return client }),
		Backend: bc,
		Logger:  testLogger(),
		Domain:  "example.com",
	})
	s := o.AddAccount(testAccount())

	s.mu.Lock()
	s.cl = client
	s.account.Online = true
	s.account.APIKey = "existing-key"
	s.logged = true
	s.quit = make(chan struct{})
	s.mu.Unlock()
	s.Start(context.Background())
	return o, s
}

func TestCreateTradeValidation(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	valid := depositRequest()

	tests := []struct {
		name    string
		mutate  func(*models.TradeRequest)
		prepare func()
		want    error
	}{
		{
			name:   "missing request id",
			mutate: func(r *models.TradeRequest) { r.RequestID = "" },
			want:   ErrInvalidRequest,
		},
		{
			name:   "missing items",
			mutate: func(r *models.TradeRequest) { r.Items = nil },
			want:   ErrInvalidRequest,
		},
		{
			name:   "missing access token",
			mutate: func(r *models.TradeRequest) { r.AccessToken = "" },
			want:   ErrInvalidRequest,
		},
		{
			name:   "unknown kind",
			mutate: func(r *models.TradeRequest) { r.Kind = "loan" },
			want:   ErrInvalidRequest,
		},
		{
			name:   "unknown account",
			mutate: func(r *models.TradeRequest) { r.AccountID = "999999" },
			want:   ErrAccountNotFound,
		},
		{
			name: "offline account",
			prepare: func() {
				s.mu.Lock()
				s.account.Online = false
				s.mu.Unlock()
			},
			want: ErrAccountOffline,
		},
		{
			name: "inactive account",
			prepare: func() {
				s.mu.Lock()
				s.account.Active = false
				s.mu.Unlock()
			},
			want: ErrAccountInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := *valid
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			if tt.prepare != nil {
				tt.prepare()
			}
			err := o.CreateTrade(&req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Validation failures never reached the platform.
	assert.Equal(t, 0, client.callCount("CreateOffer"))
}

func TestCreateTradeDispatchesSend(t *testing.T) {
	client := newFakeClient()
	client.createFn = func(platform.OfferSpec) (string, error) {
		return "offer-42", nil
	}
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	require.NoError(t, o.CreateTrade(depositRequest()))

	require.Eventually(t, func() bool {
		result, ok := bc.requestResult("req-1")
		return ok && result.OfferID == "offer-42"
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, s.Trades(), 1)
	assert.Equal(t, "offer-42", s.Trades()[0].OfferID())
}

func TestReconcileAdoptsUntrackedOffersOnce(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	list := &platform.OfferList{
		Received: []platform.Offer{*activeOffer("o-40")},
	}

	o.reconcile(s, list)
	o.reconcile(s, list)

	require.Len(t, s.Trades(), 1)
	assert.Equal(t, "o-40", s.Trades()[0].OfferID())
}

func TestReconcileRechecksDivergentSentOffer(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	terminal := *activeOffer("o-50")
	terminal.State = models.OfferAccepted
	list := &platform.OfferList{Sent: []platform.Offer{terminal}}

	// The backend has no record: the offer must be re-examined, exactly
	// once, even across overlapping listings.
	o.reconcile(s, list)
	o.reconcile(s, list)

	require.Eventually(t, func() bool {
		return len(s.Trades()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	require.Len(t, s.Trades(), 1)

	tr := s.Trades()[0]
	assert.Equal(t, "o-50", tr.OfferID())
	assert.Equal(t, models.OfferRecheckRequired, tr.State())
	assert.False(t, tr.Done())
}

func TestReconcileSkipsAgreedSentOffer(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	terminal := *activeOffer("o-51")
	terminal.State = models.OfferDeclined
	bc.mu.Lock()
	bc.records["o-51"] = &models.TradeRecord{OfferID: "o-51", Status: models.OfferDeclined}
	bc.mu.Unlock()

	o.reconcile(s, &platform.OfferList{Sent: []platform.Offer{terminal}})

	require.Eventually(t, func() bool {
		return bc.callCount("FetchTradeRecord") == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Trades())
}

func TestReconcileIgnoresTerminalReceivedOffers(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	declined := *activeOffer("o-52")
	declined.State = models.OfferDeclined

	o.reconcile(s, &platform.OfferList{Received: []platform.Offer{declined}})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Trades())
	assert.Equal(t, 0, bc.callCount("FetchTradeRecord"))
}

func TestIncomingOfferAcceptedByDecision(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	bc.decision = true
	o, s := newTestOrchestrator(client, bc)

	o.reconcile(s, &platform.OfferList{
		Received: []platform.Offer{*activeOffer("o-60")},
	})

	// Both inventories are fetched before the trade is decided.
	require.Eventually(t, func() bool {
		return client.callCount("AcceptOffer") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, client.callCount("FetchInventory"))
	assert.Equal(t, 1, bc.callCount("FetchTradeDecision"))
}

func TestIncomingOfferDeclinedByDecision(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	bc.decision = false
	o, s := newTestOrchestrator(client, bc)

	o.reconcile(s, &platform.OfferList{
		Received: []platform.Offer{*activeOffer("o-61")},
	})

	require.Eventually(t, func() bool {
		return client.callCount("DeclineOffer") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, client.callCount("AcceptOffer"))
}

func TestSessionLookup(t *testing.T) {
	client := newFakeClient()
	bc := newFakeBackend()
	o, s := newTestOrchestrator(client, bc)

	assert.Equal(t, s, o.SessionByLogin("fleetbot"))
	assert.Nil(t, o.SessionByLogin("nobody"))
	assert.Equal(t, s, o.SessionByPlatformID("100001"))
	assert.Nil(t, o.SessionByPlatformID(""))

	accounts := o.Accounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "fleetbot", accounts[0].Login)
}
