package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
)

func newTestBackend(t *testing.T) (*Client, *mux.Router) {
	t.Helper()
	router := mux.NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return New(server.URL, "test-token"), router
}

func TestFetchTradeRecord(t *testing.T) {
	client, router := newTestBackend(t)

	router.HandleFunc("/trade/{offerID}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["offerID"] != "o-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.TradeRecord{OfferID: "o-1", Status: models.OfferAccepted})
	})

	rec, err := client.FetchTradeRecord(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", rec.OfferID)
	assert.Equal(t, models.OfferAccepted, rec.Status)

	_, err = client.FetchTradeRecord(context.Background(), "o-2")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestFetchTradeDecision(t *testing.T) {
	client, router := newTestBackend(t)

	var received backend.DecisionContext
	router.HandleFunc("/trade/decision", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"accept": true})
	})

	accept, err := client.FetchTradeDecision(context.Background(), backend.DecisionContext{
		Direction: "incoming",
		AccountID: "100001",
	})
	require.NoError(t, err)
	assert.True(t, accept)
	assert.Equal(t, "incoming", received.Direction)
	assert.Equal(t, "100001", received.AccountID)
}

func TestFetchGuardCode(t *testing.T) {
	client, router := newTestBackend(t)

	router.HandleFunc("/bot/{id}/guard-code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch mux.Vars(r)["id"] {
		case "100001":
			json.NewEncoder(w).Encode(map[string]string{"code": "XYZ789"})
		default:
			json.NewEncoder(w).Encode(map[string]string{})
		}
	})

	code, err := client.FetchGuardCode(context.Background(), "100001")
	require.NoError(t, err)
	assert.Equal(t, "XYZ789", code)

	// An empty code is an error, not a silent blank answer.
	_, err = client.FetchGuardCode(context.Background(), "100002")
	assert.Error(t, err)
}

func TestReportTradeRequestResult(t *testing.T) {
	client, router := newTestBackend(t)

	var got backend.TradeRequestResult
	router.HandleFunc("/trade/request/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-7", mux.Vars(r)["id"])
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	err := client.ReportTradeRequestResult(context.Background(), "req-7",
		backend.TradeRequestResult{OfferID: "offer-7"})
	require.NoError(t, err)
	assert.Equal(t, "offer-7", got.OfferID)
}

func TestPostErrorsSurfaceStatus(t *testing.T) {
	client, router := newTestBackend(t)

	router.HandleFunc("/bot/error", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	err := client.ReportError(context.Background(), backend.ErrorReport{
		AccountID: "100001",
		Kind:      backend.ErrorGeneralSession,
	})
	assert.Error(t, err)
}

func TestRequestCarriesAuthAndRequestID(t *testing.T) {
	client, router := newTestBackend(t)

	var auth, requestID string
	router.HandleFunc("/bot/online", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.ReportOnline(context.Background(), "100001"))
	assert.Equal(t, "Bearer test-token", auth)
	assert.NotEmpty(t, requestID)
}
