package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/fleet"
	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

func newTestServer(t *testing.T) (*Server, *fleet.Orchestrator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := fleet.NewOrchestrator(fleet.Options{
		Dialer: platform.DialerFunc(func() platform.SessionClient { return nil }),
		Logger: logger,
	})
	orch.AddAccount(models.Account{
		PlatformID: "100001",
		Login:      "idlebot",
		Name:       "Idle Bot",
		Active:     false,
	})
	return NewServer(orch, nil, logger), orch
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateTradeRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/trades", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTradeValidationStatuses(t *testing.T) {
	s, _ := newTestServer(t)

	valid := models.TradeRequest{
		RequestID:   "req-1",
		AccountID:   "100001",
		PartnerID:   "200001",
		AccessToken: "token",
		Kind:        models.TradeDeposit,
		Items:       []models.Asset{{AssetID: "a1", AppID: 730}},
	}

	tests := []struct {
		name   string
		mutate func(*models.TradeRequest)
		want   int
	}{
		{
			name:   "missing fields",
			mutate: func(r *models.TradeRequest) { r.AccessToken = "" },
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown account",
			mutate: func(r *models.TradeRequest) { r.AccountID = "999" },
			want:   http.StatusNotFound,
		},
		{
			// The only registered account is inactive.
			name: "inactive account",
			want: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			rec := doRequest(t, s, http.MethodPost, "/trades", req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListBots(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bots []botStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, "idlebot", bots[0].Login)
	assert.False(t, bots[0].Online)
}

func TestBotCommandsUnknownLogin(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/bots/nobody/connect",
		"/bots/nobody/restart",
		"/bots/nobody/inventory",
		"/bots/nobody/offers",
	} {
		rec := doRequest(t, s, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRestartRejectsUnknownMode(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/bots/idlebot/restart?mode=violent", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectAccepted(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/bots/idlebot/connect", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGuardCodeWithoutChallenge(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/bots/idlebot/guard-code",
		map[string]string{"code": "12345"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/bots/idlebot/guard-code",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTradesEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/bots/idlebot/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []models.TradeSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Empty(t, trades)
}
