// Package api is the operator-facing control surface: trade requests,
// per-account commands, fleet status and the notification stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"tradefleet/internal/fleet"
	"tradefleet/internal/models"
	"tradefleet/internal/ws"
)

type Server struct {
	orch   *fleet.Orchestrator
	hub    *ws.Hub
	logger *slog.Logger
}

func NewServer(orch *fleet.Orchestrator, hub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		orch:   orch,
		hub:    hub,
		logger: logger,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/trades", s.handleCreateTrade).Methods(http.MethodPost)
	r.HandleFunc("/bots", s.handleListBots).Methods(http.MethodGet)
	r.HandleFunc("/bots/{login}/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/logoff", s.handleLogOff).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/inventory", s.handleRefreshInventory).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/offers", s.handleFetchOffers).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/guard-code", s.handleGuardCode).Methods(http.MethodPost)
	r.HandleFunc("/bots/{login}/trades", s.handleListTrades).Methods(http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.ServeWS(s.hub, w, r)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.orch.CreateTrade(&req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.RequestID})
	case errors.Is(err, fleet.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrAccountInactive),
		errors.Is(err, fleet.ErrAccountOffline),
		errors.Is(err, fleet.ErrAccountLoggingOff):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("create trade failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type botStatus struct {
	Login      string `json:"login"`
	PlatformID string `json:"platform_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Active     bool   `json:"active"`
	Online     bool   `json:"online"`
	Reason     string `json:"disconnect_reason,omitempty"`
	Trades     int    `json:"trades"`
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	sessions := s.orch.Sessions()
	out := make([]botStatus, 0, len(sessions))
	for _, sess := range sessions {
		a := sess.Account()
		out = append(out, botStatus{
			Login:      a.Login,
			PlatformID: a.PlatformID,
			Name:       a.Name,
			Active:     a.Active,
			Online:     a.Online,
			Reason:     a.DisconnectReason,
			Trades:     len(sess.Trades()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) *fleet.AccountSession {
	login := mux.Vars(r)["login"]
	sess := s.orch.SessionByLogin(login)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown bot")
		return nil
	}
	return sess
}

// logOffMode parses the mode query parameter, defaulting to safe.
func logOffMode(r *http.Request) (fleet.LogOffMode, bool) {
	switch r.URL.Query().Get("mode") {
	case "", "safe":
		return fleet.LogOffSafe, true
	case "cancel":
		return fleet.LogOffCancelTrades, true
	case "force":
		return fleet.LogOffForce, true
	}
	return 0, false
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	go sess.Login()
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleLogOff(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	mode, ok := logOffMode(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown log off mode")
		return
	}
	go sess.LogOff(mode)
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	mode, ok := logOffMode(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown log off mode")
		return
	}
	go sess.Restart(mode)
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleRefreshInventory(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	sess.RefreshInventory()
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleFetchOffers(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	go sess.FetchOffers()
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleGuardCode(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, http.StatusBadRequest, "missing guard code")
		return
	}
	if !sess.SubmitGuardCode(body.Code) {
		writeError(w, http.StatusConflict, "no guard challenge pending")
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	trades := sess.Trades()
	out := make([]*models.TradeSnapshot, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}
