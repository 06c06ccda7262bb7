// Package remote talks to a session gateway: a sidecar daemon that owns the
// raw platform protocol and exposes it as REST plus a websocket event
// stream. One gateway session maps to one platform login.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"tradefleet/internal/models"
	"tradefleet/internal/platform"
)

// Gateway dials sessions against one gateway endpoint. It satisfies the
// platform Dialer.
type Gateway struct {
	endpoint string
	wsBase   string
	logger   *slog.Logger
}

func NewGateway(endpoint string, logger *slog.Logger) *Gateway {
	return &Gateway{
		endpoint: endpoint,
		wsBase:   websocketBase(endpoint),
		logger:   logger,
	}
}

func websocketBase(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Dial returns a fresh, unconnected session client.
func (g *Gateway) Dial() platform.SessionClient {
	return &Client{
		http: resty.New().
			SetBaseURL(g.endpoint).
			SetTimeout(30 * time.Second).
			SetRetryCount(2),
		wsBase: g.wsBase,
		logger: g.logger,
		events: make(chan platform.Event, 32),
	}
}

// Client is one gateway session. Safe for concurrent use after Connect.
type Client struct {
	http   *resty.Client
	wsBase string
	logger *slog.Logger
	events chan platform.Event

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	closed    bool
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// apiError maps a gateway error payload onto the shared offer error type so
// callers can switch on the platform code.
func apiError(resp *resty.Response, op string) error {
	var we wireError
	if err := json.Unmarshal(resp.Body(), &we); err == nil && we.Code != 0 {
		return fmt.Errorf("%s: %w", op, &platform.OfferError{Code: we.Code, Message: we.Message})
	}
	return fmt.Errorf("%s: gateway returned %s", op, resp.Status())
}

// Connect opens a gateway session and starts streaming its events. An error
// here means the gateway itself was unreachable; authentication outcomes
// arrive on the event channel.
func (c *Client) Connect(ctx context.Context, creds platform.Credentials) error {
	body := map[string]string{
		"login":      creds.Login,
		"password":   creds.Password,
		"login_key":  creds.LoginKey,
		"guard_code": creds.GuardCode,
		"proxy":      creds.Proxy,
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/sessions")
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if resp.IsError() {
		return apiError(resp, "connect")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsBase+"/sessions/"+out.SessionID+"/events", nil)
	if err != nil {
		return fmt.Errorf("connect: event stream: %w", err)
	}

	c.mu.Lock()
	c.sessionID = out.SessionID
	c.conn = conn
	c.mu.Unlock()

	go c.readEvents(conn)
	return nil
}

// Disconnect is idempotent. The event channel closes once the stream is
// down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		if _, err := c.http.R().Delete("/sessions/" + sessionID); err != nil {
			c.logger.Debug("session delete failed", "err", err)
		}
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) Events() <-chan platform.Event {
	return c.events
}

type wireEvent struct {
	Kind         string   `json:"kind"`
	PlatformID   string   `json:"platform_id,omitempty"`
	Token        string   `json:"token,omitempty"`
	Cookies      []string `json:"cookies,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Code         int      `json:"code,omitempty"`
	LoginKey     string   `json:"login_key,omitempty"`
	OfferCount   int      `json:"offer_count,omitempty"`
	GuardChannel string   `json:"guard_channel,omitempty"`
	EmailDomain  string   `json:"email_domain,omitempty"`
}

func (c *Client) readEvents(conn *websocket.Conn) {
	defer close(c.events)
	for {
		var we wireEvent
		if err := conn.ReadJSON(&we); err != nil {
			c.logger.Debug("event stream closed", "err", err)
			return
		}
		ev, ok := c.mapEvent(we)
		if !ok {
			c.logger.Warn("unknown gateway event", "kind", we.Kind)
			continue
		}
		c.events <- ev
	}
}

func (c *Client) mapEvent(we wireEvent) (platform.Event, bool) {
	switch we.Kind {
	case "authenticated":
		return platform.Event{Kind: platform.EventAuthenticated, PlatformID: we.PlatformID}, true
	case "session_established":
		return platform.Event{
			Kind:         platform.EventSessionEstablished,
			SessionToken: we.Token,
			Cookies:      we.Cookies,
		}, true
	case "disconnected":
		return platform.Event{Kind: platform.EventDisconnected, Reason: we.Reason}, true
	case "error":
		return platform.Event{Kind: platform.EventError, Code: platform.ResultCode(we.Code)}, true
	case "login_key":
		return platform.Event{Kind: platform.EventLoginKey, LoginKey: we.LoginKey}, true
	case "guard_challenge":
		return platform.Event{
			Kind: platform.EventGuardChallenge,
			Guard: &platform.GuardChallenge{
				Channel:     platform.GuardChannel(we.GuardChannel),
				EmailDomain: we.EmailDomain,
				Respond:     c.respondGuard,
			},
		}, true
	case "offer_count":
		return platform.Event{Kind: platform.EventOfferCountChanged, OfferCount: we.OfferCount}, true
	}
	return platform.Event{}, false
}

// respondGuard feeds a second-factor code back into the pending login.
func (c *Client) respondGuard(code string) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	resp, err := c.http.R().
		SetBody(map[string]string{"code": code}).
		Post("/sessions/" + sessionID + "/guard")
	if err != nil {
		c.logger.Error("guard response failed", "err", err)
		return
	}
	if resp.IsError() {
		c.logger.Error("guard response rejected", "status", resp.Status())
	}
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) ListOffers(ctx context.Context, filter platform.OfferFilter) (*platform.OfferList, error) {
	var out platform.OfferList
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"received":    strconv.FormatBool(filter.Received),
			"sent":        strconv.FormatBool(filter.Sent),
			"active_only": strconv.FormatBool(filter.ActiveOnly),
			"cutoff":      strconv.FormatInt(filter.HistoricalCutoff.Unix(), 10),
		}).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/offers")
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp, "list offers")
	}
	return &out, nil
}

func (c *Client) GetOffer(ctx context.Context, offerID string) (*platform.Offer, error) {
	var out platform.Offer
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/offers/" + offerID)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp, "get offer")
	}
	return &out, nil
}

func (c *Client) CreateOffer(ctx context.Context, spec platform.OfferSpec) (string, error) {
	var out struct {
		OfferID string `json:"offer_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(spec).
		SetResult(&out).
		Post("/sessions/" + c.session() + "/offers")
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp, "create offer")
	}
	return out.OfferID, nil
}

func (c *Client) AcceptOffer(ctx context.Context, offerID string) error {
	return c.offerAction(ctx, offerID, "accept")
}

func (c *Client) DeclineOffer(ctx context.Context, offerID string) error {
	return c.offerAction(ctx, offerID, "decline")
}

func (c *Client) CancelOffer(ctx context.Context, offerID string) error {
	return c.offerAction(ctx, offerID, "cancel")
}

func (c *Client) offerAction(ctx context.Context, offerID, action string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/sessions/" + c.session() + "/offers/" + offerID + "/" + action)
	if err != nil {
		return fmt.Errorf("%s offer: %w", action, err)
	}
	if resp.IsError() {
		return apiError(resp, action+" offer")
	}
	return nil
}

func (c *Client) GetHoldDuration(ctx context.Context, partnerID, accessToken string) (*platform.HoldDuration, error) {
	var out platform.HoldDuration
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"partner": partnerID,
			"token":   accessToken,
		}).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/hold")
	if err != nil {
		return nil, fmt.Errorf("hold duration: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp, "hold duration")
	}
	return &out, nil
}

func (c *Client) FetchInventory(ctx context.Context, ownerID string, appID int) ([]models.InventoryItem, error) {
	var out struct {
		Items []models.InventoryItem `json:"items"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("app", strconv.Itoa(appID)).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/inventory/" + ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch inventory: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp, "fetch inventory")
	}
	return out.Items, nil
}

func (c *Client) ReceiptItems(ctx context.Context, tradeID string) ([]models.Asset, error) {
	var out struct {
		Items []models.Asset `json:"items"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/receipts/" + tradeID)
	if err != nil {
		return nil, fmt.Errorf("receipt items: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp, "receipt items")
	}
	return out.Items, nil
}

func (c *Client) ConfirmAll(ctx context.Context, identitySecret string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"identity_secret": identitySecret}).
		Post("/sessions/" + c.session() + "/confirmations")
	if err != nil {
		return fmt.Errorf("confirm all: %w", err)
	}
	if resp.IsError() {
		return apiError(resp, "confirm all")
	}
	return nil
}

func (c *Client) RegisterAPIKey(ctx context.Context, domain string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"domain": domain}).
		SetResult(&out).
		Post("/sessions/" + c.session() + "/api-key")
	if err != nil {
		return "", fmt.Errorf("register api key: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp, "register api key")
	}
	return out.Key, nil
}

func (c *Client) TradeLink(ctx context.Context) (string, string, error) {
	var out struct {
		Token string `json:"token"`
		Link  string `json:"link"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/sessions/" + c.session() + "/trade-link")
	if err != nil {
		return "", "", fmt.Errorf("trade link: %w", err)
	}
	if resp.IsError() {
		return "", "", apiError(resp, "trade link")
	}
	return out.Token, out.Link, nil
}
