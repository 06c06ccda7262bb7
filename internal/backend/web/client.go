// Package web implements the backend Client over HTTP.
package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradefleet/internal/backend"
	"tradefleet/internal/models"
)

// Client talks to the backend REST API. Safe for concurrent use.
type Client struct {
	http *resty.Client
}

// New creates a backend client for the given endpoint. The token, when
// non-empty, is sent as a bearer token on every call.
func New(endpoint, token string) *Client {
	c := resty.New().
		SetTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
		}).
		SetBaseURL(endpoint).
		SetRetryCount(3)

	if token != "" {
		c.SetAuthToken(token)
	}

	return &Client{http: c}
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}

// post sends body as JSON and treats any non-2xx response as an error.
func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	resp, err := c.req(ctx).SetBody(body).Post(path)
	if err != nil {
		return fmt.Errorf("backend: post %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("backend: post %s: status %d", path, resp.StatusCode())
	}
	return nil
}

// ReportError implements backend.Client.
func (c *Client) ReportError(ctx context.Context, report backend.ErrorReport) error {
	return c.post(ctx, "/bot/error", report)
}

// ReportOnline implements backend.Client.
func (c *Client) ReportOnline(ctx context.Context, accountID string) error {
	return c.post(ctx, "/bot/online", map[string]string{"account_id": accountID})
}

// PersistLoginKey implements backend.Client.
func (c *Client) PersistLoginKey(ctx context.Context, accountID, key string) error {
	return c.post(ctx, fmt.Sprintf("/bot/%s/login-key", accountID), map[string]string{"login_key": key})
}

// PersistAPIKey implements backend.Client.
func (c *Client) PersistAPIKey(ctx context.Context, accountID, key string) error {
	return c.post(ctx, fmt.Sprintf("/bot/%s", accountID), map[string]string{"api_key": key})
}

// PersistTradeLink implements backend.Client.
func (c *Client) PersistTradeLink(ctx context.Context, accountID, link string) error {
	return c.post(ctx, fmt.Sprintf("/bot/%s", accountID), map[string]string{"trade_link": link})
}

// PersistPlatformID implements backend.Client.
func (c *Client) PersistPlatformID(ctx context.Context, login, platformID string) error {
	return c.post(ctx, "/bot/platform-id", map[string]string{
		"login":       login,
		"platform_id": platformID,
	})
}

// PersistTrade implements backend.Client.
func (c *Client) PersistTrade(ctx context.Context, accountID string, snap *models.TradeSnapshot) error {
	return c.post(ctx, fmt.Sprintf("/bot/%s/trade", accountID), snap)
}

// PersistInventory implements backend.Client.
func (c *Client) PersistInventory(ctx context.Context, accountID string, items []models.InventoryItem) error {
	return c.post(ctx, fmt.Sprintf("/bot/%s/items", accountID), map[string]interface{}{"items": items})
}

// FetchTradeDecision implements backend.Client.
func (c *Client) FetchTradeDecision(ctx context.Context, decision backend.DecisionContext) (bool, error) {
	var out struct {
		Accept bool `json:"accept"`
	}
	resp, err := c.req(ctx).SetBody(decision).SetResult(&out).Post("/trade/decision")
	if err != nil {
		return false, fmt.Errorf("backend: trade decision: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("backend: trade decision: status %d", resp.StatusCode())
	}
	return out.Accept, nil
}

// FetchGuardCode implements backend.Client.
func (c *Client) FetchGuardCode(ctx context.Context, accountID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	resp, err := c.req(ctx).SetResult(&out).Get(fmt.Sprintf("/bot/%s/guard-code", accountID))
	if err != nil {
		return "", fmt.Errorf("backend: guard code: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("backend: guard code: status %d", resp.StatusCode())
	}
	if out.Code == "" {
		return "", fmt.Errorf("backend: guard code: empty response")
	}
	return out.Code, nil
}

// FetchTradeRecord implements backend.Client.
func (c *Client) FetchTradeRecord(ctx context.Context, offerID string) (*models.TradeRecord, error) {
	var out models.TradeRecord
	resp, err := c.req(ctx).SetResult(&out).Get(fmt.Sprintf("/trade/%s", offerID))
	if err != nil {
		return nil, fmt.Errorf("backend: trade record: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, backend.ErrNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("backend: trade record: status %d", resp.StatusCode())
	}
	return &out, nil
}

// ReportTradeRequestResult implements backend.Client.
func (c *Client) ReportTradeRequestResult(ctx context.Context, requestID string, result backend.TradeRequestResult) error {
	return c.post(ctx, fmt.Sprintf("/trade/request/%s/result", requestID), result)
}
