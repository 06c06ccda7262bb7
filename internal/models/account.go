package models

import "time"

// Account is one platform identity operated by the fleet. It is created at
// process start from persisted configuration and reconfigured, never deleted,
// during the process lifetime.
type Account struct {
	// PlatformID is assigned by the platform after the first successful login.
	PlatformID string `json:"platform_id" db:"platform_id"`

	Login    string `json:"login" db:"login"`
	Password string `json:"password" db:"password"`
	Name     string `json:"name" db:"name"`

	// LoginKey is the persisted session token, preferred over the password on
	// reconnect and discarded on fatal authentication errors.
	LoginKey string `json:"login_key" db:"login_key"`

	// SharedSecret seeds time-based guard codes; IdentitySecret signs mobile
	// confirmations.
	SharedSecret   string `json:"shared_secret" db:"shared_secret"`
	IdentitySecret string `json:"identity_secret" db:"identity_secret"`

	APIKey    string `json:"api_key" db:"api_key"`
	TradeLink string `json:"trade_link" db:"trade_link"`

	// AppScope restricts inventories and offers to a single platform app.
	AppScope int `json:"app_scope" db:"app_scope"`

	// Proxy is an optional outbound proxy, host:port.
	Proxy string `json:"proxy" db:"proxy"`

	Active bool `json:"active" db:"active"`

	// Online implies a live platform session. DisconnectReason explains the
	// last transition to offline.
	Online           bool   `json:"online" db:"online"`
	DisconnectReason string `json:"disconnect_reason" db:"disconnect_reason"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SetOnline flips the online flag and records why the account went offline.
// An empty reason clears the previous one.
func (a *Account) SetOnline(online bool, reason string) {
	a.Online = online
	if reason != "" || !online {
		a.DisconnectReason = reason
	}
}
