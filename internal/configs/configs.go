package configs

import "tradefleet/internal/models"

type Config struct {
	// Proxy, when set, is exported for all outbound HTTP traffic.
	Proxy string `json:"proxy,omitempty" yaml:"proxy"`

	Backend  Backend  `json:"backend" yaml:"backend"`
	Gateway  Gateway  `json:"gateway" yaml:"gateway"`
	Database Database `json:"database" yaml:"database"`
	API      API      `json:"api" yaml:"api"`
	Fleet    Fleet    `json:"fleet" yaml:"fleet"`
}

type Backend struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"` // orchestrating backend base URL
	Token    string `json:"token" yaml:"token"`       // bearer token for backend calls
}

type Gateway struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"` // session gateway base URL
}

type Database struct {
	ConnStr string `json:"conn_str" yaml:"conn_str"` // postgres connection string
}

type API struct {
	Listen string `json:"listen" yaml:"listen"` // control API listen address
}

type Fleet struct {
	// Domain is presented to the platform when registering API keys.
	Domain string `json:"domain" yaml:"domain"`

	// AppScope is the default app inventory scope for accounts that do not
	// set their own.
	AppScope int `json:"app_scope" yaml:"app_scope"`

	// Accounts seeds the roster when the database has none yet.
	Accounts []models.Account `json:"accounts" yaml:"accounts"`
}
