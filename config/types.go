package config

import "time"

// Logging controls the service logger.
type Logging struct {
	Level      string `toml:"Level"`
	Format     string `toml:"Format"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Auth configures bearer token verification on the RPC surface. The token
// subject is the calling account.
type Auth struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
	// AllowAnonymousReads lets unauthenticated clients call read-only methods.
	AllowAnonymousReads bool `toml:"AllowAnonymousReads"`
}

// RateLimit throttles RPC requests per caller.
type RateLimit struct {
	RequestsPerMinute int `toml:"RequestsPerMinute"`
	Burst             int `toml:"Burst"`
}

// Journal locates the SQLite event journal. An empty path disables it.
type Journal struct {
	Path string `toml:"Path"`
}

// AssetContract registers an asset contract the engine may hold assets of.
type AssetContract struct {
	ID    string `toml:"ID"`
	Kind  string `toml:"Kind"`
	URL   string `toml:"URL,omitempty"`
	Token string `toml:"Token,omitempty"`
}

// Balance is a genesis ledger credit in base units.
type Balance struct {
	Account string `toml:"Account"`
	Amount  string `toml:"Amount"`
}

// Asset is a genesis mint on a native contract.
type Asset struct {
	Contract string `toml:"Contract"`
	TokenID  string `toml:"TokenID"`
	Owner    string `toml:"Owner"`
}

// QueryTimeout returns the per-query I/O deadline.
func (c *Config) QueryTimeout() time.Duration {
	if c.QueryTimeoutSeconds <= 0 {
		return DefaultQueryTimeout
	}
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}
