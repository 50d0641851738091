package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("config: unsupported backend %q", c.Backend)
	}
	if strings.TrimSpace(c.EngineAccount) == "" {
		return fmt.Errorf("config: EngineAccount is required")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("config: Owner is required")
	}
	if c.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("config: QueryTimeoutSeconds must not be negative")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMACSecret is required when auth is enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: values must not be negative")
	}
	seen := make(map[string]string, len(c.AssetContracts))
	for _, contract := range c.AssetContracts {
		id := strings.TrimSpace(contract.ID)
		if id == "" {
			return fmt.Errorf("asset contract: ID is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("asset contract %s: duplicate ID", id)
		}
		seen[id] = contract.Kind
		switch contract.Kind {
		case ContractNative:
		case ContractRemote:
			parsed, err := url.Parse(strings.TrimSpace(contract.URL))
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("asset contract %s: remote contracts need an absolute URL", id)
			}
		default:
			return fmt.Errorf("asset contract %s: unknown kind %q", id, contract.Kind)
		}
	}
	for _, bal := range c.Balances {
		if _, err := bal.Value(); err != nil {
			return fmt.Errorf("balance %s: %w", bal.Account, err)
		}
	}
	for _, asset := range c.Assets {
		if seen[strings.TrimSpace(asset.Contract)] != ContractNative {
			return fmt.Errorf("asset %s/%s: genesis mints need a native contract", asset.Contract, asset.TokenID)
		}
		if strings.TrimSpace(asset.TokenID) == "" || strings.TrimSpace(asset.Owner) == "" {
			return fmt.Errorf("asset %s: TokenID and Owner are required", asset.Contract)
		}
	}
	return nil
}

// Value parses the configured amount.
func (b Balance) Value() (*big.Int, error) {
	trimmed := strings.TrimSpace(b.Amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", b.Amount)
	}
	if strings.TrimSpace(b.Account) == "" {
		return nil, fmt.Errorf("account is required")
	}
	return amount, nil
}
