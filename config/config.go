package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"

	ContractNative = "native"
	ContractRemote = "remote"

	DefaultQueryTimeout = 10 * time.Second
)

type Config struct {
	ListenAddress       string `toml:"ListenAddress"`
	DataDir             string `toml:"DataDir"`
	Backend             string `toml:"Backend"`
	Environment         string `toml:"Environment"`
	EngineAccount       string `toml:"EngineAccount"`
	Owner               string `toml:"Owner"`
	Operator            string `toml:"Operator,omitempty"`
	Treasury            string `toml:"Treasury,omitempty"`
	QueryTimeoutSeconds int    `toml:"QueryTimeoutSeconds"`
	QueryQueueSize      int    `toml:"QueryQueueSize"`

	Logging        Logging         `toml:"Logging"`
	Auth           Auth            `toml:"Auth"`
	RateLimit      RateLimit       `toml:"RateLimit"`
	Journal        Journal         `toml:"Journal"`
	AssetContracts []AssetContract `toml:"AssetContracts"`
	Balances       []Balance       `toml:"Balances"`
	Assets         []Asset         `toml:"Assets"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.Backend) == "" {
		cfg.Backend = BackendLevelDB
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if strings.TrimSpace(cfg.DataDir) == "" && cfg.Backend != BackendMemory {
		cfg.DataDir = "./escrow-data"
	}
	if cfg.QueryQueueSize <= 0 {
		cfg.QueryQueueSize = 256
	}
	if cfg.RateLimit.RequestsPerMinute > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerMinute
	}
	for i := range cfg.AssetContracts {
		kind := strings.ToLower(strings.TrimSpace(cfg.AssetContracts[i].Kind))
		if kind == "" {
			kind = ContractNative
		}
		cfg.AssetContracts[i].Kind = kind
	}
	if cfg.AssetContracts == nil {
		cfg.AssetContracts = []AssetContract{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:       ":8545",
		DataDir:             "./escrow-data",
		Backend:             BackendLevelDB,
		Environment:         "local",
		EngineAccount:       "escrow.local",
		Owner:               "owner.local",
		QueryTimeoutSeconds: int(DefaultQueryTimeout / time.Second),
		QueryQueueSize:      256,
		Logging:             Logging{Level: "info", Format: "json"},
		RateLimit:           RateLimit{RequestsPerMinute: 600, Burst: 60},
		Journal:             Journal{Path: "./escrow-data/events.db"},
		AssetContracts:      []AssetContract{{ID: "nft.local", Kind: ContractNative}},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
