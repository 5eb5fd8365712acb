package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/engine"
	"github.com/blackbox-ledger/blackbox/internal/network"
	"github.com/blackbox-ledger/blackbox/internal/shardstore"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configurable parameters for the ledger and engine daemons
type Config struct {
	Ledger  LedgerConfig   `json:"ledger" yaml:"ledger"`
	Engine  EngineConfig   `json:"engine" yaml:"engine"`
	Network network.Config `json:"network" yaml:"network"`
}

// LedgerConfig configures ledgerd.
type LedgerConfig struct {
	Port       int    `json:"port" yaml:"port"`
	StorageDir string `json:"storage_dir" yaml:"storage_dir"` // Shard store; empty keeps shards in memory
	CustodyDB  string `json:"custody_db" yaml:"custody_db"`   // SQLite vault; empty keeps it in memory

	MaxShardBytes       int  `json:"max_shard_bytes" yaml:"max_shard_bytes"`
	EntryBytes          int  `json:"entry_bytes" yaml:"entry_bytes"`
	MaxShards           int  `json:"max_shards" yaml:"max_shards"`
	AutoProvisionShards bool `json:"auto_provision_shards" yaml:"auto_provision_shards"`

	EngineURL     string `json:"engine_url" yaml:"engine_url"`
	CallbackURL   string `json:"callback_url" yaml:"callback_url"`     // Public URL of this ledger's /callback
	EngineAddress string `json:"engine_address" yaml:"engine_address"` // Callback signer; fetched from the engine when empty

	PendingTTL      string `json:"pending_ttl" yaml:"pending_ttl"`
	JanitorInterval string `json:"janitor_interval" yaml:"janitor_interval"`
}

// EngineConfig configures engined.
type EngineConfig struct {
	Port           int    `json:"port" yaml:"port"`
	KeyFile        string `json:"key_file" yaml:"key_file"`
	OverflowPolicy string `json:"overflow_policy" yaml:"overflow_policy"`
	QueueSize      int    `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Port:                8080,
			MaxShardBytes:       shardstore.DefaultMaxShardBytes,
			EntryBytes:          engine.EntrySize,
			MaxShards:           shardstore.DefaultMaxShards,
			AutoProvisionShards: true,
			EngineURL:           "http://localhost:8090",
			CallbackURL:         "http://localhost:8080/callback",
			PendingTTL:          "5m",
			JanitorInterval:     "30s",
		},
		Engine: EngineConfig{
			Port:           8090,
			KeyFile:        "engine.key",
			OverflowPolicy: string(engine.OverflowReject),
			QueueSize:      100,
		},
	}
}

// Load reads a JSON or YAML config file, chosen by extension, over the
// defaults. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDefault loads the default config from config.json in the config directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			c.Ledger.Port = n
		}
	}
	if p := os.Getenv("ENGINE_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			c.Engine.Port = n
		}
	}
	if dir := os.Getenv("SHARD_STORE_PATH"); dir != "" {
		c.Ledger.StorageDir = dir
	}
	if path := os.Getenv("CUSTODY_DB"); path != "" {
		c.Ledger.CustodyDB = path
	}
	if url := os.Getenv("ENGINE_URL"); url != "" {
		c.Ledger.EngineURL = url
	}
	if url := os.Getenv("CALLBACK_URL"); url != "" {
		c.Ledger.CallbackURL = url
	}
	if addr := os.Getenv("ENGINE_ADDRESS"); addr != "" {
		c.Ledger.EngineAddress = addr
	}
	if path := os.Getenv("ENGINE_KEY_FILE"); path != "" {
		c.Engine.KeyFile = path
	}
}

// GetPendingTTL returns how long a request may wait for its callback.
func (c *Config) GetPendingTTL() time.Duration {
	d, err := time.ParseDuration(c.Ledger.PendingTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetJanitorInterval returns how often expired requests are swept.
func (c *Config) GetJanitorInterval() time.Duration {
	d, err := time.ParseDuration(c.Ledger.JanitorInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	l := c.Ledger
	if l.Port <= 0 || l.Port > 65535 {
		return fmt.Errorf("ledger.port out of range: %d", l.Port)
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port out of range: %d", c.Engine.Port)
	}
	if l.EntryBytes <= 0 {
		return fmt.Errorf("ledger.entry_bytes must be positive")
	}
	if l.EntryBytes < engine.EntrySize {
		return fmt.Errorf("ledger.entry_bytes %d is below the engine's entry size %d", l.EntryBytes, engine.EntrySize)
	}
	if l.MaxShardBytes < l.EntryBytes {
		return fmt.Errorf("ledger.max_shard_bytes must hold at least one entry")
	}
	if l.MaxShards <= 0 {
		return fmt.Errorf("ledger.max_shards must be positive")
	}
	if l.EngineURL == "" {
		return fmt.Errorf("ledger.engine_url is required")
	}
	if l.CallbackURL == "" {
		return fmt.Errorf("ledger.callback_url is required")
	}
	if l.EngineAddress != "" && !common.IsHexAddress(l.EngineAddress) {
		return fmt.Errorf("ledger.engine_address is not an address: %s", l.EngineAddress)
	}
	for name, v := range map[string]string{"pending_ttl": l.PendingTTL, "janitor_interval": l.JanitorInterval} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("ledger.%s must be a positive duration: %q", name, v)
		}
	}
	if !engine.OverflowPolicy(c.Engine.OverflowPolicy).Valid() {
		return fmt.Errorf("invalid engine.overflow_policy: %s", c.Engine.OverflowPolicy)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if c.Network.DelayEnabled && c.Network.MaxDelayMs < c.Network.MinDelayMs {
		return fmt.Errorf("network.max_delay_ms must not be below min_delay_ms")
	}
	return nil
}
