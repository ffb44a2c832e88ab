// Package config loads the YAML configuration shared by the HTLC daemons.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// PasswordEnv names the environment variable holding the keystore password.
const PasswordEnv = "KLINGON_HTLC_PASSWORD"

// EnvFileName is an optional dotenv file in the data directory. Variables
// already set in the process environment win.
const EnvFileName = ".env"

// Default values.
const (
	DefaultDataDir        = "~/.klingon-htlc"
	DefaultPollInterval   = 5 * time.Second
	DefaultIndexerTimeout = 5 * time.Second
	DefaultDefaultAmount  = 50000
)

// Config holds all configuration for the executor and watcher daemons.
type Config struct {
	// Network is the Bitcoin network (mainnet, testnet, regtest, signet).
	Network chain.Network `yaml:"network"`

	Indexer  IndexerConfig  `yaml:"indexer"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Executor ExecutorConfig `yaml:"executor"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Fees     swap.FeePolicy `yaml:"fees"`
}

// IndexerConfig points at an Esplora-compatible REST API.
type IndexerConfig struct {
	// URL defaults to the public mempool.space API for the network.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and keystore.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is text, json or logfmt.
	Format string `yaml:"format"`
}

// WalletConfig selects the executor's signing key. Exactly one source is used,
// in order: keystore, private_key, mnemonic.
type WalletConfig struct {
	// Keystore is an encrypted key file; its password is read from KLINGON_HTLC_PASSWORD.
	Keystore   string `yaml:"keystore,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"` // hex
	Mnemonic   string `yaml:"mnemonic,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

// ExecutorConfig holds executor daemon settings.
type ExecutorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// UserAddresses select the orders to act on. Defaults to the wallet's
	// x-only public key.
	UserAddresses []string `yaml:"user_addresses"`
	// DefaultAmount is funded when an order's destination amount is unusable.
	DefaultAmount uint64 `yaml:"default_amount"`
	// RPCAddr is the admin JSON-RPC listen address; empty disables it.
	RPCAddr string `yaml:"rpc_addr"`
}

// WatcherConfig holds watcher daemon settings.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// RPCAddr is the admin JSON-RPC listen address; empty disables it.
	RPCAddr string `yaml:"rpc_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Indexer: IndexerConfig{
			Timeout: DefaultIndexerTimeout,
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Executor: ExecutorConfig{
			PollInterval:  DefaultPollInterval,
			DefaultAmount: DefaultDefaultAmount,
			RPCAddr:       "127.0.0.1:7700",
		},
		Watcher: WatcherConfig{
			PollInterval: DefaultPollInterval,
			RPCAddr:      "127.0.0.1:7701",
		},
		Fees: swap.DefaultFeePolicy(),
	}
}

// DefaultIndexerURL returns the public Esplora API for a network. Regtest
// has no public instance and points at a local one.
func DefaultIndexerURL(network chain.Network) string {
	switch network {
	case chain.Mainnet:
		return "https://mempool.space/api"
	case chain.Testnet:
		return "https://mempool.space/testnet/api"
	case chain.Signet:
		return "https://mempool.space/signet/api"
	default:
		return "http://127.0.0.1:3002"
	}
}

// IndexerURL returns the configured indexer URL or the network default.
func (c *Config) IndexerURL() string {
	if c.Indexer.URL != "" {
		return c.Indexer.URL
	}
	return DefaultIndexerURL(c.Network)
}

// DataDir returns the data directory with ~ expanded.
func (c *Config) DataDir() string {
	return expandPath(c.Storage.DataDir)
}

// KeystorePath returns the keystore path, resolved against the data directory
// when relative.
func (c *Config) KeystorePath() string {
	p := expandPath(c.Wallet.Keystore)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// Password returns the keystore password from the environment.
func (c *Config) Password() string {
	return os.Getenv(PasswordEnv)
}

// Validate checks the values the daemons cannot run without.
func (c *Config) Validate() error {
	if _, ok := chain.Get(c.Network); !ok {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Executor.PollInterval <= 0 {
		return errors.New("executor.poll_interval must be positive")
	}
	if c.Watcher.PollInterval <= 0 {
		return errors.New("watcher.poll_interval must be positive")
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	if c.Indexer.Timeout < 0 {
		return errors.New("indexer.timeout must not be negative")
	}
	return nil
}

// LoadConfig loads <dataDir>/config.yaml, creating it with defaults if it
// does not exist.
func LoadConfig(dataDir string) (*Config, error) {
	cfg, err := LoadFile(ConfigPath(dataDir))
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == DefaultDataDir {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// LoadFile loads a YAML config file, creating it with defaults if it does not
// exist. Missing keys keep their default values.
func LoadFile(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon HTLC daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadEnv loads <dataDir>/.env into the process environment if it exists.
func LoadEnv(dataDir string) error {
	path := filepath.Join(expandPath(dataDir), EnvFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
