package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	// DefaultSilksyncDir is the default home directory name.
	DefaultSilksyncDir = ".silksync"
	defaultConfigDir   = "config"
	defaultDataDir     = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a silksync node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [sync] section")
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [instrumentation] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "silksync_test"
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the block sync engine.
type SyncConfig struct {
	// Ceiling and initial value for the number of blocks requested from a
	// peer in one block request. The adaptive sizer walks down from here
	// after timeouts.
	MaxBlocksPerRequest uint32 `mapstructure:"max-blocks-per-request"`

	// Number of consecutive network-level failures after which a peer is
	// dropped. Only enforced outside major sync unless gating is disabled.
	MaxTimeoutsBeforeDrop uint32 `mapstructure:"max-timeouts-before-drop"`

	// When true, peers are dropped at the failure threshold even while the
	// node is major-syncing.
	DisableMajorSyncGating bool `mapstructure:"disable-major-sync-gating"`

	// Ceiling on concurrently pending block-range downloads across all peers.
	MaxParallelDownloads int `mapstructure:"max-parallel-downloads"`

	// How far beyond the local best block ranges may be requested.
	LookaheadWindow uint64 `mapstructure:"lookahead-window"`

	// Cadence of the engine's proactive re-planning tick.
	TickInterval time.Duration `mapstructure:"tick-interval"`
}

// DefaultSyncConfig returns a default configuration for the sync engine.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxBlocksPerRequest:    64,
		MaxTimeoutsBeforeDrop:  20,
		DisableMajorSyncGating: false,
		MaxParallelDownloads:   5,
		LookaheadWindow:        2048,
		TickInterval:           1100 * time.Millisecond,
	}
}

// TestSyncConfig returns a configuration for testing the sync engine.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.MaxBlocksPerRequest = 8
	cfg.LookaheadWindow = 64
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.MaxBlocksPerRequest < 1 {
		return errors.New("max-blocks-per-request must be at least 1")
	}
	if cfg.MaxTimeoutsBeforeDrop < 1 {
		return errors.New("max-timeouts-before-drop must be at least 1")
	}
	if cfg.MaxParallelDownloads < 1 {
		return errors.New("max-parallel-downloads must be at least 1")
	}
	if cfg.LookaheadWindow < uint64(cfg.MaxBlocksPerRequest) {
		return errors.New("lookahead-window cannot be smaller than max-blocks-per-request")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick-interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "silksync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr is required when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If
// runtime fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
