package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := ensureDir(rootDir); err != nil {
		panic(err.Error())
	}
	if err := ensureDir(filepath.Join(rootDir, defaultConfigDir)); err != nil {
		panic(err.Error())
	}
	if err := ensureDir(filepath.Join(rootDir, defaultDataDir)); err != nil {
		panic(err.Error())
	}
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, defaultDirPerm)
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. It panics if the template cannot be rendered or the file
// cannot be written.
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	if err := os.WriteFile(configFilePath, buffer.Bytes(), 0600); err != nil {
		panic(err)
	}
}

// ConfigFilePath returns the path to the config file under root.
func ConfigFilePath(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// FileExists reports whether a regular file exists at path.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.silksync" by default, but could be changed via $SILKHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging, one of: debug | info | error | none
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

#######################################################################
###                 Block Sync Configuration Options                ###
#######################################################################
[sync]

# Ceiling and initial value for the number of blocks requested from a peer in
# one block request. After a timeout the engine retries the same range start
# with a strictly smaller, never-repeated count, down to 1.
max-blocks-per-request = {{ .Sync.MaxBlocksPerRequest }}

# Number of consecutive network-level failures after which a peer is dropped.
# While the node is major-syncing the threshold is not enforced, unless
# disable-major-sync-gating is set.
max-timeouts-before-drop = {{ .Sync.MaxTimeoutsBeforeDrop }}

# Drop peers at the failure threshold even while major-syncing.
disable-major-sync-gating = {{ .Sync.DisableMajorSyncGating }}

# Ceiling on concurrently pending block-range downloads across all peers.
max-parallel-downloads = {{ .Sync.MaxParallelDownloads }}

# How far beyond the local best block ranges may be requested.
lookahead-window = {{ .Sync.LookaheadWindow }}

# Cadence of the engine's proactive re-planning tick.
tick-interval = "{{ .Sync.TickInterval }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus-listen-addr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
