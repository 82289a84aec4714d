// Package config loads the service configuration and persists the schema
// and connection settings that drive the data model.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport kinds.
const (
	TransportNATS = "nats"
	TransportMQTT = "mqtt"
)

// Store modes.
const (
	StoreModeMemory = "memory" // settings live only in process
	StoreModeFile   = "file"   // one JSON or YAML document on disk
	StoreModeKV     = "kv"     // NATS KV bucket
)

// Config is the service configuration.
type Config struct {
	Version   string          `json:"version"`
	Transport TransportConfig `json:"transport"`
	Store     StoreConfig     `json:"store"`
	NATS      NATSConfig      `json:"nats"`
	Router    RouterConfig    `json:"router"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// TransportConfig selects the pub/sub client used for every connection.
type TransportConfig struct {
	Kind string `json:"kind"`
}

// StoreConfig selects where schema and connection settings are kept.
type StoreConfig struct {
	Mode     string        `json:"mode"`
	Path     string        `json:"path,omitempty"`     // file mode
	Bucket   string        `json:"bucket,omitempty"`   // kv mode
	Debounce time.Duration `json:"debounce,omitempty"` // file mode
}

// NATSConfig is the NATS connection used by the KV store.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
}

// RouterConfig limits how often updates that fail to coerce are logged.
type RouterConfig struct {
	DropLogInterval time.Duration `json:"drop_log_interval"`
	DropLogBurst    int           `json:"drop_log_burst"`
}

// HTTPConfig is the read/write API listener.
type HTTPConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// MetricsConfig is the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}

	switch c.Transport.Kind {
	case TransportNATS, TransportMQTT:
	default:
		return fmt.Errorf("transport.kind %q is not one of %q, %q", c.Transport.Kind, TransportNATS, TransportMQTT)
	}

	switch c.Store.Mode {
	case StoreModeMemory:
	case StoreModeFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required in file mode")
		}
		if !hasDocumentExt(c.Store.Path) {
			return fmt.Errorf("store.path %q must end in .json, .yaml or .yml", c.Store.Path)
		}
	case StoreModeKV:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required in kv mode")
		}
		if c.Store.Bucket != "" && !isValidBucketName(c.Store.Bucket) {
			return fmt.Errorf("store.bucket %q may only contain letters, digits, dashes and underscores", c.Store.Bucket)
		}
	default:
		return fmt.Errorf("store.mode %q is not one of %q, %q, %q",
			c.Store.Mode, StoreModeMemory, StoreModeFile, StoreModeKV)
	}

	if c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 {
		return errors.New("nats.ping_interval and nats.drain_timeout cannot be negative")
	}
	if c.Router.DropLogInterval <= 0 {
		return fmt.Errorf("router.drop_log_interval must be > 0, got %s", c.Router.DropLogInterval)
	}
	if c.Router.DropLogBurst < 1 {
		return fmt.Errorf("router.drop_log_burst must be >= 1, got %d", c.Router.DropLogBurst)
	}

	if c.HTTP.Enabled && !validPort(c.HTTP.Port) {
		return fmt.Errorf("http.port %d must be within 1..65535", c.HTTP.Port)
	}
	if c.Metrics.Enabled {
		if !validPort(c.Metrics.Port) {
			return fmt.Errorf("metrics.port %d must be within 1..65535", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
		}
		if c.HTTP.Enabled && c.HTTP.Port == c.Metrics.Port {
			return fmt.Errorf("http.port and metrics.port are both %d", c.HTTP.Port)
		}
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// isValidBucketName matches the characters NATS accepts in KV bucket names.
func isValidBucketName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return s != ""
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TOPICMODEL",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Version:   "1.0.0",
		Transport: TransportConfig{Kind: TransportMQTT},
		Store: StoreConfig{
			Mode:     StoreModeMemory,
			Bucket:   DefaultBucket,
			Debounce: 250 * time.Millisecond,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:  30 * time.Second,
			DrainTimeout:  5 * time.Second,
		},
		Router:  RouterConfig{DropLogInterval: time.Second, DropLogBurst: 5},
		HTTP:    HTTPConfig{Enabled: true, Port: 8080},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path, ".json")
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	if err := parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	convert := func(section, field string) error {
		m, ok := data[section].(map[string]any)
		if !ok {
			return nil
		}
		s, ok := m[field].(string)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", section, field, err)
		}
		m[field] = d.Nanoseconds()
		return nil
	}

	for _, f := range [][2]string{
		{"nats", "reconnect_wait"},
		{"nats", "ping_interval"},
		{"nats", "drain_timeout"},
		{"router", "drop_log_interval"},
	} {
		if err := convert(f[0], f[1]); err != nil {
			return err
		}
	}
	return convert("store", "debounce")
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}
	getInt := func(name string, dst *int) error {
		val, ok, err := get(name)
		if err != nil || !ok {
			return err
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"TRANSPORT", &cfg.Transport.Kind},
		{"STORE_MODE", &cfg.Store.Mode},
		{"STORE_PATH", &cfg.Store.Path},
		{"STORE_BUCKET", &cfg.Store.Bucket},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
	}
	for _, s := range strs {
		val, ok, err := get(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	val, ok, err := get("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	if err := getInt("HTTP_PORT", &cfg.HTTP.Port); err != nil {
		return err
	}
	return getInt("METRICS_PORT", &cfg.Metrics.Port)
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}

	version = strings.TrimPrefix(version, "v")
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
