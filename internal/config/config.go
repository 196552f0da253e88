package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/probe"
	"github.com/BadgerOps/mirrorrank/internal/rank"
	"github.com/BadgerOps/mirrorrank/internal/safety"
)

// Config is the top-level configuration
type Config struct {
	Catalog CatalogConfig `yaml:"catalog"`
	Filter  FilterConfig  `yaml:"filter"`
	Probe   ProbeConfig   `yaml:"probe"`
	Rank    RankConfig    `yaml:"rank"`
	Output  OutputConfig  `yaml:"output"`
	Store   StoreConfig   `yaml:"store"`
	GeoIP   GeoIPConfig   `yaml:"geoip"`
	Server  ServerConfig  `yaml:"server"`
}

// CatalogConfig controls where the mirror catalog comes from
type CatalogConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	FetchAttempts int           `yaml:"fetch_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// FilterConfig narrows the catalog before probing
type FilterConfig struct {
	Countries        []string      `yaml:"countries"`
	Protocols        []string      `yaml:"protocols"`
	ActiveOnly       bool          `yaml:"active_only"`
	MinCompletionPct float64       `yaml:"min_completion_pct"`
	MaxSyncAge       time.Duration `yaml:"max_sync_age"`
}

// ProbeConfig holds probe engine settings
type ProbeConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	Samples     int           `yaml:"samples"`
	// TopN limits probing to this many candidates, previously fast
	// mirrors first. 0 probes every filtered mirror.
	TopN     int    `yaml:"top_n"`
	Repo     string `yaml:"repo"`
	Arch     string `yaml:"arch"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// RankConfig selects how mirrors are scored
type RankConfig struct {
	Mode       string        `yaml:"mode"`
	Weights    *rank.Weights `yaml:"weights,omitempty"`
	MaxMirrors int           `yaml:"max_mirrors"`
}

// OutputConfig describes the mirrorlist to write
type OutputConfig struct {
	Target      string `yaml:"target"`
	Backup      bool   `yaml:"backup"`
	KeepBackups int    `yaml:"keep_backups"`
}

// StoreConfig holds run history settings. An empty path disables history.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// GeoIPConfig enables the country hint used when no countries are configured
type GeoIPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`
	EchoURL  string `yaml:"echo_url"`
}

// ServerConfig holds API server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			URL:           catalog.DefaultSourceURL,
			Timeout:       30 * time.Second,
			CacheTTL:      5 * time.Minute,
			FetchAttempts: 1,
			RetryDelay:    2 * time.Second,
		},
		Filter: FilterConfig{
			Protocols:  []string{"https"},
			ActiveOnly: true,
		},
		Probe: ProbeConfig{
			Concurrency: 8,
			Timeout:     probe.DefaultTimeout,
			Samples:     1,
			Repo:        "core",
			Arch:        "x86_64",
			MaxBytes:    8 * 1024 * 1024,
		},
		Rank: RankConfig{
			Mode:       "score",
			MaxMirrors: 10,
		},
		Output: OutputConfig{
			Target:      mirrorlist.DefaultTarget,
			Backup:      true,
			KeepBackups: 10,
		},
		Store: StoreConfig{
			Path: "/var/lib/mirrorrank/mirrorrank.db",
		},
		GeoIP: GeoIPConfig{
			Database: "/usr/share/GeoIP/GeoLite2-Country.mmdb",
			EchoURL:  "https://ifconfig.co/ip",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"mirrorrank.yaml",
		"/etc/mirrorrank/mirrorrank.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "mirrorrank", "mirrorrank.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks every setting the pipeline depends on.
func (c *Config) Validate() error {
	if _, err := safety.ValidateHTTPURL(c.Catalog.URL); err != nil {
		return fmt.Errorf("catalog.url: %w", err)
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("catalog.timeout must be positive")
	}
	if c.Catalog.FetchAttempts < 1 {
		return fmt.Errorf("catalog.fetch_attempts must be at least 1")
	}
	if c.Catalog.CacheTTL < 0 || c.Catalog.RetryDelay < 0 {
		return fmt.Errorf("catalog durations must not be negative")
	}

	if _, err := c.Predicate(); err != nil {
		return err
	}
	if c.Filter.MinCompletionPct < 0 || c.Filter.MinCompletionPct > 100 {
		return fmt.Errorf("filter.min_completion_pct must be between 0 and 100")
	}
	if c.Filter.MaxSyncAge < 0 {
		return fmt.Errorf("filter.max_sync_age must not be negative")
	}

	if c.Probe.Concurrency <= 0 {
		return fmt.Errorf("probe.concurrency must be positive")
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive")
	}
	if c.Probe.Samples < 1 {
		return fmt.Errorf("probe.samples must be at least 1")
	}
	if c.Probe.TopN < 0 {
		return fmt.Errorf("probe.top_n must not be negative")
	}
	if c.Probe.MaxBytes < 0 {
		return fmt.Errorf("probe.max_bytes must not be negative")
	}

	if _, err := c.Weights(); err != nil {
		return err
	}
	if c.Rank.MaxMirrors < 0 {
		return fmt.Errorf("rank.max_mirrors must not be negative")
	}

	if _, err := safety.CleanTargetPath(c.Output.Target); err != nil {
		return fmt.Errorf("output.target: %w", err)
	}
	if c.Output.KeepBackups < 0 {
		return fmt.Errorf("output.keep_backups must not be negative")
	}

	if c.GeoIP.Enabled {
		if c.GeoIP.Database == "" {
			return fmt.Errorf("geoip.database is required when geoip is enabled")
		}
		if _, err := safety.ValidateHTTPURL(c.GeoIP.EchoURL); err != nil {
			return fmt.Errorf("geoip.echo_url: %w", err)
		}
	}
	return nil
}

// Predicate converts the filter section into a mirror.Predicate.
func (c *Config) Predicate() (mirror.Predicate, error) {
	p := mirror.Predicate{
		Countries:        c.Filter.Countries,
		ActiveOnly:       c.Filter.ActiveOnly,
		MinCompletionPct: c.Filter.MinCompletionPct,
		MaxSyncAge:       c.Filter.MaxSyncAge,
	}
	for _, s := range c.Filter.Protocols {
		proto, err := mirror.ParseProtocol(s)
		if err != nil {
			return mirror.Predicate{}, fmt.Errorf("filter.protocols: %w", err)
		}
		p.Protocols = append(p.Protocols, proto)
	}
	return p, nil
}

// ProbeOptions returns the probe engine options.
func (c *Config) ProbeOptions() probe.Options {
	return probe.Options{
		Concurrency: c.Probe.Concurrency,
		Timeout:     c.Probe.Timeout,
		Samples:     c.Probe.Samples,
	}
}

// Weights returns explicit weights when configured, else those of the mode.
func (c *Config) Weights() (rank.Weights, error) {
	if c.Rank.Weights != nil {
		if err := c.Rank.Weights.Validate(); err != nil {
			return rank.Weights{}, fmt.Errorf("rank.weights: %w", err)
		}
		return *c.Rank.Weights, nil
	}
	w, err := rank.WeightsForMode(c.Rank.Mode)
	if err != nil {
		return rank.Weights{}, fmt.Errorf("rank.mode: %w", err)
	}
	return w, nil
}

// Set assigns value to the dot-separated key, e.g. "probe.concurrency".
// The value is parsed as YAML so numbers, durations and lists work. The
// result is validated before cfg is changed.
func Set(cfg *Config, key, value string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("parsing value for %s: %w", key, err)
	}

	node := tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]interface{})
		if !ok {
			if _, exists := node[p]; exists {
				return fmt.Errorf("unknown config key %q", key)
			}
			// Optional sections such as rank.weights are omitted when unset.
			next = make(map[string]interface{})
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = parsed

	updated, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	next := DefaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(string(updated)))
	dec.KnownFields(true)
	if err := dec.Decode(next); err != nil {
		return fmt.Errorf("unknown config key %q or bad value: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*cfg = *next
	return nil
}
