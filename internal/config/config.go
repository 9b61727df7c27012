// Package config loads the server's YAML configuration: global knobs
// (cache path, concurrency, download policy) and the per-model map that
// the Model Store and Instance Pool build their runtime state from.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_:.-]+$`)

// PrepareMode controls when the Model Store brings a model's artifacts
// to a ready state.
type PrepareMode string

const (
	PrepareOnDemand PrepareMode = "on-demand"
	PrepareBlocking PrepareMode = "blocking"
	PrepareAsync    PrepareMode = "async"
)

// GPUMode controls whether a model instance requests the GPU lease.
type GPUMode string

const (
	GPUAuto GPUMode = "auto"
	GPUOn   GPUMode = "on"
	GPUOff  GPUMode = "off"
)

// DeviceConfig describes the hardware affinity a model instance loads
// with.
type DeviceConfig struct {
	GPU        GPUMode `yaml:"gpu"`
	GPULayers  int     `yaml:"gpu_layers"`
	CPUThreads int     `yaml:"cpu_threads"`
	MemLock    bool    `yaml:"mem_lock"`
}

// ModelConfig is the immutable, per-model configuration entry (spec §3).
type ModelConfig struct {
	ID  string `yaml:"-"`
	Engine string `yaml:"engine"`
	Task   string `yaml:"task"`

	URL      string `yaml:"url"`
	Location string `yaml:"location"`
	SHA256   string `yaml:"sha256"`
	MD5      string `yaml:"md5"`

	MinInstances int `yaml:"min_instances"`
	MaxInstances int `yaml:"max_instances"`

	// TTLSecondsRaw is the field YAML unmarshals into; nil means unset
	// (take the default of 300), distinguishing it from an explicit 0
	// ("dispose immediately on release", spec §3). TTLSeconds is the
	// materialized effective value normalize() computes from it.
	TTLSecondsRaw *int `yaml:"ttl_seconds"`
	TTLSeconds    int  `yaml:"-"`

	ContextSize int          `yaml:"context_size"`
	BatchSize   int          `yaml:"batch_size"`
	Device      DeviceConfig `yaml:"device"`

	Prepare PrepareMode `yaml:"prepare"`

	CompletionDefaults map[string]any `yaml:"completion_defaults,omitempty"`
	InitialMessages    []ChatMessage  `yaml:"initial_messages,omitempty"`
	Prefix             string         `yaml:"prefix,omitempty"`
	Grammars           map[string]any `yaml:"grammars,omitempty"`
	Tools              []string       `yaml:"tools,omitempty"`

	// Extra carries engine-specific fields the core never interprets,
	// preserved verbatim for the engine adapter to read.
	Extra map[string]any `yaml:"-"`
}

// ChatMessage is a minimal role/content pair, used for InitialMessages
// and for the chat context-identity hash (spec §4.3).
type ChatMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// Validate checks the invariants spec §3 lists for ModelConfig.
func (m ModelConfig) Validate() error {
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("model %q: id must match %s", m.ID, idPattern.String())
	}
	if m.Engine == "" {
		return fmt.Errorf("model %q: engine is required", m.ID)
	}
	if m.Task == "" {
		return fmt.Errorf("model %q: task is required", m.ID)
	}
	if m.MinInstances < 0 {
		return fmt.Errorf("model %q: min_instances must be >= 0", m.ID)
	}
	if m.MaxInstances < 1 {
		return fmt.Errorf("model %q: max_instances must be >= 1", m.ID)
	}
	if m.MinInstances > m.MaxInstances {
		return fmt.Errorf("model %q: min_instances (%d) must be <= max_instances (%d)", m.ID, m.MinInstances, m.MaxInstances)
	}
	switch m.Prepare {
	case "", PrepareOnDemand, PrepareBlocking, PrepareAsync:
	default:
		return fmt.Errorf("model %q: prepare must be one of on-demand|blocking|async, got %q", m.ID, m.Prepare)
	}
	return nil
}

// DownloadPolicyConfig is the YAML shape of the download gate (mirrors
// policy.Policy's fields so the top-level config owns the file format
// and policy.Policy stays a pure value type).
type DownloadPolicyConfig struct {
	AllowHosts    []string `yaml:"allow_hosts"`
	AllowPaths    []string `yaml:"allow_paths"`
	AllowLoopback bool     `yaml:"allow_loopback"`
}

// Config is the top-level server configuration (spec §6 config file
// shape).
type Config struct {
	HomeDir string `yaml:"-"`

	CachePath          string `yaml:"cache_path"`
	Concurrency        int    `yaml:"concurrency"`
	PrepareConcurrency int    `yaml:"prepare_concurrency"`
	LogLevel           string `yaml:"log_level"`
	BindAddr           string `yaml:"bind_addr"`

	DownloadPolicy DownloadPolicyConfig `yaml:"download_policy"`

	Models map[string]ModelConfig `yaml:"models"`
}

func defaultConfig() Config {
	return Config{
		CachePath:          "~/.inferd/models",
		Concurrency:        4,
		PrepareConcurrency: 1,
		LogLevel:           "info",
		BindAddr:           "127.0.0.1:18790",
		Models:             map[string]ModelConfig{},
	}
}

// HomeDir returns the server's home directory, honoring INFERD_HOME.
func HomeDir() string {
	if override := os.Getenv("INFERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".inferd")
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads <home>/config.yaml, applies environment overrides and
// defaults, validates every model entry, and expands "~" in path-shaped
// fields. A missing config.yaml yields the default configuration with
// an empty model map rather than an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create inferd home: %w", err)
	}

	return loadFrom(cfg, ConfigPath(cfg.HomeDir))
}

// LoadFile reads the config at an explicit path, for tests and for the
// CLI's --config flag.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = filepath.Dir(path)
	return loadFrom(cfg, path)
}

func loadFrom(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	for id, m := range cfg.Models {
		m.ID = id
		cfg.Models[id] = m
		if err := m.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("INFERD_CACHE_PATH"); raw != "" {
		cfg.CachePath = raw
	}
	if raw := os.Getenv("INFERD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("INFERD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
}

func normalize(cfg *Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PrepareConcurrency <= 0 {
		cfg.PrepareConcurrency = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.CachePath = expandHome(cfg.CachePath)
	for i, p := range cfg.DownloadPolicy.AllowPaths {
		cfg.DownloadPolicy.AllowPaths[i] = expandHome(p)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]ModelConfig{}
	}
	for id, m := range cfg.Models {
		if m.TTLSecondsRaw == nil {
			m.TTLSeconds = 300
		} else {
			m.TTLSeconds = *m.TTLSecondsRaw
		}
		if m.Prepare == "" {
			m.Prepare = PrepareOnDemand
		}
		if m.Device.GPU == "" {
			m.Device.GPU = GPUAuto
		}
		cfg.Models[id] = m
	}
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Fingerprint returns a stable hash of the active config, independent of
// map iteration order.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "cache=%s|conc=%d|prep_conc=%d|bind=%s|log=%s", c.CachePath, c.Concurrency, c.PrepareConcurrency, c.BindAddr, c.LogLevel)
	ids := make([]string, 0, len(c.Models))
	for id := range c.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := c.Models[id]
		fmt.Fprintf(h, "|model=%s:%s:%s:%d:%d", id, m.Engine, m.Task, m.MinInstances, m.MaxInstances)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
