// Package config is the run configuration: model, loading and validation.
//
// Files are JSON, or YAML when the name ends in .yaml/.yml. ${VAR} references
// in the token, base URL, output and state paths are expanded from the
// environment.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Since values with special meaning.
const (
	SinceNone    = ""
	SinceLastRun = "last_run"
)

// Config is one extractor run.
type Config struct {
	Job   string `json:"job" yaml:"job"`
	Token string `json:"token" yaml:"token"`

	// Endpoints enables resource kinds by name.
	Endpoints map[string]bool `json:"endpoints" yaml:"endpoints"`

	// ProjectIDs is a comma-delimited list used by user_defined_projects.
	ProjectIDs string `json:"project_ids" yaml:"project_ids"`

	Incremental bool `json:"incremental" yaml:"incremental"`

	// Since is "", "last_run" or an RFC3339 timestamp.
	Since string `json:"since" yaml:"since"`

	SkipUnauthorized     bool    `json:"skip_unauthorized" yaml:"skip_unauthorized"`
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second"`
	Concurrency          int     `json:"concurrency" yaml:"concurrency"`
	BatchSize            int     `json:"batch_size" yaml:"batch_size"`

	Retry   Retry   `json:"retry" yaml:"retry"`
	HTTP    HTTP    `json:"http" yaml:"http"`
	Output  Output  `json:"output" yaml:"output"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`

	StatePath string `json:"state_path" yaml:"state_path"`
}

type Retry struct {
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoff       Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff        Duration `json:"max_backoff" yaml:"max_backoff"`
	RetryClientErrors bool     `json:"retry_client_errors" yaml:"retry_client_errors"`
}

type HTTP struct {
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	PageLimit int      `json:"page_limit" yaml:"page_limit"`
}

// Output selects the sink: "csv" writes files under Dir; "sqlite",
// "postgres" and "mssql" load into DSN.
type Output struct {
	Kind   string `json:"kind" yaml:"kind"`
	Dir    string `json:"dir" yaml:"dir"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Schema string `json:"schema" yaml:"schema"`
}

type Metrics struct {
	// Backend is "none" or "datadog".
	Backend    string   `json:"backend" yaml:"backend"`
	Tags       string   `json:"tags" yaml:"tags"`
	FlushEvery Duration `json:"flush_every" yaml:"flush_every"`
}

// Defaults.
const (
	DefaultConcurrency          = 4
	DefaultMaxRequestsPerSecond = 4
	DefaultMaxAttempts          = 5
	DefaultPageLimit            = 100
	DefaultOutputKind           = "csv"
	DefaultOutputDir            = "out"
	DefaultStatePath            = "state.json"
	DefaultMetricsBackend       = "none"
)

// Duration is a time.Duration that decodes from "10s" strings or a number of
// seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case nil:
		d.Duration = 0
	case string:
		if strings.TrimSpace(t) == "" {
			d.Duration = 0
			return nil
		}
		p, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		d.Duration = p
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
	case int:
		d.Duration = time.Duration(t) * time.Second
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Load reads, expands and defaults the configuration at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(raw, isYAML(path))
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Decode parses raw (strictly: unknown fields are errors), expands
// environment references and fills defaults.
func Decode(raw []byte, asYAML bool) (Config, error) {
	var cfg Config
	if asYAML {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.expand(os.ExpandEnv)
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) expand(expand func(string) string) {
	c.Token = expand(c.Token)
	c.HTTP.BaseURL = expand(c.HTTP.BaseURL)
	c.Output.Dir = expand(c.Output.Dir)
	c.Output.DSN = expand(c.Output.DSN)
	c.StatePath = expand(c.StatePath)
}

// ApplyDefaults fills unset fields. Values that are set, valid or not, are
// left for Validate to judge.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRequestsPerSecond == 0 {
		c.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseBackoff.Duration == 0 {
		c.Retry.BaseBackoff.Duration = time.Second
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff.Duration = 30 * time.Second
	}
	if c.HTTP.Timeout.Duration == 0 {
		c.HTTP.Timeout.Duration = 10 * time.Second
	}
	if c.HTTP.PageLimit == 0 {
		c.HTTP.PageLimit = DefaultPageLimit
	}
	if c.Output.Kind == "" {
		c.Output.Kind = DefaultOutputKind
	}
	if c.Output.Kind == "csv" && c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = DefaultMetricsBackend
	}
	if c.Metrics.FlushEvery.Duration == 0 {
		c.Metrics.FlushEvery.Duration = time.Minute
	}
}

// RequestedKinds returns the enabled endpoint names in lexical order.
func (c Config) RequestedKinds() []string {
	out := make([]string, 0, len(c.Endpoints))
	for k, on := range c.Endpoints {
		if on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// SinceTime resolves an explicit RFC3339 Since. It returns nil for "" and
// "last_run"; the caller resolves the latter from state.
func (c Config) SinceTime() (*time.Time, error) {
	switch c.Since {
	case SinceNone, SinceLastRun:
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.Since)
	if err != nil {
		return nil, fmt.Errorf("since: %w", err)
	}
	return &t, nil
}
