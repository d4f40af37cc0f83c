// Package config reads the process-level configuration from the
// environment.
//
// Libraries in this module are configured through their Options structs;
// this package exists for the binaries, translating environment variables
// into those options at startup. Load is the entry point: it reads, parses,
// validates, and reports every problem as a [salve.Error] of kind config.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quay/zlog"
	"gopkg.in/yaml.v3"

	"github.com/salvus/salve"
	"github.com/salvus/salve/prompt"
	"github.com/salvus/salve/scanner/driver"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultSandboxCPULimit   = 2.0
	DefaultSandboxMemLimit   = 4 << 30
	DefaultEnrichConcurrency = 5
	DefaultCacheTTL          = 24 * time.Hour
	DefaultCircuitThreshold  = 5
	DefaultCircuitRecovery   = 60 * time.Second
	DefaultSanitizationLevel = "moderate"
)

// TLS is the per-source transport security block.
type TLS struct {
	// skip certificate verification. Scanner appliances commonly run
	// self-signed.
	Insecure bool `yaml:"insecure" json:"insecure"`
	// path to a PEM bundle to trust in addition to the system pool.
	CAFile string `yaml:"ca_file" json:"ca_file"`
}

// Source is one configured scanner, an entry of SCAN_SOURCES.
type Source struct {
	// unique name for this source, used in logs and reports.
	Name string `yaml:"name" json:"name" validate:"required"`
	// adapter type key resolved through the scanner/driver registry,
	// e.g. "nessus", "qualys", "wazuh", "mock".
	Type string `yaml:"type" json:"type" validate:"required"`
	// base URL of the scanner API.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	// adapter-specific credentials, passed through opaquely.
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
	// transport security settings.
	TLS *TLS `yaml:"tls" json:"tls"`

	// the raw YAML node this source was decoded from; handed to the
	// adapter through a ConfigUnmarshaler so adapter-specific keys
	// survive.
	node yaml.Node
}

// Config is the validated process configuration.
type Config struct {
	// LLM provider name resolved through the llm/driver registry.
	LLMProvider string `validate:"required"`
	// default model identifier; empty selects the provider default.
	LLMModel string
	// provider API key.
	LLMAPIKey string `validate:"required"`
	// NVD API key; empty runs at the unauthenticated rate tier.
	NVDAPIKey string
	// configured scanner sources.
	Sources []Source `validate:"min=1,dive"`
	// sandbox container CPU limit, in cores.
	SandboxCPULimit float64 `validate:"gt=0"`
	// sandbox container memory limit, in bytes.
	SandboxMemLimit int64 `validate:"gt=0"`
	// concurrent enrichment lookups.
	EnrichConcurrency int `validate:"gt=0"`
	// how long enrichment responses are reused.
	CacheTTL time.Duration `validate:"gt=0"`
	// prompt sanitization level: permissive, moderate, or strict.
	SanitizationLevel string `validate:"oneof=permissive moderate strict"`
	// consecutive failures before a circuit breaker opens.
	CircuitFailureThreshold uint32 `validate:"gt=0"`
	// how long an open circuit waits before probing.
	CircuitRecovery time.Duration `validate:"gt=0"`
}

// Load reads the environment and returns the validated configuration.
//
// SCAN_SOURCES holds the source list as inline YAML, or as "@path" naming a
// YAML file. Any missing required variable, parse failure, or validation
// failure is a [salve.Error] of kind config.
func Load(ctx context.Context) (*Config, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "config/Load")
	cfg := &Config{
		LLMProvider:             os.Getenv("LLM_PROVIDER"),
		LLMModel:                os.Getenv("LLM_MODEL"),
		LLMAPIKey:               os.Getenv("LLM_API_KEY"),
		NVDAPIKey:               os.Getenv("NVD_API_KEY"),
		SandboxCPULimit:         DefaultSandboxCPULimit,
		SandboxMemLimit:         DefaultSandboxMemLimit,
		EnrichConcurrency:       DefaultEnrichConcurrency,
		CacheTTL:                DefaultCacheTTL,
		SanitizationLevel:       DefaultSanitizationLevel,
		CircuitFailureThreshold: DefaultCircuitThreshold,
		CircuitRecovery:         DefaultCircuitRecovery,
	}

	var err error
	cfg.Sources, err = parseSources(os.Getenv("SCAN_SOURCES"))
	if err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv("SANDBOX_CPU_LIMIT"); ok {
		cfg.SandboxCPULimit, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, badVar("SANDBOX_CPU_LIMIT", v, err)
		}
	}
	if v, ok := os.LookupEnv("SANDBOX_MEM_LIMIT"); ok {
		cfg.SandboxMemLimit, err = parseBytes(v)
		if err != nil {
			return nil, badVar("SANDBOX_MEM_LIMIT", v, err)
		}
	}
	if v, ok := os.LookupEnv("ENRICH_CONCURRENCY"); ok {
		cfg.EnrichConcurrency, err = strconv.Atoi(v)
		if err != nil {
			return nil, badVar("ENRICH_CONCURRENCY", v, err)
		}
	}
	if v, ok := os.LookupEnv("CACHE_TTL_HOURS"); ok {
		h, err := strconv.Atoi(v)
		if err != nil {
			return nil, badVar("CACHE_TTL_HOURS", v, err)
		}
		cfg.CacheTTL = time.Duration(h) * time.Hour
	}
	if v, ok := os.LookupEnv("SANITIZATION_LEVEL"); ok {
		cfg.SanitizationLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("CIRCUIT_FAILURE_THRESHOLD"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, badVar("CIRCUIT_FAILURE_THRESHOLD", v, err)
		}
		cfg.CircuitFailureThreshold = uint32(n)
	}
	if v, ok := os.LookupEnv("CIRCUIT_RECOVERY_SECONDS"); ok {
		s, err := strconv.Atoi(v)
		if err != nil {
			return nil, badVar("CIRCUIT_RECOVERY_SECONDS", v, err)
		}
		cfg.CircuitRecovery = time.Duration(s) * time.Second
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &salve.Error{
			Op:      "config/Load",
			Kind:    salve.ErrConfig,
			Message: "invalid configuration",
			Inner:   err,
		}
	}
	zlog.Info(ctx).
		Int("sources", len(cfg.Sources)).
		Str("llm_provider", cfg.LLMProvider).
		Msg("configuration loaded")
	return cfg, nil
}

// DetectorLevel maps the configured sanitization level onto the prompt
// package's enum. Load has already validated the string.
func (c *Config) DetectorLevel() prompt.Level {
	switch c.SanitizationLevel {
	case "permissive":
		return prompt.Permissive
	case "strict":
		return prompt.Strict
	}
	return prompt.Moderate
}

// SourceMaps returns the type-by-name and per-source configuration maps in
// the shape driver.Configure consumes. Each ConfigUnmarshaler decodes the
// source's original YAML block, so adapter-specific keys that Source does
// not model still reach the adapter.
func (c *Config) SourceMaps() (map[string]string, map[string]driver.ConfigUnmarshaler) {
	types := make(map[string]string, len(c.Sources))
	cfgs := make(map[string]driver.ConfigUnmarshaler, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		types[s.Name] = s.Type
		node := s.node
		cfgs[s.Name] = func(v interface{}) error {
			return node.Decode(v)
		}
	}
	return types, cfgs
}

func parseSources(raw string) ([]Source, error) {
	if raw == "" {
		return nil, &salve.Error{
			Op:      "config/Load",
			Kind:    salve.ErrConfig,
			Message: "SCAN_SOURCES is not set",
		}
	}
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, &salve.Error{
				Op:      "config/Load",
				Kind:    salve.ErrConfig,
				Message: fmt.Sprintf("reading SCAN_SOURCES file %q", raw[1:]),
				Inner:   err,
			}
		}
		raw = string(b)
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &nodes); err != nil {
		return nil, &salve.Error{
			Op:      "config/Load",
			Kind:    salve.ErrConfig,
			Message: "SCAN_SOURCES is not a YAML list",
			Inner:   err,
		}
	}
	srcs := make([]Source, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if err := n.Decode(&srcs[i]); err != nil {
			return nil, &salve.Error{
				Op:      "config/Load",
				Kind:    salve.ErrConfig,
				Message: fmt.Sprintf("SCAN_SOURCES entry %d", i),
				Inner:   err,
			}
		}
		srcs[i].node = n
		if _, ok := seen[srcs[i].Name]; ok {
			return nil, &salve.Error{
				Op:      "config/Load",
				Kind:    salve.ErrConfig,
				Message: fmt.Sprintf("duplicate source name %q", srcs[i].Name),
			}
		}
		seen[srcs[i].Name] = struct{}{}
	}
	return srcs, nil
}

// parseBytes parses a byte count with an optional binary suffix: "4GiB",
// "512MiB", "1024" (plain bytes).
func parseBytes(s string) (int64, error) {
	mult := int64(1)
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
	} {
		if strings.HasSuffix(up, u.suffix) {
			mult = u.mult
			up = strings.TrimSpace(strings.TrimSuffix(up, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(up, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func badVar(name, val string, err error) error {
	return &salve.Error{
		Op:      "config/Load",
		Kind:    salve.ErrConfig,
		Message: fmt.Sprintf("parsing %s=%q", name, val),
		Inner:   err,
	}
}
