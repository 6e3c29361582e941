// Package config holds the monitor's deployment configuration: a YAML file
// with environment-variable overrides. The lab-zone allowlist lives here
// because startup gating is a deployment decision, not a policy one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml durations written as "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the monitor's deployment configuration.
type Config struct {
	// LabZone is this deployment's operator-declared zone identifier.
	LabZone string `yaml:"lab_zone"`
	// AllowedZones is the allowlist LabZone must match before `monitor`
	// starts. Empty allowlist means nothing is allowed (fail closed).
	AllowedZones []string `yaml:"allowed_zones"`
	// ComplianceLevel selects the operating regime: lab, test, production.
	ComplianceLevel string `yaml:"compliance_level"`

	PolicyPath string `yaml:"policy_path"`

	// LedgerBackend is "file" (JSONL) or "sqlite".
	LedgerBackend string `yaml:"ledger_backend"`
	LedgerPath    string `yaml:"ledger_path"`

	CertDir    string `yaml:"cert_dir"`
	KeyPath    string `yaml:"key_path"`
	SamplesDir string `yaml:"samples_dir"`

	// Listen is the HTTP intake address; empty disables the server.
	Listen string `yaml:"listen"`

	// IntakeRate and IntakeBurst bound per-module sample acceptance.
	IntakeRate  float64 `yaml:"intake_rate"`
	IntakeBurst int     `yaml:"intake_burst"`

	// QueueDepth bounds the ledger writer queue.
	QueueDepth int `yaml:"queue_depth"`

	HookTimeout     Duration `yaml:"hook_timeout"`
	AdjustCommand   string   `yaml:"adjust_command"`
	HardStopCommand string   `yaml:"hard_stop_command"`

	// ReportEvery issues a certificate every N ledger entries; zero
	// disables periodic reporting.
	ReportEvery int `yaml:"report_every"`

	// RequireCleanCertificate refuses certificates while Shutdown-tier
	// events remain open.
	RequireCleanCertificate bool `yaml:"require_clean_certificate"`

	Observability Observability `yaml:"observability"`
}

// Observability configures the OpenTelemetry provider.
type Observability struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ComplianceLevel: "lab",
		PolicyPath:      "policy.yaml",
		LedgerBackend:   "file",
		LedgerPath:      "data/ledger.jsonl",
		CertDir:         "data/certificates",
		KeyPath:         "data/signing.key",
		SamplesDir:      "data/samples",
		IntakeRate:      50,
		IntakeBurst:     100,
		QueueDepth:      256,
		HookTimeout:     Duration(5 * time.Second),
		ReportEvery:     100,
		Observability: Observability{
			ServiceName: "regmon",
		},
	}
}

// Load reads the YAML file at path (missing file means defaults) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REGMON_LAB_ZONE"); v != "" {
		c.LabZone = v
	}
	if v := os.Getenv("REGMON_COMPLIANCE_LEVEL"); v != "" {
		c.ComplianceLevel = v
	}
	if v := os.Getenv("REGMON_POLICY_PATH"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("REGMON_LEDGER_BACKEND"); v != "" {
		c.LedgerBackend = v
	}
	if v := os.Getenv("REGMON_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("REGMON_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("REGMON_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QueueDepth = n
		}
	}
	if v := os.Getenv("REGMON_OTLP_ENDPOINT"); v != "" {
		c.Observability.Enabled = true
		c.Observability.OTLPEndpoint = v
	}
}

// ZoneAllowed reports whether the configured lab zone is on the allowlist.
// An empty allowlist or empty zone fails closed.
func (c *Config) ZoneAllowed() bool {
	if c.LabZone == "" {
		return false
	}
	for _, z := range c.AllowedZones {
		if z == c.LabZone {
			return true
		}
	}
	return false
}
