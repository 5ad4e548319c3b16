package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/report"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// FileName is the config file looked for in the working directory.
const FileName = "agmend.yaml"

// ErrNotFound is returned by LoadDefault when no candidate file exists.
var ErrNotFound = errors.New("no agmend config found")

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a config file, then fills unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and fills unset fields.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Candidates lists the paths LoadDefault tries, in order.
func Candidates() []string {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".agmend", "config.yaml"))
	}
	return candidates
}

// LoadDefault loads the first config found in the standard locations.
func LoadDefault() (*Config, string, error) {
	candidates := Candidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return nil, "", fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// Resolve loads path when given, otherwise the default locations, otherwise
// the built-in defaults.
func Resolve(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, found, err := LoadDefault()
	if errors.Is(err, ErrNotFound) {
		return Default(), "", nil
	}
	return cfg, found, err
}

func applyDefaults(cfg *Config) {
	applyThresholdDefaults(&cfg.Escalation)

	c := &cfg.Classifier
	if len(c.Rules) == 0 {
		c.Rules = transcript.DefaultRules()
	}
	if c.StuckWindow == 0 {
		c.StuckWindow = transcript.DefaultStuckWindow
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = transcript.DefaultStuckThreshold
	}
	if c.DiagnosisTool == "" {
		c.DiagnosisTool = "diagnose_error"
	}

	r := &cfg.Recovery
	if r.MaxRetries == 0 {
		r.MaxRetries = recovery.DefaultMaxRetries
	}
	if r.TTL == 0 {
		r.TTL = recovery.DefaultTTL
	}
	if r.MaxThreads == 0 {
		r.MaxThreads = recovery.DefaultMaxThreads
	}
	if len(r.Strategies) == 0 {
		r.Strategies = recovery.DefaultStrategies()
	}
	if len(r.Alternatives) == 0 {
		r.Alternatives = recovery.DefaultAlternatives()
	}

	a := &cfg.Audit
	if a.DefaultBranch == "" {
		a.DefaultBranch = audit.DefaultBranch
	}
	if a.StageTimeout == 0 {
		a.StageTimeout = audit.DefaultStageTimeout
	}
	if a.ContextLines == 0 {
		a.ContextLines = 3
	}

	rep := &cfg.Report
	if len(rep.Tiers) == 0 {
		rep.Tiers = report.DefaultTiers()
	}
	if rep.SummaryLimit == 0 {
		rep.SummaryLimit = report.DefaultSummaryLimit
	}
	if rep.MaxRecommendations == 0 {
		rep.MaxRecommendations = report.DefaultMaxRecommendations
	}

	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 6142
	}
}

func applyThresholdDefaults(t *escalation.Thresholds) {
	d := escalation.DefaultThresholds()
	if t.MinGroups == 0 {
		t.MinGroups = d.MinGroups
	}
	if t.CooldownGroups == 0 {
		t.CooldownGroups = d.CooldownGroups
	}
	if t.DiagnosePairRate == 0 {
		t.DiagnosePairRate = d.DiagnosePairRate
	}
	if t.DiagnoseTripleRate == 0 {
		t.DiagnoseTripleRate = d.DiagnoseTripleRate
	}
	if t.SmartTripleRate == 0 {
		t.SmartTripleRate = d.SmartTripleRate
	}
	if t.DiagnosisLookback == 0 {
		t.DiagnosisLookback = d.DiagnosisLookback
	}
	if t.PriorDiagnosesLimit == 0 {
		t.PriorDiagnosesLimit = d.PriorDiagnosesLimit
	}
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
