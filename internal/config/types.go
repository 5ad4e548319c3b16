// Package config loads agmend.yaml.
package config

import (
	"time"

	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/logging"
	"github.com/sprite-ai/agmend/internal/recovery"
	"github.com/sprite-ai/agmend/internal/report"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// Config is the whole configuration file.
type Config struct {
	Escalation escalation.Thresholds `yaml:"escalation" json:"escalation"`
	Classifier ClassifierConfig      `yaml:"classifier" json:"classifier"`
	Recovery   RecoveryConfig        `yaml:"recovery" json:"recovery"`
	Audit      AuditConfig           `yaml:"audit" json:"audit"`
	Report     ReportConfig          `yaml:"report" json:"report"`
	LLM        LLMConfig             `yaml:"llm" json:"llm"`
	Log        logging.Config        `yaml:"log" json:"log"`
	Server     ServerConfig          `yaml:"server" json:"server"`
}

// ClassifierConfig controls error categorisation and stuck detection.
type ClassifierConfig struct {
	Rules          []transcript.Rule `yaml:"rules" json:"rules" validate:"dive"`
	StuckWindow    int               `yaml:"stuck_window" json:"stuck_window" validate:"gte=0"`
	StuckThreshold int               `yaml:"stuck_threshold" json:"stuck_threshold" validate:"gte=0"`
	DiagnosisTool  string            `yaml:"diagnosis_tool" json:"diagnosis_tool"`
}

// RecoveryConfig bounds the recovery selector and its state store.
type RecoveryConfig struct {
	MaxRetries   int                 `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	TTL          time.Duration       `yaml:"ttl" json:"ttl" validate:"gte=0"`
	MaxThreads   int                 `yaml:"max_threads" json:"max_threads" validate:"gte=0"`
	Strategies   []recovery.Strategy `yaml:"strategies" json:"strategies" validate:"dive"`
	Alternatives []string            `yaml:"alternatives" json:"alternatives" validate:"dive,required"`
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	DefaultBranch string        `yaml:"default_branch" json:"default_branch"`
	StageTimeout  time.Duration `yaml:"stage_timeout" json:"stage_timeout" validate:"gte=0"`
	ContextLines  int           `yaml:"context_lines" json:"context_lines" validate:"gte=0"`
	Skip          []string      `yaml:"skip,omitempty" json:"skip,omitempty"`
}

// ReportConfig tunes the report synthesizer.
type ReportConfig struct {
	Tiers              []report.Tier `yaml:"tiers" json:"tiers" validate:"dive"`
	SummaryLimit       int           `yaml:"summary_limit" json:"summary_limit" validate:"gte=0"`
	MaxRecommendations int           `yaml:"max_recommendations" json:"max_recommendations" validate:"gte=0"`
}

// LLMConfig points at an OpenAI-compatible endpoint. Without a model the
// offline static analyst is used and recovery has no diagnoser.
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Model     string        `yaml:"model" json:"model"`
	APIKeyEnv string        `yaml:"api_key_env" json:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Enabled reports whether a model is configured.
func (c LLMConfig) Enabled() bool { return c.Model != "" }

// ServerConfig is where `agmend serve` listens.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	Port int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}
