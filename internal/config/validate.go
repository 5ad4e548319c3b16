package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/transcript"
)

// ValidationError is one problem found in a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg structurally (struct tags) and semantically. It
// returns every problem found; an empty slice means the config is usable.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, ValidationError{
					Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
					Message: describe(fe),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "config", Message: err.Error()})
		}
	}

	validateRates(cfg, &errs)
	validateRules(cfg.Classifier.Rules, &errs)
	validateStrategies(cfg, &errs)
	validateTiers(cfg, &errs)

	return errs
}

// Err folds Validate's result into a single error, or nil.
func Err(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid config:\n  %s", strings.Join(msgs, "\n  "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s item(s)", fe.Param())
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

func validateRates(cfg *Config, errs *[]ValidationError) {
	t := cfg.Escalation
	rates := []struct {
		field string
		v     float64
	}{
		{"escalation.diagnose_pair_rate", t.DiagnosePairRate},
		{"escalation.diagnose_triple_rate", t.DiagnoseTripleRate},
		{"escalation.smart_triple_rate", t.SmartTripleRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			*errs = append(*errs, ValidationError{Field: r.field, Message: "must be between 0 and 1"})
		}
	}
	if t.MinGroups < 1 {
		*errs = append(*errs, ValidationError{Field: "escalation.min_groups", Message: "must be at least 1"})
	}
	counts := []struct {
		field string
		v     int
	}{
		{"escalation.cooldown_groups", t.CooldownGroups},
		{"escalation.diagnosis_lookback", t.DiagnosisLookback},
		{"escalation.prior_diagnoses", t.PriorDiagnosesLimit},
	}
	for _, c := range counts {
		if c.v < 1 {
			*errs = append(*errs, ValidationError{Field: c.field, Message: "must be at least 1"})
		}
	}
}

func validateRules(rules []transcript.Rule, errs *[]ValidationError) {
	for i, r := range rules {
		prefix := fmt.Sprintf("classifier.rules[%d]", i)
		if _, err := transcript.ParseCategory(string(r.Category)); err != nil {
			*errs = append(*errs, ValidationError{Field: prefix + ".category", Message: err.Error()})
		}
		if len(r.Markers) == 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".markers", Message: "at least one marker is required"})
		}
	}
}

func validateStrategies(cfg *Config, errs *[]ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Recovery.Strategies {
		if s.Name == "" {
			continue
		}
		if seen[s.Name] {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("recovery.strategies[%d].name", i),
				Message: fmt.Sprintf("duplicate strategy %q", s.Name),
			})
		}
		seen[s.Name] = true
	}
}

func validateTiers(cfg *Config, errs *[]ValidationError) {
	for i, t := range cfg.Report.Tiers {
		if t.Risk < model.RiskMedium {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("report.tiers[%d].risk", i),
				Message: fmt.Sprintf("tier risk %s is below medium; text without keywords is already low", t.Risk),
			})
		}
	}
}
