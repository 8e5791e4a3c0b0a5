package engine

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iamkalio/sre-agent/internal/models"
)

// RuleEngine fills recommended actions and runbook references from a YAML
// rule pack when the synthesised report leaves them empty.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
	Runbooks        []string  `yaml:"runbooks"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	// Alert is a case-insensitive glob on the alert name.
	Alert    string            `yaml:"alert"`
	Severity string            `yaml:"severity"`
	Labels   map[string]string `yaml:"labels"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or missing, returns nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rule pack loaded", slog.String("path", path), slog.Int("rules", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the actions and runbooks of every rule matching alert.
func (e *RuleEngine) Recommend(alert models.NormalizedAlert) (actions, runbooks []string) {
	if e == nil {
		return nil, nil
	}
	for _, rule := range e.rules {
		if !rule.Match.matches(alert) {
			continue
		}
		actions = appendUnique(actions, rule.Recommendations...)
		runbooks = appendUnique(runbooks, rule.Runbooks...)
	}
	return actions, runbooks
}

// Apply fills empty recommendation fields of report from matching rules.
func (e *RuleEngine) Apply(alert models.NormalizedAlert, report *models.RCAReport) {
	if e == nil || report == nil {
		return
	}
	if len(report.RecommendedActions) > 0 && len(report.RunbookReferences) > 0 {
		return
	}
	actions, runbooks := e.Recommend(alert)
	if len(report.RecommendedActions) == 0 {
		report.RecommendedActions = actions
	}
	if len(report.RunbookReferences) == 0 {
		report.RunbookReferences = runbooks
	}
}

func (m RuleMatch) matches(alert models.NormalizedAlert) bool {
	if m.Alert != "" {
		ok, err := path.Match(strings.ToLower(m.Alert), strings.ToLower(alert.Name))
		if err != nil || !ok {
			return false
		}
	}
	if m.Severity != "" && !strings.EqualFold(m.Severity, string(alert.Severity)) {
		return false
	}
	for k, v := range m.Labels {
		if !strings.EqualFold(alert.Labels[k], v) {
			return false
		}
	}
	return true
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
