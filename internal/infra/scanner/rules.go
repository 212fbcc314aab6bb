// Package scanner detects credential-like strings in extracted artifact
// files.
//
// Detection rules are expressed in the gitleaks TOML rule format. A default
// rule set is embedded in the binary and can be replaced with a custom file.
package scanner

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
	regexp "github.com/wasilibs/go-re2"
	"github.com/zricethezav/gitleaks/v8/config"
)

//go:embed rules.toml
var defaultRules string

// ErrNoRules is returned when a rule file defines no rules.
var ErrNoRules = errors.New("rule set contains no rules")

// Rule is one detection pattern.
type Rule struct {
	ID          string
	Description string
	Regex       *regexp.Regexp
	// SecretGroup is the capture group holding the secret, 0 when the rule
	// does not name one.
	SecretGroup int
}

// RuleSet is an ordered collection of rules that are logically OR'ed.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a RuleSet from already compiled rules.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	return &RuleSet{rules: rules}, nil
}

// DefaultRuleSet returns the embedded rule set.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(bytes.NewBufferString(defaultRules))
}

// LoadRuleSet reads a gitleaks TOML rule file. An empty path selects the
// embedded defaults.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	rs, err := ParseRuleSet(f)
	if err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet decodes gitleaks TOML rules from r. Rule order follows the
// order of the [[rules]] tables.
func ParseRuleSet(r io.Reader) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read rule config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate rule config: %w", err)
	}

	rules := make([]Rule, 0, len(vc.Rules))
	for _, vr := range vc.Rules {
		rule, ok := cfg.Rules[vr.ID]
		if !ok || rule.Regex == nil {
			continue
		}
		rules = append(rules, Rule{
			ID:          rule.RuleID,
			Description: rule.Description,
			Regex:       rule.Regex,
			SecretGroup: rule.SecretGroup,
		})
	}

	return NewRuleSet(rules...)
}

// Len reports the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// IDs returns the rule ids in evaluation order.
func (rs *RuleSet) IDs() []string {
	ids := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		ids[i] = r.ID
	}
	return ids
}

// matchToken returns the id of the first rule matching s.
func (rs *RuleSet) matchToken(s string) (string, bool) {
	for _, r := range rs.rules {
		if r.Regex.MatchString(s) {
			return r.ID, true
		}
	}
	return "", false
}

// secretStart returns the offset in the matched line where the secret of a
// match begins: the named secret group, else the first non-empty group, else
// the start of the whole match.
func (r Rule) secretStart(loc []int) int {
	if g := r.SecretGroup; g > 0 && 2*g+1 < len(loc) && loc[2*g] >= 0 {
		return loc[2*g]
	}
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] >= 0 && loc[i+1] > loc[i] {
			return loc[i]
		}
	}
	return loc[0]
}
