package authz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule requires one of Roles or one of Scopes for requests matching Path and
// Methods. No methods means every method.
type Rule struct {
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods"`
	Roles   []string `yaml:"roles"`
	Scopes  []string `yaml:"scopes"`
}

// RuleSet is the parsed AUTHZ_RULES_FILE.
type RuleSet struct {
	Anonymous []string `yaml:"anonymous"`
	Rules     []Rule   `yaml:"rules"`
	// Rego is a path to a module, relative to the rules file.
	Rego string `yaml:"rego"`

	rego *RegoPolicy
}

// LoadRules reads and validates a rules file, compiling its Rego module when
// one is referenced.
func LoadRules(ctx context.Context, file string) (RuleSet, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	rs, err := ParseRules(raw)
	if err != nil {
		return RuleSet{}, fmt.Errorf("%s: %w", file, err)
	}
	if rs.Rego != "" {
		modPath := rs.Rego
		if !filepath.IsAbs(modPath) {
			modPath = filepath.Join(filepath.Dir(file), modPath)
		}
		src, err := os.ReadFile(modPath)
		if err != nil {
			return RuleSet{}, fmt.Errorf("read rego module: %w", err)
		}
		if rs.rego, err = NewRegoPolicy(ctx, filepath.Base(modPath), string(src)); err != nil {
			return RuleSet{}, err
		}
	}
	return rs, nil
}

// ParseRules decodes a rules document. Unknown keys are rejected.
func ParseRules(raw []byte) (RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	var errs []error
	for i, p := range rs.Anonymous {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("anonymous[%d]: %q must start with /", i, p))
		}
	}
	for i, r := range rs.Rules {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("rules[%d]: path %q must start with /", i, r.Path))
		}
		if len(r.Roles) == 0 && len(r.Scopes) == 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: at least one role or scope is required", i))
		}
	}
	return rs, errors.Join(errs...)
}

// WithRego attaches a compiled module, for rule sets built in code.
func (rs RuleSet) WithRego(p *RegoPolicy) RuleSet {
	rs.rego = p
	return rs
}
