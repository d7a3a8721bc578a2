package rules

import (
	"fmt"
	"sort"

	"github.com/ingenieroredes/netvault/internal/model"
)

const (
	APIVersion = "netvault/v1"
	KindRule   = "AuditRule"
)

// Selector defines which targets a rule applies to
type Selector struct {
	TargetIDs        []string `yaml:"target_ids" json:"target_ids,omitempty"`
	TargetGlobs      []string `yaml:"target_globs" json:"target_globs,omitempty"`
	Labels           []string `yaml:"labels" json:"labels,omitempty"`
	ExcludeTargetIDs []string `yaml:"exclude_target_ids" json:"exclude_target_ids,omitempty"`
}

// RuleMetadata contains metadata about a rule
type RuleMetadata struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// RuleSpec contains the rule specification
type RuleSpec struct {
	Enabled                  bool                   `yaml:"enabled" json:"enabled"`
	TargetKinds              []model.TargetKind     `yaml:"target_kinds" json:"target_kinds,omitempty"`
	Selectors                Selector               `yaml:"selectors" json:"selectors"`
	RequiredFacts            []string               `yaml:"required_facts" json:"required_facts,omitempty"`
	Params                   map[string]interface{} `yaml:"params" json:"params,omitempty"`
	FailWhen                 Condition              `yaml:"fail_when" json:"fail_when"`
	Severity                 model.Severity         `yaml:"severity" json:"severity"`
	SuppressionWindowSeconds int                    `yaml:"suppression_window_seconds" json:"suppression_window_seconds"`
	Remediation              string                 `yaml:"remediation" json:"remediation,omitempty"`
}

// Rule represents a complete audit rule
type Rule struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   RuleMetadata `yaml:"metadata" json:"metadata"`
	Spec       RuleSpec     `yaml:"spec" json:"spec"`
	SourceFile string       `yaml:"-" json:"source_file"`
}

// RuleSnapshot represents a collection of loaded rules
type RuleSnapshot struct {
	Rules   []Rule
	Version int64
}

// ID returns the rule id
func (r *Rule) ID() string {
	return r.Metadata.ID
}

// IsEnabled checks if the rule is enabled
func (r *Rule) IsEnabled() bool {
	return r.Spec.Enabled
}

// Required returns the sorted fact keys the predicate reads: the explicit
// required_facts list plus every fact referenced by fail_when.
func (r *Rule) Required() []string {
	seen := make(map[string]struct{})
	for _, k := range r.Spec.RequiredFacts {
		seen[k] = struct{}{}
	}
	r.Spec.FailWhen.collectFacts(seen)

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks if a rule is valid
func (r *Rule) Validate() error {
	if r.APIVersion != "" && r.APIVersion != APIVersion {
		return &ValidationError{Field: "apiVersion", Message: fmt.Sprintf("unsupported apiVersion %q", r.APIVersion)}
	}
	if r.Kind != "" && r.Kind != KindRule {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported kind %q", r.Kind)}
	}
	if r.Metadata.ID == "" {
		return &ValidationError{Field: "metadata.id", Message: "rule ID is required"}
	}
	if r.Metadata.Name == "" {
		return &ValidationError{Field: "metadata.name", Message: "rule name is required"}
	}
	if r.Spec.Severity == "" {
		return &ValidationError{Field: "spec.severity", Message: "severity is required"}
	}
	if !r.Spec.Severity.Valid() {
		return &ValidationError{Field: "spec.severity", Message: "invalid severity, must be info/warning/critical"}
	}
	if r.Spec.SuppressionWindowSeconds < 0 {
		return &ValidationError{Field: "spec.suppression_window_seconds", Message: "suppression window must not be negative"}
	}
	for _, kind := range r.Spec.TargetKinds {
		if kind != model.KindNetworkDevice && kind != model.KindAgentHost && kind != model.KindNetwork {
			return &ValidationError{Field: "spec.target_kinds", Message: fmt.Sprintf("unknown target kind %q", kind)}
		}
	}
	if r.Spec.FailWhen.IsZero() {
		return &ValidationError{Field: "spec.fail_when", Message: "condition is required"}
	}
	if err := r.Spec.FailWhen.validate("spec.fail_when", r.Spec.Params); err != nil {
		return err
	}
	return nil
}

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// clone copies the rule deeply enough that overrides never touch the snapshot
func (r Rule) clone() Rule {
	out := r
	if r.Spec.Params != nil {
		out.Spec.Params = make(map[string]interface{}, len(r.Spec.Params))
		for k, v := range r.Spec.Params {
			out.Spec.Params[k] = v
		}
	}
	out.Spec.TargetKinds = append([]model.TargetKind(nil), r.Spec.TargetKinds...)
	out.Spec.RequiredFacts = append([]string(nil), r.Spec.RequiredFacts...)
	return out
}
