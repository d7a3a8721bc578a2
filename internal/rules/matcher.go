package rules

import (
	"path/filepath"
	"strings"

	"github.com/ingenieroredes/netvault/internal/model"
)

// Matcher handles rule matching logic for targets and their labels
type Matcher struct{}

// NewMatcher creates a new rule matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// EffectiveRulesFor returns the enabled rules that apply to target, in the
// order given
func (m *Matcher) EffectiveRulesFor(target model.Target, rules []Rule) []Rule {
	var effective []Rule
	for _, rule := range rules {
		if rule.IsEnabled() && m.ruleMatches(target, rule) {
			effective = append(effective, rule)
		}
	}
	return effective
}

// ruleMatches checks if a rule matches the given target
func (m *Matcher) ruleMatches(target model.Target, rule Rule) bool {
	if !m.kindMatches(target.Kind, rule.Spec.TargetKinds) {
		return false
	}

	selectors := rule.Spec.Selectors

	// Excludes take priority over everything else
	if contains(selectors.ExcludeTargetIDs, target.ID) {
		return false
	}

	hasTargetSelectors := len(selectors.TargetIDs) > 0 || len(selectors.TargetGlobs) > 0
	hasLabelSelectors := len(selectors.Labels) > 0

	if !hasTargetSelectors && !hasLabelSelectors {
		return true
	}

	targetMatches := true
	if hasTargetSelectors {
		targetMatches = contains(selectors.TargetIDs, target.ID) || m.matchesGlobs(target.ID, selectors.TargetGlobs)
	}

	labelMatches := true
	if hasLabelSelectors {
		labelMatches = m.hasAllLabels(target.Labels, selectors.Labels)
	}

	return targetMatches && labelMatches
}

// kindMatches treats an empty kind list as every kind except the built-in
// network target, which only runs rules that name it
func (m *Matcher) kindMatches(kind model.TargetKind, kinds []model.TargetKind) bool {
	if len(kinds) == 0 {
		return kind != model.KindNetwork
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// matchesGlobs checks if the target ID matches any of the glob patterns
func (m *Matcher) matchesGlobs(id string, globs []string) bool {
	for _, glob := range globs {
		if matched, err := filepath.Match(glob, id); err == nil && matched {
			return true
		}
	}
	return false
}

// hasAllLabels checks that every selector label is satisfied. A selector is
// either a bare key, which only requires presence, or key=value / key:value.
func (m *Matcher) hasAllLabels(labels map[string]string, required []string) bool {
	for _, sel := range required {
		key, value, hasValue := parseLabel(sel)
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

func parseLabel(label string) (key, value string, hasValue bool) {
	if i := strings.IndexAny(label, "=:"); i >= 0 {
		return label[:i], label[i+1:], true
	}
	return label, "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
