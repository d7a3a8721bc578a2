package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ingenieroredes/netvault/internal/model"
)

// ErrOverrideNotFound is returned for unknown override ids
var ErrOverrideNotFound = errors.New("override not found")

// RuleOverride represents an operator override for a rule
type RuleOverride struct {
	ID                       string                 `json:"id"`
	RuleID                   string                 `json:"rule_id"`
	Enabled                  *bool                  `json:"enabled,omitempty"`
	Severity                 *model.Severity        `json:"severity,omitempty"`
	SuppressionWindowSeconds *int                   `json:"suppression_window_seconds,omitempty"`
	Params                   map[string]interface{} `json:"params,omitempty"`
	CreatedAt                time.Time              `json:"created_at"`
	Description              string                 `json:"description,omitempty"`
}

// OverrideRequest is the body accepted by the overrides endpoint
type OverrideRequest struct {
	RuleID                   string                 `json:"rule_id"`
	Enabled                  *bool                  `json:"enabled,omitempty"`
	Severity                 *model.Severity        `json:"severity,omitempty"`
	SuppressionWindowSeconds *int                   `json:"suppression_window_seconds,omitempty"`
	Params                   map[string]interface{} `json:"params,omitempty"`
	Description              string                 `json:"description,omitempty"`
}

// OverrideManager manages rule overrides in memory
type OverrideManager struct {
	mu        sync.RWMutex
	overrides map[string]*RuleOverride
	logger    *slog.Logger
	now       func() time.Time
}

// NewOverrideManager creates a new override manager
func NewOverrideManager(logger *slog.Logger) *OverrideManager {
	return &OverrideManager{
		overrides: make(map[string]*RuleOverride),
		logger:    logger,
		now:       time.Now,
	}
}

// AddOverride validates and stores a new override
func (om *OverrideManager) AddOverride(req OverrideRequest) (*RuleOverride, error) {
	if err := ValidateOverride(req); err != nil {
		return nil, err
	}

	om.mu.Lock()
	defer om.mu.Unlock()

	override := &RuleOverride{
		ID:                       uuid.NewString(),
		RuleID:                   req.RuleID,
		Enabled:                  req.Enabled,
		Severity:                 req.Severity,
		SuppressionWindowSeconds: req.SuppressionWindowSeconds,
		Params:                   req.Params,
		CreatedAt:                om.now(),
		Description:              req.Description,
	}
	om.overrides[override.ID] = override

	om.logger.Info("Rule override added",
		"override_id", override.ID,
		"rule_id", req.RuleID,
		"enabled", req.Enabled,
		"severity", req.Severity,
		"suppression_window_seconds", req.SuppressionWindowSeconds,
		"params", len(req.Params))

	return override, nil
}

// AddOverrideFromJSON creates an override from a JSON request body
func (om *OverrideManager) AddOverrideFromJSON(data []byte) (*RuleOverride, error) {
	var req OverrideRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse override request: %w", err)
	}
	return om.AddOverride(req)
}

// RemoveOverride removes a rule override by ID
func (om *OverrideManager) RemoveOverride(id string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, exists := om.overrides[id]; !exists {
		return fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	delete(om.overrides, id)

	om.logger.Info("Rule override removed", "override_id", id)
	return nil
}

// ListOverrides returns all overrides, oldest first
func (om *OverrideManager) ListOverrides() []RuleOverride {
	om.mu.RLock()
	defer om.mu.RUnlock()

	list := make([]RuleOverride, 0, len(om.overrides))
	for _, o := range om.overrides {
		list = append(list, *o)
	}
	sortOverrides(list)
	return list
}

func sortOverrides(list []RuleOverride) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// ApplyOverrides returns a copy of rule with every matching override applied
// in creation order, so the most recent one wins per field
func (om *OverrideManager) ApplyOverrides(rule Rule) Rule {
	om.mu.RLock()
	var matching []RuleOverride
	for _, o := range om.overrides {
		if o.RuleID == rule.Metadata.ID {
			matching = append(matching, *o)
		}
	}
	om.mu.RUnlock()

	if len(matching) == 0 {
		return rule
	}
	sortOverrides(matching)

	modified := rule.clone()
	for _, o := range matching {
		if o.Enabled != nil {
			modified.Spec.Enabled = *o.Enabled
		}
		if o.Severity != nil {
			modified.Spec.Severity = *o.Severity
		}
		if o.SuppressionWindowSeconds != nil {
			modified.Spec.SuppressionWindowSeconds = *o.SuppressionWindowSeconds
		}
		if len(o.Params) > 0 && modified.Spec.Params == nil {
			modified.Spec.Params = make(map[string]interface{}, len(o.Params))
		}
		for k, v := range o.Params {
			modified.Spec.Params[k] = v
		}
	}
	return modified
}

// ApplyAll applies overrides to every rule in the list
func (om *OverrideManager) ApplyAll(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i := range rules {
		out[i] = om.ApplyOverrides(rules[i])
	}
	return out
}

// ValidateOverride validates an override request
func ValidateOverride(req OverrideRequest) error {
	if req.RuleID == "" {
		return &ValidationError{Field: "rule_id", Message: "rule_id is required"}
	}
	if req.Severity != nil && !req.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("invalid severity %q (must be one of: info, warning, critical)", *req.Severity)}
	}
	if req.SuppressionWindowSeconds != nil && *req.SuppressionWindowSeconds < 0 {
		return &ValidationError{Field: "suppression_window_seconds", Message: fmt.Sprintf("must be non-negative, got: %d", *req.SuppressionWindowSeconds)}
	}
	if req.Enabled == nil && req.Severity == nil && req.SuppressionWindowSeconds == nil && len(req.Params) == 0 {
		return &ValidationError{Field: "override", Message: "at least one field must be overridden"}
	}
	return nil
}
