package rules

import (
	"fmt"
)

// Catalog joins the loaded rule files with operator overrides
type Catalog struct {
	loader    *Loader
	overrides *OverrideManager
}

// NewCatalog creates a catalog
func NewCatalog(loader *Loader, overrides *OverrideManager) *Catalog {
	return &Catalog{loader: loader, overrides: overrides}
}

// Effective returns every loaded rule with overrides applied, sorted by id
func (c *Catalog) Effective() []Rule {
	return c.overrides.ApplyAll(c.loader.GetSnapshot().Rules)
}

// Version returns the version of the loaded snapshot
func (c *Catalog) Version() int64 {
	return c.loader.GetSnapshot().Version
}

// Overrides exposes the override manager
func (c *Catalog) Overrides() *OverrideManager {
	return c.overrides
}

// AddOverride validates that the rule exists and stores the override
func (c *Catalog) AddOverride(req OverrideRequest) (*RuleOverride, error) {
	for _, r := range c.loader.GetSnapshot().Rules {
		if r.Metadata.ID == req.RuleID {
			return c.overrides.AddOverride(req)
		}
	}
	return nil, &ValidationError{Field: "rule_id", Message: fmt.Sprintf("unknown rule %q", req.RuleID)}
}
