package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestOverrideManager_Apply(t *testing.T) {
	om := NewOverrideManager(testLogger())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	om.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	base := Rule{
		Metadata: RuleMetadata{ID: "R-stale-accounts", Name: "Stale"},
		Spec: RuleSpec{
			Enabled:                  true,
			Params:                   map[string]interface{}{"threshold": 3},
			Severity:                 model.SeverityWarning,
			SuppressionWindowSeconds: 3600,
		},
	}

	_, err := om.AddOverride(OverrideRequest{RuleID: "R-stale-accounts", Severity: ptr(model.SeverityInfo), Params: map[string]interface{}{"threshold": 10}})
	require.NoError(t, err)
	second, err := om.AddOverride(OverrideRequest{RuleID: "R-stale-accounts", Severity: ptr(model.SeverityCritical), SuppressionWindowSeconds: ptr(0)})
	require.NoError(t, err)
	_, err = om.AddOverride(OverrideRequest{RuleID: "other", Enabled: ptr(false)})
	require.NoError(t, err)

	got := om.ApplyOverrides(base)
	assert.Equal(t, model.SeverityCritical, got.Spec.Severity)
	assert.Equal(t, 10, got.Spec.Params["threshold"])
	assert.Equal(t, 0, got.Spec.SuppressionWindowSeconds)
	assert.True(t, got.Spec.Enabled)

	// base rule untouched
	assert.Equal(t, 3, base.Spec.Params["threshold"])
	assert.Equal(t, model.SeverityWarning, base.Spec.Severity)

	list := om.ListOverrides()
	require.Len(t, list, 3)
	assert.Equal(t, second.ID, list[1].ID)

	require.NoError(t, om.RemoveOverride(second.ID))
	assert.Equal(t, model.SeverityInfo, om.ApplyOverrides(base).Spec.Severity)
	assert.ErrorIs(t, om.RemoveOverride(second.ID), ErrOverrideNotFound)
}

func TestOverrideManager_FromJSON(t *testing.T) {
	om := NewOverrideManager(testLogger())

	o, err := om.AddOverrideFromJSON([]byte(`{"rule_id":"N-telnet","enabled":false,"description":"maintenance"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "maintenance", o.Description)

	rules := om.ApplyAll([]Rule{{Metadata: RuleMetadata{ID: "N-telnet"}, Spec: RuleSpec{Enabled: true}}})
	assert.False(t, rules[0].IsEnabled())

	_, err = om.AddOverrideFromJSON([]byte(`{not json`))
	assert.Error(t, err)
}

func TestValidateOverride(t *testing.T) {
	tests := []struct {
		name    string
		req     OverrideRequest
		wantErr string
	}{
		{name: "valid", req: OverrideRequest{RuleID: "r", Enabled: ptr(true)}},
		{name: "missing rule", req: OverrideRequest{Enabled: ptr(true)}, wantErr: "rule_id"},
		{name: "bad severity", req: OverrideRequest{RuleID: "r", Severity: ptr(model.Severity("high"))}, wantErr: "severity"},
		{name: "negative window", req: OverrideRequest{RuleID: "r", SuppressionWindowSeconds: ptr(-1)}, wantErr: "suppression_window_seconds"},
		{name: "empty", req: OverrideRequest{RuleID: "r"}, wantErr: "at least one field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOverride(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
