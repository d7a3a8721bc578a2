package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/model"
)

func finding(verdict model.Verdict, at time.Time) model.Finding {
	return model.Finding{RuleID: "R-stale-accounts", TargetID: "dc01", Verdict: verdict, CreatedAt: at}
}

func TestSuppressor_Apply(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := []Rule{staleAccounts()}

	steps := []struct {
		name    string
		verdict model.Verdict
		at      time.Duration
		alert   bool
	}{
		{name: "first fail alerts", verdict: model.VerdictFail, at: 0, alert: true},
		{name: "repeat fail inside window suppressed", verdict: model.VerdictFail, at: 5 * time.Minute, alert: false},
		{name: "inconclusive never alerts", verdict: model.VerdictInconclusive, at: 6 * time.Minute, alert: false},
		{name: "still suppressed after inconclusive", verdict: model.VerdictFail, at: 7 * time.Minute, alert: false},
		{name: "pass inside window is a recovery", verdict: model.VerdictPass, at: 8 * time.Minute, alert: true},
		{name: "pass without open alert", verdict: model.VerdictPass, at: 9 * time.Minute, alert: false},
		{name: "fail after recovery alerts", verdict: model.VerdictFail, at: 10 * time.Minute, alert: true},
		{name: "late finding ignored", verdict: model.VerdictPass, at: 9*time.Minute + 30*time.Second, alert: false},
		{name: "state untouched by late pass", verdict: model.VerdictFail, at: 11 * time.Minute, alert: false},
		{name: "fail after window alerts again", verdict: model.VerdictFail, at: 71 * time.Minute, alert: true},
	}

	s, err := NewSuppressor(16)
	require.NoError(t, err)

	for _, step := range steps {
		out := s.Apply([]model.Finding{finding(step.verdict, t0.Add(step.at))}, rules)
		assert.Equal(t, step.alert, out[0].Alerting, step.name)
	}
	assert.Equal(t, 1, s.Len())
}

func TestSuppressor_PairsAreIndependent(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := []Rule{staleAccounts(), {Metadata: RuleMetadata{ID: "other"}, Spec: RuleSpec{SuppressionWindowSeconds: 3600}}}
	s, err := NewSuppressor(16)
	require.NoError(t, err)

	batch := []model.Finding{
		finding(model.VerdictFail, t0),
		{RuleID: "R-stale-accounts", TargetID: "dc02", Verdict: model.VerdictFail, CreatedAt: t0},
		{RuleID: "other", TargetID: "dc01", Verdict: model.VerdictFail, CreatedAt: t0},
	}
	for _, f := range s.Apply(batch, rules) {
		assert.True(t, f.Alerting, f.RuleID+"/"+f.TargetID)
	}
}

func TestSuppressor_ZeroWindowNeverSuppresses(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rule := staleAccounts()
	rule.Spec.SuppressionWindowSeconds = 0
	s, err := NewSuppressor(16)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out := s.Apply([]model.Finding{finding(model.VerdictFail, t0.Add(time.Duration(i)*time.Minute))}, []Rule{rule})
		assert.True(t, out[0].Alerting)
	}
}

func TestSuppressor_Prime(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := []Rule{staleAccounts()}
	s, err := NewSuppressor(16)
	require.NoError(t, err)

	s.Prime([]model.Finding{finding(model.VerdictFail, t0)}, rules)

	out := s.Apply([]model.Finding{finding(model.VerdictFail, t0.Add(time.Minute))}, rules)
	assert.False(t, out[0].Alerting)
}

// Stale accounts scenario: 5 stale accounts fail with warning severity, a
// resubmission with 1 passes immediately even inside the window.
func TestStaleAccountsScenario(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := []Rule{staleAccounts()}
	engine := NewEngine(0, testLogger())
	s, err := NewSuppressor(16)
	require.NoError(t, err)

	first := s.Apply(engine.Evaluate(model.FactSet{ID: "fs-a", TargetID: "dc01", CollectedAt: t0, Facts: map[string]interface{}{"stale_accounts": 5.0}}, rules), rules)
	require.Len(t, first, 1)
	assert.Equal(t, model.VerdictFail, first[0].Verdict)
	assert.Equal(t, model.SeverityWarning, first[0].Severity)
	assert.True(t, first[0].Alerting)

	second := s.Apply(engine.Evaluate(model.FactSet{ID: "fs-b", TargetID: "dc01", CollectedAt: t0.Add(2 * time.Minute), Facts: map[string]interface{}{"stale_accounts": 1.0}}, rules), rules)
	require.Len(t, second, 1)
	assert.Equal(t, model.VerdictPass, second[0].Verdict)
	assert.True(t, second[0].Alerting)
}
