package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/collector"
	"github.com/ingenieroredes/netvault/internal/connector"
	"github.com/ingenieroredes/netvault/internal/health"
	"github.com/ingenieroredes/netvault/internal/metrics"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
	"github.com/ingenieroredes/netvault/internal/rules"
	"github.com/ingenieroredes/netvault/internal/secrets"
	"github.com/ingenieroredes/netvault/internal/store"
)

const testRules = `
apiVersion: netvault/v1
kind: AuditRule
metadata:
  id: "R-stale-accounts"
  name: "Stale AD accounts"
spec:
  enabled: true
  target_kinds: [AgentHost]
  params:
    threshold: 3
  fail_when:
    fact: stale_accounts
    op: gt
    param: threshold
  severity: warning
  suppression_window_seconds: 3600
---
apiVersion: netvault/v1
kind: AuditRule
metadata:
  id: "N-ssh-v1"
  name: "SSH version 1 enabled"
spec:
  enabled: true
  target_kinds: [NetworkDevice]
  fail_when:
    fact: ssh_version
    op: lt
    value: 2
  severity: critical
`

type snmpStub struct{}

func (snmpStub) Protocol() model.Protocol { return model.ProtocolSNMP }

func (snmpStub) Collect(ctx context.Context, target model.Target, cred secrets.Credential) (connector.Facts, error) {
	return connector.Facts{"ssh_version": 2.0, "sys_name": target.ID}, nil
}

type testEnv struct {
	srv     *Server
	store   *store.MemoryStore
	channel *agentchannel.Channel
	orch    *orchestrator.Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	st := store.NewMemoryStore(1000, 1000)
	now := time.Now().UTC()
	for _, target := range []model.Target{
		{ID: "dc01", Name: "dc01", Kind: model.KindAgentHost, Protocol: model.ProtocolAgent, PollInterval: time.Hour, Enabled: true, CreatedAt: now},
		{ID: "sw-01", Name: "sw-01", Kind: model.KindNetworkDevice, Protocol: model.ProtocolSNMP, Address: "192.0.2.10", PollInterval: time.Minute, Enabled: true, CreatedAt: now},
	} {
		require.NoError(t, st.UpsertTarget(ctx, target))
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(testRules), 0o644))
	loader := rules.NewLoader(dir, false, 0, logger)
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)
	catalog := rules.NewCatalog(loader, rules.NewOverrideManager(logger))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	ch, err := agentchannel.New(agentchannel.Options{
		HeartbeatInterval: 30 * time.Second,
		SharedEnrollToken: "fleet-token",
	}, st, st, agentchannel.NewTokenIssuer("api-test-secret", time.Hour), m, logger)
	require.NoError(t, err)

	sup, err := rules.NewSuppressor(128)
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.Options{}, orchestrator.Deps{
		Store:      st,
		Collector:  collector.New(connector.NewRegistry(snmpStub{}), secrets.Static{}, ch, collector.Options{}, m, logger),
		Rules:      catalog,
		Engine:     rules.NewEngine(2, logger),
		Suppressor: sup,
		Agents:     ch,
		Metrics:    m,
		Logger:     logger,
	})
	ch.SetHooks(orch.AgentHooks())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	srv := NewServer(Deps{
		Store:        st,
		Orchestrator: orch,
		Channel:      ch,
		Catalog:      catalog,
		Health:       health.NewHealthServer(logger),
		Gatherer:     reg,
		Logger:       logger,
	})
	return &testEnv{srv: srv, store: st, channel: ch, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) register(t *testing.T, caps ...string) RegisterResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/register", "", agentchannel.Claim{
		Token:        "fleet-token",
		TargetID:     "dc01",
		Hostname:     "dc01.corp.example",
		Capabilities: caps,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[RegisterResponse](t, w)
}

func TestStaleAccountsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t, "stale_accounts")
	assert.NotEmpty(t, reg.AgentID)
	assert.Equal(t, 30, reg.HeartbeatIntervalSeconds)

	w := env.do(t, http.MethodPost, "/facts", reg.Token, map[string]interface{}{
		"facts":        map[string]interface{}{"stale_accounts": 5},
		"collected_at": time.Now().UTC(),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/runs", "", orchestrator.TriggerRequest{Scope: model.ScopeTarget, TargetID: "dc01", Wait: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[model.AuditRun](t, w)
	assert.Equal(t, model.OutcomeCounts{Fail: 1}, run.Counts)

	w = env.do(t, http.MethodGet, "/api/findings?target_id=dc01&verdict=fail&min_severity=warning", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	findings := decode[struct {
		Findings []model.Finding `json:"findings"`
		Count    int             `json:"count"`
	}](t, w)
	require.Equal(t, 1, findings.Count)
	assert.Equal(t, "R-stale-accounts", findings.Findings[0].RuleID)
	assert.Equal(t, model.SeverityWarning, findings.Findings[0].Severity)

	// array form
	w = env.do(t, http.MethodPost, "/facts", reg.Token, map[string]interface{}{
		"agent_id": reg.AgentID,
		"facts":    []map[string]interface{}{{"key": "stale_accounts", "value": 1}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/runs", "", orchestrator.TriggerRequest{Scope: model.ScopeTarget, TargetID: "dc01", Wait: true})
	require.Equal(t, http.StatusOK, w.Code)
	run = decode[model.AuditRun](t, w)
	assert.Equal(t, model.OutcomeCounts{Pass: 1}, run.Counts)

	w = env.do(t, http.MethodGet, "/api/targets/dc01/facts/latest", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fs := decode[model.FactSet](t, w)
	assert.Equal(t, 1.0, fs.Facts["stale_accounts"])
	assert.Equal(t, model.SourceAgent, fs.Source)

	w = env.do(t, http.MethodPost, "/heartbeat", reg.Token, HeartbeatRequest{AgentID: reg.AgentID})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	tests := []struct {
		name  string
		claim agentchannel.Claim
		want  int
	}{
		{"wrong enrollment token", agentchannel.Claim{Token: "guess", TargetID: "dc01"}, http.StatusUnauthorized},
		{"unknown target", agentchannel.Claim{Token: "fleet-token", TargetID: "dc99"}, http.StatusUnauthorized},
		{"network device", agentchannel.Claim{Token: "fleet-token", TargetID: "sw-01"}, http.StatusUnauthorized},
		{"missing token", agentchannel.Claim{TargetID: "dc01"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/register", "", tt.claim)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	t.Run("second agent for bound target", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("dc01-secret"), bcrypt.MinCost)
		require.NoError(t, err)
		target, err := env.store.GetTarget(context.Background(), "dc01")
		require.NoError(t, err)
		target.EnrollmentSecretHash = string(hash)
		require.NoError(t, env.store.UpsertTarget(context.Background(), target))

		w := env.do(t, http.MethodPost, "/register", "", agentchannel.Claim{Token: "dc01-secret", TargetID: "dc01"})
		assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	})

	t.Run("bad json", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/register", "", "{")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFacts_Errors(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t, "stale_accounts")

	tests := []struct {
		name  string
		token string
		body  interface{}
		want  int
	}{
		{"no bearer", "", map[string]interface{}{"facts": map[string]interface{}{"stale_accounts": 1}}, http.StatusUnauthorized},
		{"forged bearer", "not-a-token", map[string]interface{}{"facts": map[string]interface{}{"stale_accounts": 1}}, http.StatusUnauthorized},
		{"agent id mismatch", reg.Token, map[string]interface{}{"agent_id": "someone-else", "facts": map[string]interface{}{"stale_accounts": 1}}, http.StatusUnauthorized},
		{"facts missing", reg.Token, map[string]interface{}{}, http.StatusUnprocessableEntity},
		{"facts not an object", reg.Token, map[string]interface{}{"facts": "stale_accounts=1"}, http.StatusUnprocessableEntity},
		{"pair without key", reg.Token, map[string]interface{}{"facts": []map[string]interface{}{{"value": 1}}}, http.StatusUnprocessableEntity},
		{"outside capabilities", reg.Token, map[string]interface{}{"facts": map[string]interface{}{"admin_count": 2}}, http.StatusUnprocessableEntity},
		{"malformed json", reg.Token, `{"facts":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/facts", tt.token, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRevokeAgent(t *testing.T) {
	env := newTestEnv(t)
	reg := env.register(t)

	w := env.do(t, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), reg.AgentID)

	w = env.do(t, http.MethodPost, "/api/agents/"+reg.AgentID+"/revoke", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AgentRevoked, decode[model.Agent](t, w).Status)

	w = env.do(t, http.MethodPost, "/heartbeat", reg.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/agents/missing/revoke", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTargets(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/targets/rtr-01", "", TargetRequest{
		Address:      "192.0.2.1",
		Protocol:     model.ProtocolSSH,
		Profile:      "cisco_ios",
		PollInterval: "5m",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[TargetView](t, w)
	assert.Equal(t, "rtr-01", created.Name)
	assert.Equal(t, model.KindNetworkDevice, created.Kind)
	assert.Equal(t, 5*time.Minute, created.PollInterval)
	assert.True(t, created.Enabled)
	assert.Equal(t, model.TargetUnknown, created.State.Status)

	w = env.do(t, http.MethodPut, "/api/targets/rtr-01", "", TargetRequest{Name: "Edge router", Address: "192.0.2.1", Protocol: model.ProtocolSSH})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[TargetView](t, w)
	assert.Equal(t, "Edge router", updated.Name)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	w = env.do(t, http.MethodGet, "/api/targets", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = env.do(t, http.MethodPost, "/api/targets/rtr-01/disable", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[TargetView](t, w).Enabled)

	w = env.do(t, http.MethodPost, "/api/runs", "", orchestrator.TriggerRequest{Scope: model.ScopeTarget, TargetID: "rtr-01"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/targets/rtr-01/enable", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[TargetView](t, w).Enabled)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"get missing", http.MethodGet, "/api/targets/nope", nil, http.StatusNotFound},
		{"enable missing", http.MethodPost, "/api/targets/nope/enable", nil, http.StatusNotFound},
		{"facts before collection", http.MethodGet, "/api/targets/rtr-01/facts/latest", nil, http.StatusNotFound},
		{"no address", http.MethodPut, "/api/targets/sw-09", TargetRequest{Protocol: model.ProtocolSNMP}, http.StatusBadRequest},
		{"bad protocol", http.MethodPut, "/api/targets/sw-09", TargetRequest{Address: "192.0.2.9", Protocol: "telnet"}, http.StatusBadRequest},
		{"bad poll interval", http.MethodPut, "/api/targets/sw-09", TargetRequest{Address: "192.0.2.9", Protocol: model.ProtocolSNMP, PollInterval: "often"}, http.StatusBadRequest},
		{"bad id", http.MethodPut, "/api/targets/sw%2009", TargetRequest{Address: "192.0.2.9", Protocol: model.ProtocolSNMP}, http.StatusBadRequest},
		{"reserved id", http.MethodPut, "/api/targets/network", TargetRequest{Address: "192.0.2.9", Protocol: model.ProtocolSNMP}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestPutTarget_EnrollmentSecret(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/targets/dc02", "", TargetRequest{Protocol: model.ProtocolAgent, EnrollmentSecret: "dc02-secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "dc02-secret")

	w = env.do(t, http.MethodPost, "/register", "", agentchannel.Claim{Token: "dc02-secret", TargetID: "dc02"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// an update without a secret keeps the stored hash
	w = env.do(t, http.MethodPut, "/api/targets/dc02", "", TargetRequest{Name: "Second DC", Protocol: model.ProtocolAgent})
	require.Equal(t, http.StatusOK, w.Code)
	target, err := env.store.GetTarget(context.Background(), "dc02")
	require.NoError(t, err)
	assert.NotEmpty(t, target.EnrollmentSecretHash)
}

func TestFindings_BadQuery(t *testing.T) {
	env := newTestEnv(t)

	for _, query := range []string{
		"severity=loud",
		"min_severity=0",
		"verdict=maybe",
		"alerting=perhaps",
		"since=yesterday",
		"until=-5m",
		"limit=0",
		"limit=many",
	} {
		t.Run(query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/findings?"+query, "", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := env.do(t, http.MethodGet, "/api/findings?since=24h&until="+time.Now().UTC().Format(time.RFC3339)+"&alerting=true&limit=10", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseFindingFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := map[string][]string{
		"target_id":    {"sw-01"},
		"severity":     {"CRITICAL"},
		"since":        {"2h"},
		"until":        {"2026-03-01T11:00:00Z"},
		"alerting":     {"false"},
		"limit":        {"50000"},
		"min_severity": {"warning"},
	}
	f, err := parseFindingFilter(q, now)
	require.NoError(t, err)
	assert.Equal(t, "sw-01", f.TargetID)
	assert.Equal(t, model.SeverityCritical, f.Severity)
	assert.Equal(t, model.SeverityWarning, f.MinSeverity)
	assert.Equal(t, now.Add(-2*time.Hour), f.Since)
	assert.Equal(t, now.Add(-time.Hour), f.Until)
	require.NotNil(t, f.Alerting)
	assert.False(t, *f.Alerting)
	assert.Equal(t, maxFindingsLimit, f.Limit)

	f, err = parseFindingFilter(nil, now)
	require.NoError(t, err)
	assert.Equal(t, defaultFindingsLimit, f.Limit)
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/runs", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	run := decode[model.AuditRun](t, w)
	assert.Equal(t, model.ScopeAll, run.Scope)
	assert.Equal(t, model.TriggerManual, run.Trigger)
	require.Len(t, run.Targets, 2)

	done, err := env.orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	// dc01 has no agent yet
	assert.Equal(t, model.OutcomeCounts{Pass: 1, Error: 1}, done.Counts)

	w = env.do(t, http.MethodGet, "/api/runs/"+run.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.RunCompletedWithErrors, decode[model.AuditRun](t, w).Status)

	w = env.do(t, http.MethodGet, "/api/runs?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = env.do(t, http.MethodGet, "/api/targets/sw-01", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[TargetView](t, w)
	assert.Equal(t, model.TargetOK, view.State.Status)
	assert.False(t, view.State.LastCollectedAt.IsZero())

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"cancel finished", http.MethodPost, "/api/runs/" + run.ID + "/cancel", nil, http.StatusConflict},
		{"cancel unknown", http.MethodPost, "/api/runs/missing/cancel", nil, http.StatusNotFound},
		{"get unknown", http.MethodGet, "/api/runs/missing", nil, http.StatusNotFound},
		{"bad scope", http.MethodPost, "/api/runs", orchestrator.TriggerRequest{Scope: "site"}, http.StatusBadRequest},
		{"target scope without id", http.MethodPost, "/api/runs", orchestrator.TriggerRequest{Scope: model.ScopeTarget}, http.StatusBadRequest},
		{"unknown target", http.MethodPost, "/api/runs", orchestrator.TriggerRequest{Scope: model.ScopeTarget, TargetID: "nope"}, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/runs?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRuleOverrides(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/rules", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Rules   []json.RawMessage `json:"rules"`
		Count   int               `json:"count"`
		Version int64             `json:"version"`
	}](t, w)
	assert.Equal(t, 2, listed.Count)
	assert.Len(t, listed.Rules, 2)
	assert.NotZero(t, listed.Version)

	critical := model.SeverityCritical
	w = env.do(t, http.MethodPost, "/api/rules/overrides", "", rules.OverrideRequest{RuleID: "R-stale-accounts", Severity: &critical})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Override rules.RuleOverride `json:"override"`
	}](t, w)
	require.NotEmpty(t, created.Override.ID)

	for _, r := range env.srv.catalog.Effective() {
		if r.Metadata.ID == "R-stale-accounts" {
			assert.Equal(t, model.SeverityCritical, r.Spec.Severity)
		}
	}

	w = env.do(t, http.MethodPost, "/api/rules/overrides", "", rules.OverrideRequest{RuleID: "R-missing", Severity: &critical})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/rules/overrides/"+created.Override.ID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/rules/overrides/"+created.Override.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	w := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Agents[model.AgentRegistered])
	assert.Empty(t, h.DegradedTargets)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "netvault_")

	w = env.do(t, http.MethodGet, "/api/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
