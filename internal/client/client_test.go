package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer imitates the agent endpoints. Tokens are "token-<n>" for the
// n-th registration; rejectToken makes the server refuse one of them.
type fakeServer struct {
	mu            sync.Mutex
	registrations int
	heartbeats    int
	submissions   []map[string]interface{}
	rejectToken   string
	registerCode  int
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authorized := func(r *http.Request) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		auth := r.Header.Get("Authorization")
		return auth != "" && auth != "Bearer "+f.rejectToken && auth != "Bearer "
	}

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.registerCode
		f.registrations++
		n := f.registrations
		f.mu.Unlock()
		if code != 0 {
			writeJSON(w, code, map[string]string{"error": "invalid enrollment token"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"agent_id":                   "agent-1",
			"token":                      fmt.Sprintf("token-%d", n),
			"heartbeat_interval_seconds": 1,
		})
	})
	mux.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		f.mu.Lock()
		f.heartbeats++
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"ack": agentchannel.Ack{AgentID: "agent-1", Status: model.AgentActive}})
	})
	mux.HandleFunc("/facts", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		var body struct {
			Facts map[string]interface{} `json:"facts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Facts == nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "facts are required"})
			return
		}
		f.mu.Lock()
		f.submissions = append(f.submissions, body.Facts)
		seq := uint64(len(f.submissions))
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ack": agentchannel.Ack{AgentID: "agent-1", Seq: seq}})
	})
	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]interface{}{"runs": []model.AuditRun{{ID: "run-1"}}, "count": 1})
			return
		}
		var req orchestrator.TriggerRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Scope == "site" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scope"})
			return
		}
		writeJSON(w, http.StatusAccepted, model.AuditRun{ID: "run-2", Scope: req.Scope, TargetID: req.TargetID, Status: model.RunPending})
	})
	mux.HandleFunc("/api/findings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"findings": []model.Finding{{ID: "f-1", TargetID: r.URL.Query().Get("target_id")}},
			"count":    1,
		})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return mux
}

func (f *fakeServer) counts() (registrations, heartbeats, submissions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations, f.heartbeats, len(f.submissions)
}

func TestClient_AgentCalls(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(testLogger(), srv.URL+"/")

	_, err := c.Heartbeat(ctx)
	assert.True(t, IsUnauthorized(err), "heartbeat before registration")

	resp, err := c.Register(ctx, agentchannel.Claim{Token: "fleet-token", TargetID: "dc01"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.AgentID)

	ack, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, ack.Status)

	ack, err = c.SubmitFacts(ctx, map[string]interface{}{"stale_accounts": 5}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Seq)

	_, err = c.SubmitFacts(ctx, nil, time.Time{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "facts are required", apiErr.Message)

	require.NoError(t, c.HealthCheck(ctx))
}

func TestClient_AdminCalls(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(testLogger(), srv.URL)

	run, err := c.TriggerRun(ctx, orchestrator.TriggerRequest{Scope: model.ScopeTarget, TargetID: "sw-01"})
	require.NoError(t, err)
	assert.Equal(t, "run-2", run.ID)
	assert.Equal(t, "sw-01", run.TargetID)

	_, err = c.TriggerRun(ctx, orchestrator.TriggerRequest{Scope: "site"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400: invalid scope")

	runs, err := c.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	findings, err := c.ListFindings(ctx, url.Values{"target_id": {"dc01"}})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "dc01", findings[0].TargetID)
}

func TestAgent_RunReRegistersOnRejectedToken(t *testing.T) {
	fake := &fakeServer{rejectToken: "token-1"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	agent := NewAgent(NewClient(testLogger(), srv.URL), AgentOptions{
		Claim:          agentchannel.Claim{Token: "fleet-token", TargetID: "dc01"},
		SubmitInterval: 20 * time.Millisecond,
		Facts: func(ctx context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"stale_accounts": 1}, nil
		},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, submissions := fake.counts()
		return submissions >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	registrations, _, _ := fake.counts()
	assert.Equal(t, 2, registrations, "first token is rejected once")
	assert.Equal(t, "agent-1", agent.AgentID())
}

func TestAgent_RegisterRejected(t *testing.T) {
	fake := &fakeServer{registerCode: http.StatusUnauthorized}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	agent := NewAgent(NewClient(testLogger(), srv.URL), AgentOptions{
		Claim: agentchannel.Claim{Token: "wrong", TargetID: "dc01"},
		Facts: func(ctx context.Context) (map[string]interface{}, error) { return nil, nil },
	}, testLogger())

	err := agent.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	registrations, _, _ := fake.counts()
	assert.Equal(t, 1, registrations)
}

func TestFileFacts(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    map[string]interface{}
		wantErr bool
	}{
		{
			name:    "yaml",
			content: "stale_accounts: 5\ndomain_admins: [administrator, svc-backup]\n",
			want: map[string]interface{}{
				"stale_accounts": 5,
				"domain_admins":  []interface{}{"administrator", "svc-backup"},
			},
		},
		{
			name:    "json",
			content: `{"stale_accounts": 1, "password_never_expires": 0}`,
			want:    map[string]interface{}{"stale_accounts": 1, "password_never_expires": 0},
		},
		{name: "empty", content: "", wantErr: true},
		{name: "not a map", content: "- a\n- b\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			facts, err := FileFacts(path)(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, facts)
		})
	}

	_, err := FileFacts(filepath.Join(dir, "missing.yaml"))(context.Background())
	assert.Error(t, err)
}
