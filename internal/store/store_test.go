package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeFactory func(t *testing.T) Store

func drivers() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(100, 100)
		},
		"sqlite": func(t *testing.T) Store {
			dsn := filepath.Join(t.TempDir(), "netvault.db")
			s, err := NewSQLStore(context.Background(), "sqlite", dsn, 16, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestStore_Targets(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			require.NoError(t, s.UpsertTarget(ctx, model.Target{
				ID: "sw-01", Kind: model.KindNetworkDevice, Protocol: model.ProtocolSNMP,
				PollInterval: time.Minute, Enabled: true, Labels: map[string]string{"site": "hq"},
			}))
			require.NoError(t, s.UpsertTarget(ctx, model.Target{
				ID: "dc01", Kind: model.KindAgentHost, Protocol: model.ProtocolAgent,
				Enabled: true, EnrollmentSecretHash: "$2a$10$hash",
			}))

			got, err := s.GetTarget(ctx, "dc01")
			require.NoError(t, err)
			assert.Equal(t, "$2a$10$hash", got.EnrollmentSecretHash)
			assert.Equal(t, model.KindAgentHost, got.Kind)

			list, err := s.ListTargets(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "dc01", list[0].ID)
			assert.Equal(t, "hq", list[1].Labels["site"])
			assert.Equal(t, time.Minute, list[1].PollInterval)

			disabled, err := s.SetTargetEnabled(ctx, "sw-01", false)
			require.NoError(t, err)
			assert.False(t, disabled.Enabled)
			got, err = s.GetTarget(ctx, "sw-01")
			require.NoError(t, err)
			assert.False(t, got.Enabled)

			_, err = s.GetTarget(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.SetTargetEnabled(ctx, "missing", true)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveTargetState(ctx, model.TargetState{TargetID: "sw-01", Status: model.TargetDegraded, ConsecutiveFailures: 3}))
			states, err := s.ListTargetStates(ctx)
			require.NoError(t, err)
			require.Len(t, states, 1)
			assert.Equal(t, model.TargetDegraded, states[0].Status)
		})
	}
}

func TestStore_Agents(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			agent := model.Agent{ID: "a1", TargetID: "dc01", TokenFingerprint: "abc123", Status: model.AgentActive, Capabilities: []string{"ad"}}
			require.NoError(t, s.UpsertAgent(ctx, agent))
			agent.Status = model.AgentRevoked
			require.NoError(t, s.UpsertAgent(ctx, agent))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, model.AgentRevoked, got.Status)
			assert.Equal(t, "abc123", got.TokenFingerprint)
			assert.Equal(t, []string{"ad"}, got.Capabilities)

			list, err := s.ListAgents(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			_, err = s.GetAgent(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_FactSets(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.LatestFactSet(ctx, "dc01")
			assert.ErrorIs(t, err, ErrNotFound)

			newer := model.FactSet{ID: "fs-2", TargetID: "dc01", CollectedAt: t0.Add(time.Minute), Facts: map[string]interface{}{"stale_accounts": 1.0}, Source: model.SourceAgent}
			older := model.FactSet{ID: "fs-1", TargetID: "dc01", CollectedAt: t0, Facts: map[string]interface{}{"stale_accounts": 5.0}, Source: model.SourceAgent}
			require.NoError(t, s.AppendFactSet(ctx, newer))
			require.NoError(t, s.AppendFactSet(ctx, older))
			require.NoError(t, s.AppendFactSet(ctx, newer))

			latest, err := s.LatestFactSet(ctx, "dc01")
			require.NoError(t, err)
			assert.Equal(t, "fs-2", latest.ID)
			assert.Equal(t, 1.0, latest.Facts["stale_accounts"])
			assert.True(t, latest.CollectedAt.Equal(newer.CollectedAt))

			latest.Facts["stale_accounts"] = 99.0
			again, err := s.LatestFactSet(ctx, "dc01")
			require.NoError(t, err)
			assert.Equal(t, 1.0, again.Facts["stale_accounts"])
		})
	}
}

func TestStore_Findings(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			var batch []model.Finding
			for i := 0; i < 6; i++ {
				verdict := model.VerdictPass
				if i%2 == 0 {
					verdict = model.VerdictFail
				}
				sev := model.SeverityWarning
				if i == 4 {
					sev = model.SeverityCritical
				}
				batch = append(batch, model.Finding{
					ID: fmt.Sprintf("f-%d", i), RuleID: "R-stale-accounts", TargetID: "dc01", RunID: "run-1",
					Verdict: verdict, Severity: sev, Alerting: i == 0,
					CreatedAt: t0.Add(time.Duration(i) * time.Minute),
				})
			}
			batch = append(batch, model.Finding{ID: "f-other", RuleID: "N-telnet", TargetID: "sw-01", Verdict: model.VerdictFail, Severity: model.SeverityInfo, CreatedAt: t0})

			require.NoError(t, s.AppendFindings(ctx, batch))
			require.NoError(t, s.AppendFindings(ctx, batch[:2]))

			yes := true
			tests := []struct {
				name   string
				filter FindingFilter
				want   []string
			}{
				{name: "all oldest first", filter: FindingFilter{}, want: []string{"f-other", "f-0", "f-1", "f-2", "f-3", "f-4", "f-5"}},
				{name: "by target", filter: FindingFilter{TargetID: "sw-01"}, want: []string{"f-other"}},
				{name: "by verdict", filter: FindingFilter{TargetID: "dc01", Verdict: model.VerdictFail}, want: []string{"f-0", "f-2", "f-4"}},
				{name: "min severity", filter: FindingFilter{MinSeverity: model.SeverityCritical}, want: []string{"f-4"}},
				{name: "exact severity", filter: FindingFilter{Severity: model.SeverityInfo}, want: []string{"f-other"}},
				{name: "alerting", filter: FindingFilter{Alerting: &yes}, want: []string{"f-0"}},
				{name: "time window", filter: FindingFilter{Since: t0.Add(2 * time.Minute), Until: t0.Add(3 * time.Minute)}, want: []string{"f-2", "f-3"}},
				{name: "limit keeps newest", filter: FindingFilter{RunID: "run-1", Limit: 2}, want: []string{"f-4", "f-5"}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := s.ListFindings(ctx, tt.filter)
					require.NoError(t, err)
					ids := make([]string, len(got))
					for i := range got {
						ids[i] = got[i].ID
					}
					assert.Equal(t, tt.want, ids)
				})
			}
		})
	}
}

func TestStore_Runs(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			run := model.AuditRun{ID: "run-1", Scope: model.ScopeAll, Trigger: model.TriggerScheduled, Status: model.RunRunning, StartedAt: t0,
				Targets: []model.TargetOutcome{{TargetID: "sw-01", Outcome: model.OutcomePending}}}
			require.NoError(t, s.SaveRun(ctx, run))

			run.Status = model.RunCompletedWithErrors
			run.Targets[0].Outcome = model.OutcomeError
			run.Recount()
			require.NoError(t, s.SaveRun(ctx, run))
			require.NoError(t, s.SaveRun(ctx, model.AuditRun{ID: "run-2", Status: model.RunCompleted, StartedAt: t0.Add(time.Minute)}))

			got, err := s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, model.RunCompletedWithErrors, got.Status)
			assert.Equal(t, 1, got.Counts.Error)

			runs, err := s.ListRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-2", runs[0].ID)

			runs, err = s.ListRuns(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, runs, 1)

			_, err = s.GetRun(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStore_RingBound(t *testing.T) {
	s := NewMemoryStore(3, 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendFindings(ctx, []model.Finding{{ID: fmt.Sprintf("f-%d", i), CreatedAt: t0.Add(time.Duration(i) * time.Second)}}))
	}
	got, err := s.ListFindings(ctx, FindingFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "f-2", got[0].ID)
	assert.Equal(t, 3, s.GetStats()["total_findings"])
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	s.driver = "sqlite"
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: "memory"}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))

	_, err = Open(context.Background(), Options{Driver: "mongo"}, testLogger())
	assert.Error(t, err)
}

func TestStore_LatestKeepsLastGoodFactSet(t *testing.T) {
	good := model.FactSet{ID: "fs-good", TargetID: "sw-01", CollectedAt: t0, Facts: map[string]interface{}{"interfaces.down": 0.0}, Source: model.SourceConnector}
	failed := func(id string, at time.Time) model.FactSet {
		return model.FactSet{ID: id, TargetID: "sw-01", CollectedAt: at, Facts: map[string]interface{}{}, Source: model.SourceConnector, Error: "timeout", ErrorKind: "timeout"}
	}

	tests := []struct {
		name     string
		appended []model.FactSet
		wantID   string
	}{
		{name: "error after success", appended: []model.FactSet{good, failed("fs-err", t0.Add(time.Minute))}, wantID: "fs-good"},
		{name: "error appended first", appended: []model.FactSet{failed("fs-err", t0.Add(time.Minute)), good}, wantID: "fs-good"},
		{name: "only errors keeps newest", appended: []model.FactSet{failed("fs-err-2", t0.Add(2*time.Minute)), failed("fs-err-1", t0.Add(time.Minute))}, wantID: "fs-err-2"},
	}
	for name, open := range drivers() {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				s := open(t)
				for _, fs := range tt.appended {
					require.NoError(t, s.AppendFactSet(ctx, fs))
				}
				latest, err := s.LatestFactSet(ctx, "sw-01")
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, latest.ID)
			})
		}
	}
}

func TestSQLStore_LatestFromDatabase(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "netvault.db")

	s, err := NewSQLStore(ctx, "sqlite", dsn, 16, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.AppendFactSet(ctx, model.FactSet{ID: "fs-good", TargetID: "sw-01", CollectedAt: t0, Facts: map[string]interface{}{"up": true}}))
	require.NoError(t, s.AppendFactSet(ctx, model.FactSet{ID: "fs-err", TargetID: "sw-01", CollectedAt: t0.Add(time.Minute), Error: "unreachable"}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLStore(ctx, "sqlite", dsn, 16, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.LatestFactSet(ctx, "sw-01")
	require.NoError(t, err)
	assert.Equal(t, "fs-good", latest.ID)
	assert.Equal(t, true, latest.Facts["up"])
}

func TestStore_FindingsTiesKeepInsertionOrder(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			for _, id := range []string{"tie-c", "tie-a", "tie-b"} {
				require.NoError(t, s.AppendFindings(ctx, []model.Finding{{
					ID: id, RuleID: "R-stale-accounts", TargetID: "dc01",
					Verdict: model.VerdictFail, Severity: model.SeverityWarning, CreatedAt: t0,
				}}))
			}

			for i := 0; i < 5; i++ {
				got, err := s.ListFindings(ctx, FindingFilter{TargetID: "dc01"})
				require.NoError(t, err)
				ids := make([]string, len(got))
				for j := range got {
					ids[j] = got[j].ID
				}
				assert.Equal(t, []string{"tie-c", "tie-a", "tie-b"}, ids)
			}
		})
	}
}
