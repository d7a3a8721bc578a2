// Package store persists targets, agents, fact sets, findings and audit runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ingenieroredes/netvault/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// FindingFilter selects findings. Zero fields do not filter.
type FindingFilter struct {
	TargetID    string
	RuleID      string
	RunID       string
	Severity    model.Severity
	MinSeverity model.Severity
	Verdict     model.Verdict
	Alerting    *bool
	Since       time.Time
	Until       time.Time
	// Limit keeps the most recent N matches
	Limit int
}

// Match reports whether f passes the filter
func (ff FindingFilter) Match(f *model.Finding) bool {
	if ff.TargetID != "" && f.TargetID != ff.TargetID {
		return false
	}
	if ff.RuleID != "" && f.RuleID != ff.RuleID {
		return false
	}
	if ff.RunID != "" && f.RunID != ff.RunID {
		return false
	}
	if ff.Severity != "" && f.Severity != ff.Severity {
		return false
	}
	if ff.MinSeverity != "" && f.Severity.Level() < ff.MinSeverity.Level() {
		return false
	}
	if ff.Verdict != "" && f.Verdict != ff.Verdict {
		return false
	}
	if ff.Alerting != nil && f.Alerting != *ff.Alerting {
		return false
	}
	if !ff.Since.IsZero() && f.CreatedAt.Before(ff.Since) {
		return false
	}
	if !ff.Until.IsZero() && f.CreatedAt.After(ff.Until) {
		return false
	}
	return true
}

// Store is the persistence boundary. Fact sets and findings are append
// only; appending a record whose id already exists is a no-op.
type Store interface {
	UpsertTarget(ctx context.Context, t model.Target) error
	GetTarget(ctx context.Context, id string) (model.Target, error)
	ListTargets(ctx context.Context) ([]model.Target, error)
	SetTargetEnabled(ctx context.Context, id string, enabled bool) (model.Target, error)

	SaveTargetState(ctx context.Context, st model.TargetState) error
	ListTargetStates(ctx context.Context) ([]model.TargetState, error)

	UpsertAgent(ctx context.Context, a model.Agent) error
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)

	AppendFactSet(ctx context.Context, fs model.FactSet) error
	LatestFactSet(ctx context.Context, targetID string) (model.FactSet, error)

	AppendFindings(ctx context.Context, findings []model.Finding) error
	ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error)

	SaveRun(ctx context.Context, run model.AuditRun) error
	GetRun(ctx context.Context, id string) (model.AuditRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.AuditRun, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options configures a store driver
type Options struct {
	Driver      string
	DSN         string
	MaxFindings int
	CacheSize   int
}

// Open creates the store selected by opts.Driver
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(opts.MaxFindings, opts.CacheSize), nil
	case "sqlite", "postgres":
		return NewSQLStore(ctx, opts.Driver, opts.DSN, opts.CacheSize, logger)
	}
	return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
}

// replacesLatest reports whether cand becomes the target's latest fact set.
// Successful collections always win over error records, so one failed poll
// does not hide the last good snapshot.
func replacesLatest(cur model.FactSet, ok bool, cand model.FactSet) bool {
	if !ok {
		return true
	}
	newer := !cand.CollectedAt.Before(cur.CollectedAt)
	switch {
	case cand.IsError() && !cur.IsError():
		return false
	case !cand.IsError() && cur.IsError():
		return true
	}
	return newer
}

// sortFindings orders findings oldest first
func sortFindings(findings []model.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if !findings[i].CreatedAt.Equal(findings[j].CreatedAt) {
			return findings[i].CreatedAt.Before(findings[j].CreatedAt)
		}
		return findings[i].RuleID < findings[j].RuleID
	})
}

// sortRuns orders runs newest first
func sortRuns(runs []model.AuditRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}
