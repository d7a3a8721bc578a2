package store

import (
	"container/ring"
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ingenieroredes/netvault/internal/model"
)

// MemoryStore keeps everything in process. Findings and fact set history
// live in ring buffers so memory stays bounded; an LRU of recent ids makes
// appends idempotent.
type MemoryStore struct {
	mu sync.RWMutex

	targets map[string]model.Target
	states  map[string]model.TargetState
	agents  map[string]model.Agent
	runs    map[string]model.AuditRun

	latest   map[string]model.FactSet
	factSets *ring.Ring
	findings *ring.Ring
	seen     *lru.Cache[string, struct{}]

	maxFindings int
}

// NewMemoryStore creates a memory store holding up to maxFindings findings
// and as many fact sets
func NewMemoryStore(maxFindings, dedupeCap int) *MemoryStore {
	if maxFindings <= 0 {
		maxFindings = 100000
	}
	if dedupeCap <= 0 {
		dedupeCap = maxFindings
	}
	seen, _ := lru.New[string, struct{}](dedupeCap)

	return &MemoryStore{
		targets:     make(map[string]model.Target),
		states:      make(map[string]model.TargetState),
		agents:      make(map[string]model.Agent),
		runs:        make(map[string]model.AuditRun),
		latest:      make(map[string]model.FactSet),
		factSets:    ring.New(maxFindings),
		findings:    ring.New(maxFindings),
		seen:        seen,
		maxFindings: maxFindings,
	}
}

// UpsertTarget creates or replaces a target
func (s *MemoryStore) UpsertTarget(ctx context.Context, t model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.targets[t.ID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = existing.CreatedAt
	}
	t.Labels = copyLabels(t.Labels)
	s.targets[t.ID] = t
	return nil
}

// GetTarget returns one target
func (s *MemoryStore) GetTarget(ctx context.Context, id string) (model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[id]
	if !ok {
		return model.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	t.Labels = copyLabels(t.Labels)
	return t, nil
}

// ListTargets returns all targets sorted by id
func (s *MemoryStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Target, 0, len(s.targets))
	for _, t := range s.targets {
		t.Labels = copyLabels(t.Labels)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetTargetEnabled flips the enabled flag of a target
func (s *MemoryStore) SetTargetEnabled(ctx context.Context, id string, enabled bool) (model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok {
		return model.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	t.Enabled = enabled
	s.targets[id] = t
	return t, nil
}

// SaveTargetState records the schedule state of a target
func (s *MemoryStore) SaveTargetState(ctx context.Context, st model.TargetState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.TargetID] = st
	return nil
}

// ListTargetStates returns all recorded target states sorted by target id
func (s *MemoryStore) ListTargetStates(ctx context.Context) ([]model.TargetState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TargetState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

// UpsertAgent creates or replaces an agent
func (s *MemoryStore) UpsertAgent(ctx context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Capabilities = append([]string(nil), a.Capabilities...)
	s.agents[a.ID] = a
	return nil
}

// GetAgent returns one agent
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.Capabilities = append([]string(nil), a.Capabilities...)
	return a, nil
}

// ListAgents returns all agents sorted by id
func (s *MemoryStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		a.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendFactSet stores a fact set and makes it the latest for its target
// unless a newer one is already recorded
func (s *MemoryStore) AppendFactSet(ctx context.Context, fs model.FactSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "fs:" + fs.ID
	if _, dup := s.seen.Get(key); dup {
		return nil
	}
	s.seen.Add(key, struct{}{})

	fs = fs.Clone()
	s.factSets.Value = fs
	s.factSets = s.factSets.Next()

	if cur, ok := s.latest[fs.TargetID]; replacesLatest(cur, ok, fs) {
		s.latest[fs.TargetID] = fs
	}
	return nil
}

// LatestFactSet returns the most recent successful fact set of a target,
// or its most recent error record when it never collected successfully
func (s *MemoryStore) LatestFactSet(ctx context.Context, targetID string) (model.FactSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.latest[targetID]
	if !ok {
		return model.FactSet{}, fmt.Errorf("fact set for %s: %w", targetID, ErrNotFound)
	}
	return fs.Clone(), nil
}

// AppendFindings adds findings to the ring buffer, skipping ids already seen
func (s *MemoryStore) AppendFindings(ctx context.Context, findings []model.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range findings {
		key := "f:" + f.ID
		if _, dup := s.seen.Get(key); dup {
			continue
		}
		s.seen.Add(key, struct{}{})

		f.Evidence = model.CloneFacts(f.Evidence)
		s.findings.Value = f
		s.findings = s.findings.Next()
	}
	return nil
}

// ListFindings returns matching findings oldest first
func (s *MemoryStore) ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error) {
	s.mu.RLock()
	var out []model.Finding
	s.findings.Do(func(value interface{}) {
		f, ok := value.(model.Finding)
		if ok && filter.Match(&f) {
			out = append(out, f)
		}
	})
	s.mu.RUnlock()

	sortFindings(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// SaveRun creates or replaces an audit run
func (s *MemoryStore) SaveRun(ctx context.Context, run model.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns one audit run
func (s *MemoryStore) GetRun(ctx context.Context, id string) (model.AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.AuditRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run.Clone(), nil
}

// ListRuns returns up to limit runs, newest first
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]model.AuditRun, error) {
	s.mu.RLock()
	out := make([]model.AuditRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sortRuns(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// GetStats returns store statistics
func (s *MemoryStore) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	findings := 0
	s.findings.Do(func(value interface{}) {
		if value != nil {
			findings++
		}
	})

	return map[string]interface{}{
		"targets":        len(s.targets),
		"agents":         len(s.agents),
		"runs":           len(s.runs),
		"total_findings": findings,
		"max_findings":   s.maxFindings,
		"dedupe_size":    s.seen.Len(),
	}
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
