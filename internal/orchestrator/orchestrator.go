// Package orchestrator schedules audit runs: it decides which targets are
// due, runs collection and evaluation through a bounded pool, tracks each
// target's health and records every run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/collector"
	"github.com/ingenieroredes/netvault/internal/events"
	"github.com/ingenieroredes/netvault/internal/metrics"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/rules"
	"github.com/ingenieroredes/netvault/internal/store"
)

var (
	ErrUnknownTarget  = errors.New("unknown target")
	ErrTargetDisabled = errors.New("target disabled")
	ErrUnknownRun     = errors.New("unknown run")
	ErrRunFinished    = errors.New("run already finished")
	ErrInvalidScope   = errors.New("invalid scope")
)

const (
	storeTimeout   = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// Collector gathers one FactSet for a target
type Collector interface {
	Collect(ctx context.Context, target model.Target) collector.Result
}

// RuleSource returns the current rules with overrides applied
type RuleSource interface {
	Effective() []rules.Rule
}

// AgentCounter reports agents by status
type AgentCounter interface {
	Counts() map[model.AgentStatus]int
}

// Options configures scheduling
type Options struct {
	TickInterval              time.Duration
	MaxInFlight               int
	DegradedAfter             int
	EvaluateFailedCollections bool
	CollectOnSubmission       bool
}

// Deps are the collaborators of the orchestrator. Publisher and Agents
// may be nil.
type Deps struct {
	Store      store.Store
	Collector  Collector
	Rules      RuleSource
	Engine     *rules.Engine
	Suppressor *rules.Suppressor
	Publisher  events.Publisher
	Agents     AgentCounter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// TriggerRequest asks for a manual run
type TriggerRequest struct {
	Scope    model.RunScope `json:"scope"`
	TargetID string         `json:"target_id,omitempty"`
	Wait     bool           `json:"wait"`
}

// Health summarizes scheduler state
type Health struct {
	Agents             map[model.AgentStatus]int `json:"agents"`
	LastSuccessfulTick time.Time                 `json:"last_successful_tick"`
	DegradedTargets    []string                  `json:"degraded_targets"`
	Targets            int                       `json:"targets"`
	ActiveRuns         int                       `json:"active_runs"`
}

// entry is one row of the schedule table
type entry struct {
	target model.Target
	state  model.TargetState
	// claims counts runs that hold or wait for this target
	claims int
}

// Orchestrator owns the schedule table. Every read and write of the table
// goes through mu; workers only ever see copies.
type Orchestrator struct {
	opts       Options
	store      store.Store
	collector  Collector
	rules      RuleSource
	matcher    *rules.Matcher
	engine     *rules.Engine
	suppressor *rules.Suppressor
	publisher  events.Publisher
	agents     AgentCounter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	sem        *semaphore.Weighted

	mu       sync.Mutex
	schedule map[string]*entry
	locks    map[string]chan struct{}
	runs     map[string]*runState
	lastTick time.Time

	// netMu serializes network-wide passes
	netMu sync.Mutex

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an orchestrator
func New(opts Options, deps Deps) *Orchestrator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:       opts,
		store:      deps.Store,
		collector:  deps.Collector,
		rules:      deps.Rules,
		matcher:    rules.NewMatcher(),
		engine:     deps.Engine,
		suppressor: deps.Suppressor,
		publisher:  deps.Publisher,
		agents:     deps.Agents,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(opts.MaxInFlight)),
		schedule:   make(map[string]*entry),
		locks:      make(map[string]chan struct{}),
		runs:       make(map[string]*runState),
		base:       base,
		stop:       stop,
	}
}

// Restore loads targets and their persisted state, and rebuilds alert
// suppression from stored findings
func (o *Orchestrator) Restore(ctx context.Context) error {
	if err := o.syncTargets(ctx); err != nil {
		return err
	}
	states, err := o.store.ListTargetStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list target states: %w", err)
	}

	o.mu.Lock()
	for _, st := range states {
		if e, ok := o.schedule[st.TargetID]; ok {
			st.InFlight = false
			e.state = st
		}
	}
	degraded := o.degradedLocked()
	targets := len(o.schedule)
	o.mu.Unlock()
	o.metrics.SetDegraded(len(degraded))

	history, err := o.store.ListFindings(ctx, store.FindingFilter{})
	if err != nil {
		return fmt.Errorf("failed to list findings: %w", err)
	}
	o.suppressor.Prime(history, o.rules.Effective())

	o.logger.Info("Orchestrator state restored",
		"targets", targets,
		"degraded", len(degraded),
		"findings_replayed", len(history))
	return nil
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()

	o.logger.Info("Scheduler started", "tick_interval", o.opts.TickInterval, "max_in_flight", o.opts.MaxInFlight)
	for {
		if _, err := o.Tick(ctx); err != nil {
			o.logger.Error("Scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick dispatches every due target as one scheduled run and returns its
// id, or "" when nothing is due. Targets already claimed by a run are
// skipped.
func (o *Orchestrator) Tick(ctx context.Context) (string, error) {
	if err := o.syncTargets(ctx); err != nil {
		return "", fmt.Errorf("tick: %w", err)
	}

	now := o.now()
	o.mu.Lock()
	var due []model.Target
	for _, id := range o.sortedIDsLocked() {
		e := o.schedule[id]
		if !e.target.Enabled || e.claims > 0 {
			continue
		}
		last := e.state.LastCollectedAt
		if last.IsZero() || now.Sub(last) >= o.pollInterval(e.target) {
			due = append(due, e.target)
		}
	}
	o.claimLocked(due)
	o.lastTick = now
	o.mu.Unlock()
	o.metrics.SetLastSuccessfulTick(now)

	if len(due) == 0 {
		return "", nil
	}
	rs := o.launch(model.ScopeAll, "", model.TriggerScheduled, due)
	o.logger.Debug("Scheduler tick dispatched", "run_id", rs.id, "targets", len(due))
	return rs.id, nil
}

// Trigger starts a manual run. Targets in scope are dispatched whether due
// or not; a target already being collected is queued behind that
// collection. With Wait the completed run is returned.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (model.AuditRun, error) {
	return o.trigger(ctx, req, model.TriggerManual)
}

func (o *Orchestrator) trigger(ctx context.Context, req TriggerRequest, trigger model.RunTrigger) (model.AuditRun, error) {
	var targets []model.Target
	switch req.Scope {
	case "", model.ScopeAll:
		req.Scope = model.ScopeAll
		req.TargetID = ""
		if err := o.syncTargets(ctx); err != nil {
			return o.failedRun(ctx, req, trigger, err), nil
		}
		o.mu.Lock()
		for _, id := range o.sortedIDsLocked() {
			if e := o.schedule[id]; e.target.Enabled {
				targets = append(targets, e.target)
			}
		}
		o.claimLocked(targets)
		o.mu.Unlock()

	case model.ScopeTarget:
		if req.TargetID == "" {
			return model.AuditRun{}, fmt.Errorf("%w: target_id required", ErrInvalidScope)
		}
		t, err := o.store.GetTarget(ctx, req.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return model.AuditRun{}, fmt.Errorf("%w: %s", ErrUnknownTarget, req.TargetID)
		}
		if err != nil {
			return o.failedRun(ctx, req, trigger, err), nil
		}
		if !t.Enabled {
			return model.AuditRun{}, fmt.Errorf("%w: %s", ErrTargetDisabled, t.ID)
		}
		o.mu.Lock()
		o.upsertLocked(t)
		targets = []model.Target{t}
		o.claimLocked(targets)
		o.mu.Unlock()

	default:
		return model.AuditRun{}, fmt.Errorf("%w: %q", ErrInvalidScope, req.Scope)
	}

	rs := o.launch(req.Scope, req.TargetID, trigger, targets)
	o.logger.Info("Audit run triggered",
		"run_id", rs.id,
		"trigger", trigger,
		"scope", req.Scope,
		"target_id", req.TargetID,
		"targets", len(targets))

	if !req.Wait {
		return rs.snapshot(), nil
	}
	return o.Wait(ctx, rs.id)
}

// failedRun records a run that could not start because the target
// registry was unavailable
func (o *Orchestrator) failedRun(ctx context.Context, req TriggerRequest, trigger model.RunTrigger, cause error) model.AuditRun {
	now := o.now()
	run := model.AuditRun{
		ID:          newRunID(),
		Scope:       req.Scope,
		TargetID:    req.TargetID,
		Trigger:     trigger,
		Status:      model.RunCompletedWithErrors,
		StartedAt:   now,
		CompletedAt: now,
		Targets:     []model.TargetOutcome{},
		Error:       fmt.Sprintf("target registry unavailable: %v", cause),
	}
	o.logger.Error("Audit run failed to start", "run_id", run.ID, "error", cause)
	o.saveRun(run)
	o.metrics.ObserveRun(string(trigger), string(run.Status))
	o.publish(events.TypeRunCompleted, run.TargetID, run)
	return run
}

// Wait blocks until the run finishes or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, runID string) (model.AuditRun, error) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		select {
		case <-rs.done:
			return rs.snapshot(), nil
		case <-ctx.Done():
			return rs.snapshot(), ctx.Err()
		}
	}
	return o.GetRun(ctx, runID)
}

// Cancel stops a run. Targets not yet collected are counted as cancelled;
// collections already in progress finish and are persisted but do not
// change the run's counts.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (model.AuditRun, error) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.GetRun(ctx, runID)
		if err != nil {
			return model.AuditRun{}, err
		}
		return run, ErrRunFinished
	}

	rs.cancel()
	o.finalize(rs)
	o.logger.Info("Audit run cancelled", "run_id", runID)
	return rs.snapshot(), nil
}

// GetRun returns an active or recorded run
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (model.AuditRun, error) {
	o.mu.Lock()
	rs, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		return rs.snapshot(), nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return model.AuditRun{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run, err
}

// ListRuns returns recorded runs, newest first
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]model.AuditRun, error) {
	return o.store.ListRuns(ctx, limit)
}

// States returns a copy of every target's schedule state
func (o *Orchestrator) States() map[string]model.TargetState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]model.TargetState, len(o.schedule))
	for id, e := range o.schedule {
		st := e.state
		st.InFlight = e.claims > 0
		out[id] = st
	}
	return out
}

// Health reports agent counts, the last successful tick and degraded targets
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	h := Health{
		LastSuccessfulTick: o.lastTick,
		DegradedTargets:    o.degradedLocked(),
		Targets:            len(o.schedule),
		ActiveRuns:         len(o.runs),
	}
	o.mu.Unlock()

	h.Agents = map[model.AgentStatus]int{
		model.AgentRegistered: 0,
		model.AgentActive:     0,
		model.AgentStale:      0,
		model.AgentRevoked:    0,
	}
	if o.agents != nil {
		for status, n := range o.agents.Counts() {
			h.Agents[status] = n
		}
	}
	return h
}

// AgentHooks returns the hooks to install on the agent channel
func (o *Orchestrator) AgentHooks() agentchannel.Hooks {
	return agentchannel.Hooks{
		OnSubmit: o.onSubmit,
		OnStale:  o.onStale,
	}
}

// onSubmit starts a one-target run for fresh agent facts. At most one run
// queues behind a collection already in progress.
func (o *Orchestrator) onSubmit(agent model.Agent, sub agentchannel.Submission) {
	if !o.opts.CollectOnSubmission {
		return
	}
	o.mu.Lock()
	busy := false
	if e, ok := o.schedule[agent.TargetID]; ok {
		busy = e.claims > 1
	}
	o.mu.Unlock()
	if busy {
		o.logger.Debug("Submission run already queued", "target_id", agent.TargetID, "agent_id", agent.ID)
		return
	}

	ctx, cancel := context.WithTimeout(o.base, storeTimeout)
	defer cancel()
	_, err := o.trigger(ctx, TriggerRequest{Scope: model.ScopeTarget, TargetID: agent.TargetID}, model.TriggerAgent)
	if err != nil {
		o.logger.Warn("Failed to start run for agent submission",
			"target_id", agent.TargetID,
			"agent_id", agent.ID,
			"seq", sub.Seq,
			"error", err)
	}
}

func (o *Orchestrator) onStale(agent model.Agent) {
	o.publish(events.TypeAgentStale, agent.TargetID, agent)
}

// Shutdown cancels queued work and waits for in-progress collections
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncTargets refreshes the schedule table from the store. Targets removed
// from the store leave the table once no run holds them.
func (o *Orchestrator) syncTargets(ctx context.Context) error {
	targets, err := o.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.ID] = true
		o.upsertLocked(t)
	}
	for id, e := range o.schedule {
		if !seen[id] && e.claims == 0 {
			delete(o.schedule, id)
		}
	}
	return nil
}

func (o *Orchestrator) upsertLocked(t model.Target) *entry {
	e, ok := o.schedule[t.ID]
	if !ok {
		e = &entry{state: model.TargetState{TargetID: t.ID, Status: model.TargetUnknown}}
		o.schedule[t.ID] = e
	}
	e.target = t
	return e
}

func (o *Orchestrator) claimLocked(targets []model.Target) {
	for _, t := range targets {
		o.upsertLocked(t).claims++
	}
}

func (o *Orchestrator) release(targetID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.schedule[targetID]; ok && e.claims > 0 {
		e.claims--
	}
}

// lockTarget serializes collections of one target
func (o *Orchestrator) lockTarget(ctx context.Context, targetID string) (func(), error) {
	o.mu.Lock()
	l, ok := o.locks[targetID]
	if !ok {
		l = make(chan struct{}, 1)
		o.locks[targetID] = l
	}
	o.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) sortedIDsLocked() []string {
	ids := make([]string, 0, len(o.schedule))
	for id := range o.schedule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) degradedLocked() []string {
	out := []string{}
	for _, id := range o.sortedIDsLocked() {
		if o.schedule[id].state.Status == model.TargetDegraded {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) pollInterval(t model.Target) time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return o.opts.TickInterval
}

func (o *Orchestrator) publish(eventType, targetID string, payload interface{}) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, events.New(eventType, targetID, o.now(), payload)); err != nil {
		o.logger.Warn("Failed to publish event", "type", eventType, "target_id", targetID, "error", err)
	}
}
