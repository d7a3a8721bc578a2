package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ingenieroredes/netvault/internal/events"
	"github.com/ingenieroredes/netvault/internal/model"
)

// runState tracks one active run. Saves happen under mu so the store never
// sees an older record after a newer one. Once finalized the run record is
// frozen and late target results are ignored.
type runState struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	run       model.AuditRun
	finalized bool
}

func newRunID() string {
	return uuid.NewString()
}

func (rs *runState) snapshot() model.AuditRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Clone()
}

// launch records a pending run for targets, which the caller has already
// claimed, and starts executing it
func (o *Orchestrator) launch(scope model.RunScope, targetID string, trigger model.RunTrigger, targets []model.Target) *runState {
	ctx, cancel := context.WithCancel(o.base)
	rs := &runState{
		id:     newRunID(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		run: model.AuditRun{
			Scope:     scope,
			TargetID:  targetID,
			Trigger:   trigger,
			Status:    model.RunPending,
			StartedAt: o.now(),
			Targets:   make([]model.TargetOutcome, len(targets)),
		},
	}
	rs.run.ID = rs.id
	for i, t := range targets {
		rs.run.Targets[i] = model.TargetOutcome{TargetID: t.ID, Outcome: model.OutcomePending}
	}

	o.saveRun(rs.snapshot())
	o.mu.Lock()
	o.runs[rs.id] = rs
	o.mu.Unlock()

	o.wg.Add(1)
	go o.execute(rs, targets)
	return rs
}

func (o *Orchestrator) execute(rs *runState, targets []model.Target) {
	defer o.wg.Done()

	rs.mu.Lock()
	if !rs.finalized {
		rs.run.Status = model.RunRunning
		o.saveRun(rs.run)
	}
	rs.mu.Unlock()

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t model.Target) {
			defer wg.Done()
			o.runTarget(rs, i, t)
		}(i, t)
	}
	wg.Wait()
	o.networkPass(rs)
	o.finalize(rs)
}

// runTarget waits for exclusive access to the target and a pool slot, then
// collects. Cancellation only stops targets still waiting.
func (o *Orchestrator) runTarget(rs *runState, i int, t model.Target) {
	defer o.release(t.ID)

	unlock, err := o.lockTarget(rs.ctx, t.ID)
	if err != nil {
		return
	}
	defer unlock()

	if err := o.sem.Acquire(rs.ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	if rs.ctx.Err() != nil {
		return
	}

	out := o.processTarget(context.WithoutCancel(rs.ctx), rs.id, t)
	o.recordOutcome(rs, i, out)
}

func (o *Orchestrator) recordOutcome(rs *runState, i int, out model.TargetOutcome) {
	rs.mu.Lock()
	if rs.finalized {
		rs.mu.Unlock()
		o.logger.Info("Collection finished after run was cancelled",
			"run_id", rs.id,
			"target_id", out.TargetID,
			"outcome", out.Outcome)
		return
	}
	rs.run.Targets[i] = out
	rs.run.Recount()
	o.saveRun(rs.run)
	rs.mu.Unlock()
}

// finalize freezes the run. Targets without an outcome are counted as
// cancelled so the counts always add up to the scope.
func (o *Orchestrator) finalize(rs *runState) {
	cancelled := rs.ctx.Err() != nil

	rs.mu.Lock()
	if rs.finalized {
		rs.mu.Unlock()
		return
	}
	rs.finalized = true
	for i := range rs.run.Targets {
		if rs.run.Targets[i].Outcome == model.OutcomePending {
			rs.run.Targets[i].Outcome = model.OutcomeCancelled
		}
	}
	rs.run.Recount()
	rs.run.Cancelled = cancelled
	rs.run.Status = model.RunCompleted
	networkErr := rs.run.Network != nil && rs.run.Network.Outcome == model.OutcomeError
	if cancelled || networkErr || rs.run.Counts.Error > 0 || rs.run.Counts.Cancelled > 0 {
		rs.run.Status = model.RunCompletedWithErrors
	}
	rs.run.CompletedAt = o.now()
	o.saveRun(rs.run)
	run := rs.run.Clone()
	rs.mu.Unlock()

	o.mu.Lock()
	delete(o.runs, rs.id)
	o.mu.Unlock()
	close(rs.done)
	rs.cancel()

	o.metrics.ObserveRun(string(run.Trigger), string(run.Status))
	o.logger.Info("Audit run completed",
		"run_id", run.ID,
		"trigger", run.Trigger,
		"status", run.Status,
		"pass", run.Counts.Pass,
		"fail", run.Counts.Fail,
		"error", run.Counts.Error,
		"cancelled", run.Counts.Cancelled,
		"duration", run.CompletedAt.Sub(run.StartedAt))
	o.publish(events.TypeRunCompleted, run.TargetID, run)
}

func (o *Orchestrator) saveRun(run model.AuditRun) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.SaveRun(ctx, run); err != nil {
		o.logger.Error("Failed to save audit run", "run_id", run.ID, "status", run.Status, "error", err)
	}
}
