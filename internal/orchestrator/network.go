package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/netaudit"
	"github.com/ingenieroredes/netvault/internal/store"
)

// networkTarget is the built-in target cross-device findings attach to. It
// never enters the inventory or the schedule.
func networkTarget() model.Target {
	return model.Target{
		ID:       model.NetworkTargetID,
		Name:     "Network-wide checks",
		Kind:     model.KindNetwork,
		Protocol: model.ProtocolAggregate,
		Enabled:  true,
	}
}

// networkPass runs the cross-device checks at the end of a scope-all run
// that collected at least one target
func (o *Orchestrator) networkPass(rs *runState) {
	rs.mu.Lock()
	eligible := !rs.finalized && rs.run.Scope == model.ScopeAll && rs.ctx.Err() == nil
	collected := false
	for _, t := range rs.run.Targets {
		if t.Outcome == model.OutcomePass || t.Outcome == model.OutcomeFail {
			collected = true
			break
		}
	}
	rs.mu.Unlock()
	if !eligible || !collected {
		return
	}

	out := o.auditNetwork(context.WithoutCancel(rs.ctx), rs.id)
	if out == nil {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.finalized {
		return
	}
	rs.run.Network = out
	o.saveRun(rs.run)
}

// auditNetwork evaluates the rules scoped to the network target over the
// latest ARP tables of every enabled network device. It returns nil when no
// rule is scoped to the network or no device has reported an ARP table.
func (o *Orchestrator) auditNetwork(ctx context.Context, runID string) *model.TargetOutcome {
	t := networkTarget()
	if len(o.matcher.EffectiveRulesFor(t, o.rules.Effective())) == 0 {
		return nil
	}

	o.netMu.Lock()
	defer o.netMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	failed := func(err error) *model.TargetOutcome {
		o.logger.Error("Network checks failed", "run_id", runID, "error", err)
		return &model.TargetOutcome{TargetID: t.ID, Outcome: model.OutcomeError, Error: err.Error()}
	}

	inventory, err := o.store.ListTargets(ctx)
	if err != nil {
		return failed(fmt.Errorf("failed to list targets: %w", err))
	}
	var latest []model.FactSet
	for _, dev := range inventory {
		if !dev.Enabled || dev.Kind != model.KindNetworkDevice {
			continue
		}
		fs, err := o.store.LatestFactSet(ctx, dev.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return failed(fmt.Errorf("failed to load facts of %s: %w", dev.ID, err))
		}
		latest = append(latest, fs)
	}
	if netaudit.Reporting(latest) == 0 {
		o.logger.Debug("No ARP tables for network checks", "run_id", runID)
		return nil
	}

	started := o.now()
	fs := model.FactSet{
		ID:          uuid.NewString(),
		TargetID:    t.ID,
		CollectedAt: started,
		Facts:       netaudit.Analyze(latest, inventory),
		Source:      model.SourceNetwork,
	}
	fs.Latency = o.now().Sub(started)
	if err := o.store.AppendFactSet(ctx, fs); err != nil {
		return failed(fmt.Errorf("failed to store fact set: %w", err))
	}

	out := &model.TargetOutcome{TargetID: t.ID, FactSetID: fs.ID, Attempts: 1}
	tally(out, o.evaluate(ctx, runID, t, fs))
	out.Outcome = model.OutcomePass
	if out.FailFindings > 0 {
		out.Outcome = model.OutcomeFail
	}
	o.logger.Info("Network checks completed",
		"run_id", runID,
		"devices", len(latest),
		"findings", out.Findings,
		"fail", out.FailFindings)
	return out
}
