package orchestrator

import (
	"context"
	"fmt"

	"github.com/ingenieroredes/netvault/internal/events"
	"github.com/ingenieroredes/netvault/internal/model"
)

// processTarget collects, evaluates and records one target
func (o *Orchestrator) processTarget(ctx context.Context, runID string, t model.Target) model.TargetOutcome {
	res := o.collector.Collect(ctx, t)
	fs := res.FactSet

	out := model.TargetOutcome{
		TargetID:  t.ID,
		FactSetID: fs.ID,
		Attempts:  res.Attempts,
		Retries:   res.Retries(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	var storeErr error
	if err := o.store.AppendFactSet(storeCtx, fs); err != nil {
		o.logger.Error("Failed to store fact set", "target_id", t.ID, "fact_set_id", fs.ID, "error", err)
		storeErr = fmt.Errorf("failed to store fact set: %w", err)
	}

	// Findings must reference a stored fact set.
	if storeErr == nil && (res.Err == nil || o.opts.EvaluateFailedCollections) {
		tally(&out, o.evaluate(storeCtx, runID, t, fs))
	}

	switch {
	case res.Err != nil:
		out.Outcome = model.OutcomeError
		out.Error = res.Err.Error()
		out.ErrorKind = fs.ErrorKind
	case storeErr != nil:
		out.Outcome = model.OutcomeError
		out.Error = storeErr.Error()
	case out.FailFindings > 0:
		out.Outcome = model.OutcomeFail
	default:
		out.Outcome = model.OutcomePass
	}

	out.Degraded = o.updateState(storeCtx, t, res.Err)
	return out
}

func tally(out *model.TargetOutcome, findings []model.Finding) {
	for _, f := range findings {
		out.Findings++
		switch f.Verdict {
		case model.VerdictFail:
			out.FailFindings++
			if f.Alerting {
				out.AlertingFails++
			}
		case model.VerdictInconclusive:
			out.Inconclusive++
		}
	}
}

// evaluate runs the target's rules over fs, applies suppression, stores the
// findings and publishes the alerting ones
func (o *Orchestrator) evaluate(ctx context.Context, runID string, t model.Target, fs model.FactSet) []model.Finding {
	effective := o.matcher.EffectiveRulesFor(t, o.rules.Effective())
	if len(effective) == 0 {
		return nil
	}

	findings := o.engine.Evaluate(fs, effective)
	for i := range findings {
		findings[i].RunID = runID
	}
	findings = o.suppressor.Apply(findings, effective)

	if err := o.store.AppendFindings(ctx, findings); err != nil {
		o.logger.Error("Failed to store findings", "target_id", t.ID, "run_id", runID, "count", len(findings), "error", err)
	}

	for _, f := range findings {
		suppressed := f.Verdict == model.VerdictFail && !f.Alerting
		o.metrics.ObserveFinding(string(f.Verdict), string(f.Severity), suppressed)
		if !f.Alerting {
			continue
		}
		o.logger.Info("Finding alerting",
			"target_id", f.TargetID,
			"rule_id", f.RuleID,
			"verdict", f.Verdict,
			"severity", f.Severity,
			"reason", f.Reason)
		o.publish(events.TypeFindingAlerting, f.TargetID, f)
	}
	return findings
}

// updateState applies a collection result to the target's schedule entry
// and reports whether the target is degraded afterwards. Degraded targets
// keep being polled; one success makes them OK again.
func (o *Orchestrator) updateState(ctx context.Context, t model.Target, collectErr error) bool {
	now := o.now()

	o.mu.Lock()
	e := o.upsertLocked(t)
	st := &e.state
	prev := st.Status
	st.LastCollectedAt = now
	if collectErr == nil {
		st.Status = model.TargetOK
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.LastSuccessAt = now
	} else {
		st.ConsecutiveFailures++
		st.LastError = collectErr.Error()
		if st.ConsecutiveFailures >= o.opts.DegradedAfter {
			st.Status = model.TargetDegraded
		}
	}
	snap := *st
	snap.InFlight = e.claims > 0
	degraded := len(o.degradedLocked())
	o.mu.Unlock()

	o.metrics.SetDegraded(degraded)
	if err := o.store.SaveTargetState(ctx, snap); err != nil {
		o.logger.Error("Failed to save target state", "target_id", t.ID, "error", err)
	}

	switch {
	case prev != model.TargetDegraded && snap.Status == model.TargetDegraded:
		o.logger.Warn("Target degraded",
			"target_id", t.ID,
			"consecutive_failures", snap.ConsecutiveFailures,
			"last_error", snap.LastError)
		o.publish(events.TypeTargetDegraded, t.ID, snap)
	case prev == model.TargetDegraded && snap.Status == model.TargetOK:
		o.logger.Info("Target recovered", "target_id", t.ID)
		o.publish(events.TypeTargetRecovered, t.ID, snap)
	}
	return snap.Status == model.TargetDegraded
}
