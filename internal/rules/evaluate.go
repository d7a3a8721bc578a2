package rules

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ingenieroredes/netvault/internal/model"
)

// findingNamespace seeds deterministic finding ids
var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:netvault:finding"))

// FindingID derives the id of the finding for one rule and one fact set
func FindingID(factSetID, ruleID string) string {
	return uuid.NewSHA1(findingNamespace, []byte(factSetID+"/"+ruleID)).String()
}

// Engine evaluates rules against fact sets. It holds no per-evaluation state,
// so the same inputs always produce the same findings.
type Engine struct {
	parallelism int
	logger      *slog.Logger
}

// NewEngine creates an engine evaluating up to parallelism rules at once.
// Zero or less uses GOMAXPROCS.
func NewEngine(parallelism int, logger *slog.Logger) *Engine {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Engine{parallelism: parallelism, logger: logger}
}

// Evaluate runs rules against fs and returns one finding per rule in
// ascending rule id order. Rules whose required facts are missing, and every
// rule when fs is an error record, yield Inconclusive without running the
// predicate.
func (e *Engine) Evaluate(fs model.FactSet, rules []Rule) []model.Finding {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Metadata.ID < ordered[j].Metadata.ID
	})

	findings := make([]model.Finding, len(ordered))

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i := range ordered {
		i := i
		g.Go(func() error {
			findings[i] = evaluateRule(fs, &ordered[i])
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug("Fact set evaluated",
		"fact_set_id", fs.ID,
		"target_id", fs.TargetID,
		"rules", len(ordered))

	return findings
}

func evaluateRule(fs model.FactSet, rule *Rule) model.Finding {
	f := model.Finding{
		ID:        FindingID(fs.ID, rule.Metadata.ID),
		RuleID:    rule.Metadata.ID,
		TargetID:  fs.TargetID,
		FactSetID: fs.ID,
		Severity:  rule.Spec.Severity,
		CreatedAt: fs.CollectedAt,
	}

	if fs.IsError() {
		f.Verdict = model.VerdictInconclusive
		f.Reason = fmt.Sprintf("collection failed (%s): %s", fs.ErrorKind, fs.Error)
		return f
	}

	required := rule.Required()
	var missing []string
	for _, key := range required {
		if !fs.Has(key) {
			missing = append(missing, key)
		}
	}
	f.Evidence = evidence(fs.Facts, required)
	if len(missing) > 0 {
		f.Verdict = model.VerdictInconclusive
		f.Reason = "missing required facts: " + strings.Join(missing, ", ")
		return f
	}

	var tr trace
	failed, err := rule.Spec.FailWhen.eval(fs.Facts, rule.Spec.Params, &tr)
	switch {
	case err != nil:
		f.Verdict = model.VerdictInconclusive
		f.Reason = "predicate error: " + err.Error()
	case failed:
		f.Verdict = model.VerdictFail
		f.Reason = strings.Join(tr, "; ")
	default:
		f.Verdict = model.VerdictPass
	}
	return f
}

// evidence copies the facts the rule looked at
func evidence(facts map[string]interface{}, keys []string) map[string]interface{} {
	if len(keys) == 0 {
		return nil
	}
	subset := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := facts[k]; ok {
			subset[k] = v
		}
	}
	if len(subset) == 0 {
		return nil
	}
	return model.CloneFacts(subset)
}
