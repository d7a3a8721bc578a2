package rules

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ingenieroredes/netvault/internal/model"
)

// pairState tracks the open alert of one (rule, target) pair
type pairState struct {
	latest  time.Time
	open    bool
	alertAt time.Time
}

// Suppressor marks repeated Fail findings as non-alerting while an earlier
// alert for the same rule and target is still open and inside the rule's
// suppression window. Times are the findings' collection times.
type Suppressor struct {
	mu    sync.Mutex
	state *lru.Cache[string, pairState]
}

// NewSuppressor creates a suppressor remembering up to size pairs
func NewSuppressor(size int) (*Suppressor, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, pairState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppression cache: %w", err)
	}
	return &Suppressor{state: cache}, nil
}

func pairKey(f *model.Finding) string {
	return f.RuleID + "\x00" + f.TargetID
}

// Apply sets Alerting on each finding and returns them.
//
//   - Fail alerts unless an open alert for the pair started less than the
//     rule's window earlier.
//   - Pass is never suppressed; it closes an open alert and alerts as a
//     recovery when it does.
//   - Inconclusive never alerts and leaves the pair untouched.
//   - A finding older than the latest one seen for its pair never alerts
//     and never changes state.
func (s *Suppressor) Apply(findings []model.Finding, rules []Rule) []model.Finding {
	windows := make(map[string]time.Duration, len(rules))
	for i := range rules {
		windows[rules[i].Metadata.ID] = time.Duration(rules[i].Spec.SuppressionWindowSeconds) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range findings {
		s.applyLocked(&findings[i], windows[findings[i].RuleID])
	}
	return findings
}

// Prime replays historical findings, oldest first, to rebuild state after
// a restart
func (s *Suppressor) Prime(history []model.Finding, rules []Rule) {
	replay := make([]model.Finding, len(history))
	copy(replay, history)
	s.Apply(replay, rules)
}

func (s *Suppressor) applyLocked(f *model.Finding, window time.Duration) {
	f.Alerting = false
	if f.Verdict == model.VerdictInconclusive {
		return
	}

	key := pairKey(f)
	st, _ := s.state.Get(key)
	if f.CreatedAt.Before(st.latest) {
		return
	}
	st.latest = f.CreatedAt

	switch f.Verdict {
	case model.VerdictFail:
		if st.open && window > 0 && f.CreatedAt.Sub(st.alertAt) < window {
			break
		}
		f.Alerting = true
		st.open = true
		st.alertAt = f.CreatedAt
	case model.VerdictPass:
		f.Alerting = st.open
		st.open = false
		st.alertAt = time.Time{}
	}
	s.state.Add(key, st)
}

// Len returns the number of tracked pairs
func (s *Suppressor) Len() int {
	return s.state.Len()
}
