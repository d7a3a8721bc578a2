package agentchannel

import (
	"time"

	"github.com/ingenieroredes/netvault/internal/model"
)

// Submission is one accepted batch of facts from an agent
type Submission struct {
	Seq         uint64                 `json:"seq"`
	AgentID     string                 `json:"agent_id"`
	TargetID    string                 `json:"target_id"`
	Facts       map[string]interface{} `json:"facts"`
	CollectedAt time.Time              `json:"collected_at"`
	ReceivedAt  time.Time              `json:"received_at"`
}

// Age measures how old the submission is at now, from the agent's collection
// time when it reported one
func (s Submission) Age(now time.Time) time.Duration {
	if s.CollectedAt.IsZero() {
		return now.Sub(s.ReceivedAt)
	}
	return now.Sub(s.CollectedAt)
}

func (s Submission) clone() Submission {
	out := s
	out.Facts = model.CloneFacts(s.Facts)
	return out
}

// Inbox is a fixed-capacity FIFO of submissions that drops the oldest entry
// when full. Callers serialize access.
type Inbox struct {
	items   []Submission
	head    int
	size    int
	dropped uint64
}

// NewInbox creates an inbox holding at most capacity submissions
func NewInbox(capacity int) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{items: make([]Submission, capacity)}
}

// Push appends a submission and reports whether an older one was dropped
func (b *Inbox) Push(s Submission) bool {
	idx := (b.head + b.size) % len(b.items)
	if b.size == len(b.items) {
		b.items[b.head] = s
		b.head = (b.head + 1) % len(b.items)
		b.dropped++
		return true
	}
	b.items[idx] = s
	b.size++
	return false
}

// Latest returns the newest submission
func (b *Inbox) Latest() (Submission, bool) {
	if b.size == 0 {
		return Submission{}, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

// Items returns the buffered submissions oldest first
func (b *Inbox) Items() []Submission {
	out := make([]Submission, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}

// Len returns the number of buffered submissions
func (b *Inbox) Len() int {
	return b.size
}

// Dropped returns how many submissions were evicted
func (b *Inbox) Dropped() uint64 {
	return b.dropped
}
