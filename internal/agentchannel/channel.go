// Package agentchannel is the registry and inbound channel for remote
// reporting agents: registration, liveness, fact submission and revocation.
package agentchannel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ingenieroredes/netvault/internal/metrics"
	"github.com/ingenieroredes/netvault/internal/model"
)

// TargetLookup resolves targets agents bind to
type TargetLookup interface {
	GetTarget(ctx context.Context, id string) (model.Target, error)
}

// AgentStore persists agent records
type AgentStore interface {
	UpsertAgent(ctx context.Context, a model.Agent) error
	ListAgents(ctx context.Context) ([]model.Agent, error)
}

// Options configures the channel
type Options struct {
	HeartbeatInterval time.Duration
	StaleFactor       int
	SweepInterval     time.Duration
	InboxSize         int
	SharedEnrollToken string
}

// Claim is a registration request
type Claim struct {
	Token        string   `json:"token"`
	TargetID     string   `json:"target_id"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
}

// Registration is the result of a successful Register
type Registration struct {
	AgentID           string        `json:"agent_id"`
	Token             string        `json:"token"`
	HeartbeatInterval time.Duration `json:"-"`
	Agent             model.Agent   `json:"-"`
}

// Ack acknowledges a heartbeat or submission
type Ack struct {
	AgentID    string            `json:"agent_id"`
	Status     model.AgentStatus `json:"status"`
	Seq        uint64            `json:"seq,omitempty"`
	Dropped    bool              `json:"dropped,omitempty"`
	ServerTime time.Time         `json:"server_time"`
}

// Hooks are notified after state changes, outside the channel lock
type Hooks struct {
	OnSubmit func(agent model.Agent, sub Submission)
	OnStale  func(agent model.Agent)
}

type agentEntry struct {
	agent model.Agent
	inbox *Inbox
}

// Channel holds the agent registry. All binding mutations go through mu.
type Channel struct {
	opts      Options
	targets   TargetLookup
	store     AgentStore
	tokens    *TokenIssuer
	validator *SchemaValidator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.RWMutex
	agents        map[string]*agentEntry
	byTarget      map[string]string
	byFingerprint map[string]string
	hooks         Hooks
}

// New creates a channel
func New(opts Options, targets TargetLookup, store AgentStore, tokens *TokenIssuer, m *metrics.Metrics, logger *slog.Logger) (*Channel, error) {
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	if opts.StaleFactor <= 0 {
		opts.StaleFactor = 3
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.HeartbeatInterval / 2
	}
	return &Channel{
		opts:          opts,
		targets:       targets,
		store:         store,
		tokens:        tokens,
		validator:     validator,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		agents:        make(map[string]*agentEntry),
		byTarget:      make(map[string]string),
		byFingerprint: make(map[string]string),
	}, nil
}

// SetHooks installs notification hooks
func (c *Channel) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// HeartbeatInterval is the interval agents are told to heartbeat at
func (c *Channel) HeartbeatInterval() time.Duration {
	return c.opts.HeartbeatInterval
}

// Restore loads persisted agents. Inboxes start empty.
func (c *Channel) Restore(ctx context.Context) error {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range agents {
		c.agents[a.ID] = &agentEntry{agent: a, inbox: NewInbox(c.opts.InboxSize)}
		if a.TokenFingerprint != "" {
			c.byFingerprint[a.TokenFingerprint] = a.ID
		}
		if a.Status != model.AgentRevoked {
			c.byTarget[a.TargetID] = a.ID
		}
	}
	c.updateGaugesLocked()
	c.logger.Info("Agents restored", "count", len(agents))
	return nil
}

// Register binds an agent to a target. Re-registering with the same token
// returns the same agent id.
func (c *Channel) Register(ctx context.Context, claim Claim) (Registration, error) {
	if claim.Token == "" || claim.TargetID == "" {
		return Registration{}, ErrInvalidToken
	}

	target, err := c.targets.GetTarget(ctx, claim.TargetID)
	if err != nil {
		c.logger.Warn("Registration for unknown target", "target_id", claim.TargetID)
		return Registration{}, ErrInvalidToken
	}
	if target.Kind != model.KindAgentHost || !target.Enabled {
		c.logger.Warn("Registration for non-agent or disabled target", "target_id", claim.TargetID)
		return Registration{}, ErrInvalidToken
	}
	if !c.verifyEnrollment(target, claim.Token) {
		c.logger.Warn("Registration with invalid enrollment token", "target_id", claim.TargetID)
		return Registration{}, ErrInvalidToken
	}

	fp := Fingerprint(claim.Token)
	now := c.now()

	c.mu.Lock()
	agent, entry, err := c.planBindingLocked(fp, claim, now)
	if err != nil {
		c.mu.Unlock()
		return Registration{}, err
	}
	// The binding only becomes visible once it is persisted.
	if err := c.store.UpsertAgent(ctx, agent); err != nil {
		c.mu.Unlock()
		return Registration{}, fmt.Errorf("failed to persist agent: %w", err)
	}
	c.applyBindingLocked(agent, entry)
	c.updateGaugesLocked()
	c.mu.Unlock()

	token, err := c.tokens.Issue(agent.ID)
	if err != nil {
		return Registration{}, err
	}

	c.logger.Info("Agent registered", "agent_id", agent.ID, "target_id", agent.TargetID, "hostname", agent.Hostname)
	return Registration{AgentID: agent.ID, Token: token, HeartbeatInterval: c.opts.HeartbeatInterval, Agent: agent}, nil
}

// planBindingLocked computes the agent record a claim binds to without
// touching the indexes. entry is nil for a new agent.
func (c *Channel) planBindingLocked(fp string, claim Claim, now time.Time) (model.Agent, *agentEntry, error) {
	caps := append([]string(nil), claim.Capabilities...)
	sort.Strings(caps)

	if id, ok := c.byFingerprint[fp]; ok {
		entry := c.agents[id]
		if entry.agent.Status == model.AgentRevoked {
			return model.Agent{}, nil, ErrInvalidToken
		}
		if entry.agent.TargetID != claim.TargetID {
			if other, bound := c.byTarget[claim.TargetID]; bound && other != id {
				return model.Agent{}, nil, ErrDuplicateBinding
			}
		}
		agent := entry.agent
		agent.TargetID = claim.TargetID
		agent.Hostname = claim.Hostname
		agent.Capabilities = caps
		agent.UpdatedAt = now
		return agent, entry, nil
	}

	if other, bound := c.byTarget[claim.TargetID]; bound && c.agents[other].agent.Status != model.AgentRevoked {
		return model.Agent{}, nil, ErrDuplicateBinding
	}

	return model.Agent{
		ID:               uuid.NewString(),
		TargetID:         claim.TargetID,
		TokenFingerprint: fp,
		Hostname:         claim.Hostname,
		Capabilities:     caps,
		Status:           model.AgentRegistered,
		RegisteredAt:     now,
		UpdatedAt:        now,
	}, nil, nil
}

func (c *Channel) applyBindingLocked(agent model.Agent, entry *agentEntry) {
	if entry == nil {
		c.agents[agent.ID] = &agentEntry{agent: agent, inbox: NewInbox(c.opts.InboxSize)}
		c.byTarget[agent.TargetID] = agent.ID
		c.byFingerprint[agent.TokenFingerprint] = agent.ID
		return
	}
	if entry.agent.TargetID != agent.TargetID {
		delete(c.byTarget, entry.agent.TargetID)
		c.byTarget[agent.TargetID] = agent.ID
		entry.inbox = NewInbox(c.opts.InboxSize)
	}
	entry.agent = agent
}

func (c *Channel) verifyEnrollment(target model.Target, token string) bool {
	if target.EnrollmentSecretHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(target.EnrollmentSecretHash), []byte(token)) == nil {
		return true
	}
	if c.opts.SharedEnrollToken != "" &&
		subtle.ConstantTimeCompare([]byte(c.opts.SharedEnrollToken), []byte(token)) == 1 {
		return true
	}
	return false
}

// Fingerprint identifies an enrollment token without storing it
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer token to a live agent id
func (c *Channel) Authenticate(bearer string) (string, error) {
	agentID, err := c.tokens.Parse(bearer)
	if err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.agents[agentID]
	if !ok {
		return "", ErrUnknownAgent
	}
	if entry.agent.Status == model.AgentRevoked {
		return "", ErrRevoked
	}
	return agentID, nil
}

// Heartbeat records liveness. Registered and Stale agents become Active.
func (c *Channel) Heartbeat(ctx context.Context, agentID string) (Ack, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.liveLocked(agentID)
	if err != nil {
		return Ack{}, err
	}
	wasStale := entry.agent.Status == model.AgentStale
	c.touchLocked(entry, now)
	if err := c.store.UpsertAgent(ctx, entry.agent); err != nil {
		return Ack{}, fmt.Errorf("failed to persist agent: %w", err)
	}
	if wasStale {
		c.logger.Info("Agent recovered from stale", "agent_id", agentID, "target_id", entry.agent.TargetID)
	}
	return Ack{AgentID: agentID, Status: entry.agent.Status, ServerTime: now}, nil
}

func (c *Channel) touchLocked(entry *agentEntry, now time.Time) {
	entry.agent.LastHeartbeat = now
	entry.agent.UpdatedAt = now
	if entry.agent.Status != model.AgentActive {
		entry.agent.Status = model.AgentActive
		c.updateGaugesLocked()
	}
}

func (c *Channel) liveLocked(agentID string) (*agentEntry, error) {
	entry, ok := c.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if entry.agent.Status == model.AgentRevoked {
		return nil, ErrRevoked
	}
	return entry, nil
}

// SubmitFacts validates and buffers a fact batch. An accepted submission
// also counts as liveness.
func (c *Channel) SubmitFacts(ctx context.Context, agentID string, facts map[string]interface{}, collectedAt time.Time) (Ack, error) {
	now := c.now()

	c.mu.RLock()
	entry, err := c.liveLocked(agentID)
	var caps []string
	if err == nil {
		caps = entry.agent.Capabilities
	}
	c.mu.RUnlock()
	if err != nil {
		c.metrics.IncSubmission("rejected")
		return Ack{}, err
	}

	doc := map[string]interface{}{"agent_id": agentID, "facts": facts}
	if !collectedAt.IsZero() {
		doc["collected_at"] = collectedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := c.validator.Validate(doc); err != nil {
		c.metrics.IncSubmission("rejected")
		c.logger.Warn("Agent submission rejected", "agent_id", agentID, "error", err)
		return Ack{}, err
	}
	if key, ok := uncoveredKey(facts, caps); !ok {
		c.metrics.IncSubmission("rejected")
		c.logger.Warn("Agent submitted fact outside its capabilities", "agent_id", agentID, "key", key)
		return Ack{}, fmt.Errorf("%w: fact %q not covered by declared capabilities", ErrSchemaViolation, key)
	}

	c.mu.Lock()
	entry, err = c.liveLocked(agentID)
	if err != nil {
		c.mu.Unlock()
		return Ack{}, err
	}
	if collectedAt.IsZero() || collectedAt.After(now) {
		collectedAt = now
	}
	sub := Submission{
		Seq:         entry.inbox.dropped + uint64(entry.inbox.Len()) + 1,
		AgentID:     agentID,
		TargetID:    entry.agent.TargetID,
		Facts:       model.CloneFacts(facts),
		CollectedAt: collectedAt,
		ReceivedAt:  now,
	}
	dropped := entry.inbox.Push(sub)
	c.touchLocked(entry, now)
	agent := entry.agent
	hook := c.hooks.OnSubmit
	persistErr := c.store.UpsertAgent(ctx, agent)
	c.mu.Unlock()

	if persistErr != nil {
		c.logger.Error("Failed to persist agent liveness", "agent_id", agentID, "error", persistErr)
	}
	if dropped {
		c.logger.Warn("Agent inbox full, dropped oldest submission", "agent_id", agentID)
	}
	c.metrics.IncSubmission("accepted")
	c.logger.Debug("Agent submission accepted", "agent_id", agentID, "target_id", agent.TargetID, "facts", len(facts), "seq", sub.Seq)

	if hook != nil {
		hook(agent, sub.clone())
	}
	return Ack{AgentID: agentID, Status: agent.Status, Seq: sub.Seq, Dropped: dropped, ServerTime: now}, nil
}

// uncoveredKey returns the first fact key no capability covers. With no
// declared capabilities every key is allowed.
func uncoveredKey(facts map[string]interface{}, caps []string) (string, bool) {
	if len(caps) == 0 {
		return "", true
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !covered(k, caps) {
			return k, false
		}
	}
	return "", true
}

func covered(key string, caps []string) bool {
	for _, c := range caps {
		if c == "*" || c == key || strings.HasPrefix(key, c+".") {
			return true
		}
		if ok, _ := path.Match(c, key); ok {
			return true
		}
	}
	return false
}

// Latest returns the newest submission of the agent bound to targetID
func (c *Channel) Latest(targetID string) (Submission, model.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byTarget[targetID]
	if !ok {
		return Submission{}, model.Agent{}, ErrUnknownAgent
	}
	entry := c.agents[id]
	sub, ok := entry.inbox.Latest()
	if !ok {
		return Submission{}, entry.agent, ErrNoSubmission
	}
	return sub.clone(), entry.agent, nil
}

// Sweep marks agents Stale whose last heartbeat is older than
// StaleFactor x HeartbeatInterval and returns them
func (c *Channel) Sweep(ctx context.Context, now time.Time) []model.Agent {
	limit := time.Duration(c.opts.StaleFactor) * c.opts.HeartbeatInterval

	c.mu.Lock()
	var stale []model.Agent
	for _, entry := range c.agents {
		a := &entry.agent
		if a.Status != model.AgentActive && a.Status != model.AgentRegistered {
			continue
		}
		last := a.LastHeartbeat
		if last.IsZero() {
			last = a.RegisteredAt
		}
		if now.Sub(last) <= limit {
			continue
		}
		a.Status = model.AgentStale
		a.UpdatedAt = now
		if err := c.store.UpsertAgent(ctx, *a); err != nil {
			c.logger.Error("Failed to persist stale agent", "agent_id", a.ID, "error", err)
		}
		stale = append(stale, *a)
	}
	if len(stale) > 0 {
		c.updateGaugesLocked()
	}
	hook := c.hooks.OnStale
	c.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	for _, a := range stale {
		c.logger.Warn("Agent marked stale", "agent_id", a.ID, "target_id", a.TargetID, "last_heartbeat", a.LastHeartbeat)
		if hook != nil {
			hook(a)
		}
	}
	return stale
}

// RunSweeper sweeps periodically until ctx is done
func (c *Channel) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, c.now())
		}
	}
}

// Revoke permanently disables an agent and frees its target binding
func (c *Channel) Revoke(ctx context.Context, agentID string) (model.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.agents[agentID]
	if !ok {
		return model.Agent{}, ErrUnknownAgent
	}
	if entry.agent.Status == model.AgentRevoked {
		return entry.agent, nil
	}
	revoked := entry.agent
	revoked.Status = model.AgentRevoked
	revoked.UpdatedAt = c.now()
	if err := c.store.UpsertAgent(ctx, revoked); err != nil {
		return model.Agent{}, fmt.Errorf("failed to persist agent: %w", err)
	}
	entry.agent = revoked
	if c.byTarget[revoked.TargetID] == agentID {
		delete(c.byTarget, revoked.TargetID)
	}
	c.updateGaugesLocked()
	c.logger.Info("Agent revoked", "agent_id", agentID, "target_id", entry.agent.TargetID)
	return entry.agent, nil
}

// Get returns one agent
func (c *Channel) Get(agentID string) (model.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.agents[agentID]
	if !ok {
		return model.Agent{}, ErrUnknownAgent
	}
	return entry.agent, nil
}

// Agents lists all agents sorted by id
func (c *Channel) Agents() []model.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Agent, 0, len(c.agents))
	for _, e := range c.agents {
		out = append(out, e.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of agents per status
func (c *Channel) Counts() map[model.AgentStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countsLocked()
}

func (c *Channel) countsLocked() map[model.AgentStatus]int {
	counts := map[model.AgentStatus]int{
		model.AgentRegistered: 0,
		model.AgentActive:     0,
		model.AgentStale:      0,
		model.AgentRevoked:    0,
	}
	for _, e := range c.agents {
		counts[e.agent.Status]++
	}
	return counts
}

func (c *Channel) updateGaugesLocked() {
	if c.metrics == nil {
		return
	}
	counts := c.countsLocked()
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	c.metrics.SetAgents(out)
}
