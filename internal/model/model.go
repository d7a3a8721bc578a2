package model

import (
	"time"
)

// TargetKind distinguishes network equipment from agent-backed hosts
type TargetKind string

const (
	KindNetworkDevice TargetKind = "NetworkDevice"
	KindAgentHost     TargetKind = "AgentHost"
	// KindNetwork is the built-in target that carries cross-device checks
	KindNetwork TargetKind = "Network"
)

// NetworkTargetID is the id of the built-in KindNetwork target
const NetworkTargetID = "network"

// Protocol selects the data source used to collect a target
type Protocol string

const (
	ProtocolSNMP  Protocol = "snmp"
	ProtocolSSH   Protocol = "ssh"
	ProtocolREST  Protocol = "rest"
	ProtocolAgent Protocol = "agent"
	// ProtocolAggregate marks facts derived from other targets' fact sets
	ProtocolAggregate Protocol = "aggregate"
)

// TargetStatus is the operator-visible collection health of a target
type TargetStatus string

const (
	TargetUnknown  TargetStatus = "unknown"
	TargetOK       TargetStatus = "ok"
	TargetDegraded TargetStatus = "degraded"
)

// Target represents a monitored entity
type Target struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Kind          TargetKind        `json:"kind" yaml:"kind"`
	Address       string            `json:"address" yaml:"address"`
	Port          int               `json:"port,omitempty" yaml:"port"`
	Protocol      Protocol          `json:"protocol" yaml:"protocol"`
	Profile       string            `json:"profile,omitempty" yaml:"profile"`
	CredentialRef string            `json:"credential_ref,omitempty" yaml:"credential_ref"`
	PollInterval  time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels"`
	// EnrollmentSecretHash is a bcrypt hash agents must match to bind to this target
	EnrollmentSecretHash string    `json:"-" yaml:"enrollment_secret_hash"`
	CreatedAt            time.Time `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time `json:"updated_at" yaml:"-"`
}

// TargetState holds the runtime schedule state of a target
type TargetState struct {
	TargetID            string       `json:"target_id"`
	Status              TargetStatus `json:"status"`
	LastCollectedAt     time.Time    `json:"last_collected_at,omitempty"`
	LastSuccessAt       time.Time    `json:"last_success_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	InFlight            bool         `json:"in_flight"`
}

// AgentStatus is the lifecycle state of a remote agent
type AgentStatus string

const (
	AgentRegistered AgentStatus = "Registered"
	AgentActive     AgentStatus = "Active"
	AgentStale      AgentStatus = "Stale"
	AgentRevoked    AgentStatus = "Revoked"
)

// Agent represents a remote reporting process bound to one target
type Agent struct {
	ID               string      `json:"id"`
	TargetID         string      `json:"target_id"`
	TokenFingerprint string      `json:"-"`
	Hostname         string      `json:"hostname,omitempty"`
	Capabilities     []string    `json:"capabilities"`
	Status           AgentStatus `json:"status"`
	LastHeartbeat    time.Time   `json:"last_heartbeat,omitempty"`
	RegisteredAt     time.Time   `json:"registered_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// FactSource records where a fact set came from
type FactSource string

const (
	SourceConnector FactSource = "connector"
	SourceAgent     FactSource = "agent"
	SourceNetwork   FactSource = "network"
)

// FactSet is the normalized, immutable output of one collection.
// Error records carry an empty fact map and the failure reason.
type FactSet struct {
	ID          string                 `json:"id"`
	TargetID    string                 `json:"target_id"`
	CollectedAt time.Time              `json:"collected_at"`
	Facts       map[string]interface{} `json:"facts"`
	Source      FactSource             `json:"source"`
	Latency     time.Duration          `json:"latency"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
}

// IsError reports whether the fact set is an error record
func (fs *FactSet) IsError() bool {
	return fs.Error != ""
}

// Has reports whether a fact key is present
func (fs *FactSet) Has(key string) bool {
	_, ok := fs.Facts[key]
	return ok
}

// Clone returns a deep copy so stored fact sets cannot be mutated by callers
func (fs FactSet) Clone() FactSet {
	out := fs
	out.Facts = CloneFacts(fs.Facts)
	return out
}

// CloneFacts deep-copies a fact map including nested structured values
func CloneFacts(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneFacts(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Severity of a rule and the findings it produces
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Level orders severities for minimum-severity filters
func (s Severity) Level() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Level() > 0
}

// Verdict is the outcome of evaluating one rule against one fact set
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// Finding represents the result of one rule evaluated against one fact set
type Finding struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	TargetID  string                 `json:"target_id"`
	FactSetID string                 `json:"fact_set_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Verdict   Verdict                `json:"verdict"`
	Severity  Severity               `json:"severity"`
	Evidence  map[string]interface{} `json:"evidence,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Alerting  bool                   `json:"alerting"`
	CreatedAt time.Time              `json:"created_at"`
}

// RunScope selects the targets of an audit run
type RunScope string

const (
	ScopeAll    RunScope = "all"
	ScopeTarget RunScope = "target"
)

// RunTrigger records what started an audit run
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerAgent     RunTrigger = "agent"
)

// RunStatus is the audit run state machine
type RunStatus string

const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
)

// Done reports whether the run reached a terminal state
func (s RunStatus) Done() bool {
	return s == RunCompleted || s == RunCompletedWithErrors
}

// Outcome is the per-target result counted by an audit run
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeCounts sums per-target outcomes of a run
type OutcomeCounts struct {
	Pass      int `json:"pass"`
	Fail      int `json:"fail"`
	Error     int `json:"error"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of targets accounted for
func (c OutcomeCounts) Total() int {
	return c.Pass + c.Fail + c.Error + c.Cancelled
}

// TargetOutcome is the result of one target within a run
type TargetOutcome struct {
	TargetID      string  `json:"target_id"`
	Outcome       Outcome `json:"outcome"`
	FactSetID     string  `json:"fact_set_id,omitempty"`
	Attempts      int     `json:"attempts"`
	Retries       int     `json:"retries"`
	Error         string  `json:"error,omitempty"`
	ErrorKind     string  `json:"error_kind,omitempty"`
	Degraded      bool    `json:"degraded"`
	Findings      int     `json:"findings"`
	FailFindings  int     `json:"fail_findings"`
	Inconclusive  int     `json:"inconclusive"`
	AlertingFails int     `json:"alerting_fails"`
}

// AuditRun is one invocation of the collection and evaluation pipeline
type AuditRun struct {
	ID          string          `json:"id"`
	Scope       RunScope        `json:"scope"`
	TargetID    string          `json:"target_id,omitempty"`
	Trigger     RunTrigger      `json:"trigger"`
	Status      RunStatus       `json:"status"`
	Cancelled   bool            `json:"cancelled"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Counts      OutcomeCounts   `json:"counts"`
	Targets     []TargetOutcome `json:"targets"`
	// Network is the cross-device pass of a scope-all run. It is not
	// part of Counts.
	Network *TargetOutcome `json:"network,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Recount recomputes outcome counts from the per-target outcomes.
// Pending targets are not counted until they finish.
func (r *AuditRun) Recount() {
	var c OutcomeCounts
	for _, t := range r.Targets {
		switch t.Outcome {
		case OutcomePass:
			c.Pass++
		case OutcomeFail:
			c.Fail++
		case OutcomeError:
			c.Error++
		case OutcomeCancelled:
			c.Cancelled++
		}
	}
	r.Counts = c
}

// Clone returns a copy safe to hand to readers
func (r AuditRun) Clone() AuditRun {
	out := r
	out.Targets = append([]TargetOutcome(nil), r.Targets...)
	if r.Network != nil {
		n := *r.Network
		out.Network = &n
	}
	return out
}
