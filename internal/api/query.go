package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/inventory"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
	"github.com/ingenieroredes/netvault/internal/rules"
	"github.com/ingenieroredes/netvault/internal/store"
)

const (
	defaultFindingsLimit = 500
	maxFindingsLimit     = 10000
	defaultRunsLimit     = 50
)

// TargetView is a target with its schedule state
type TargetView struct {
	model.Target
	State model.TargetState `json:"state"`
}

// TargetRequest is the body of PUT /api/targets/{id}
type TargetRequest struct {
	Name          string            `json:"name"`
	Kind          model.TargetKind  `json:"kind"`
	Address       string            `json:"address"`
	Port          int               `json:"port"`
	Protocol      model.Protocol    `json:"protocol"`
	Profile       string            `json:"profile"`
	CredentialRef string            `json:"credential_ref"`
	PollInterval  string            `json:"poll_interval"`
	Enabled       *bool             `json:"enabled"`
	Labels        map[string]string `json:"labels"`
	// EnrollmentSecret is stored as a bcrypt hash
	EnrollmentSecret string `json:"enrollment_secret"`
}

func (s *Server) view(t model.Target, states map[string]model.TargetState) TargetView {
	st, ok := states[t.ID]
	if !ok {
		st = model.TargetState{TargetID: t.ID, Status: model.TargetUnknown}
	}
	return TargetView{Target: t, State: st}
}

// handleListTargets handles GET /api/targets
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	states := s.orch.States()
	views := make([]TargetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, s.view(t, states))
	}
	s.writeList(w, "targets", views, len(views))
}

// handleGetTarget handles GET /api/targets/{id}
func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTarget(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.view(t, s.orch.States()))
}

// handlePutTarget handles PUT /api/targets/{id}
func (s *Server) handlePutTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req TargetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	existing, err := s.store.GetTarget(r.Context(), id)
	created := errors.Is(err, store.ErrNotFound)
	if err != nil && !created {
		s.writeError(w, err)
		return
	}

	now := s.now().UTC()
	t := model.Target{
		ID:                   id,
		Name:                 req.Name,
		Kind:                 req.Kind,
		Address:              req.Address,
		Port:                 req.Port,
		Protocol:             req.Protocol,
		Profile:              req.Profile,
		CredentialRef:        req.CredentialRef,
		Enabled:              created || existing.Enabled,
		Labels:               req.Labels,
		EnrollmentSecretHash: existing.EnrollmentSecretHash,
		CreatedAt:            existing.CreatedAt,
		UpdatedAt:            now,
	}
	if created {
		t.CreatedAt = now
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.PollInterval != "" {
		d, err := time.ParseDuration(req.PollInterval)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid poll_interval: %v", err))
			return
		}
		t.PollInterval = d
	}
	if req.EnrollmentSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.EnrollmentSecret), bcrypt.DefaultCost)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid enrollment_secret: %v", err))
			return
		}
		t.EnrollmentSecretHash = string(hash)
	}

	t = inventory.Normalize(t)
	if err := inventory.Validate(t); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpsertTarget(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Target saved", "target_id", id, "created", created, "enabled", t.Enabled)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSONResponse(w, status, s.view(t, s.orch.States()))
}

// handleSetEnabled handles POST /api/targets/{id}/enable and /disable
func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.store.SetTargetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("Target enabled flag changed", "target_id", t.ID, "enabled", enabled)
		s.writeJSONResponse(w, http.StatusOK, s.view(t, s.orch.States()))
	}
}

// handleLatestFacts handles GET /api/targets/{id}/facts/latest
func (s *Server) handleLatestFacts(w http.ResponseWriter, r *http.Request) {
	fs, err := s.store.LatestFactSet(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, fs)
}

// handleFindings handles GET /api/findings
func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFindingFilter(r.URL.Query(), s.now())
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	findings, err := s.store.ListFindings(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, "findings", findings, len(findings))
}

// parseFindingFilter reads the findings query. since and until take an
// RFC 3339 time or a duration before now such as "24h".
func parseFindingFilter(q url.Values, now time.Time) (store.FindingFilter, error) {
	filter := store.FindingFilter{
		TargetID: q.Get("target_id"),
		RuleID:   q.Get("rule_id"),
		RunID:    q.Get("run_id"),
		Limit:    defaultFindingsLimit,
	}

	if v := q.Get("severity"); v != "" {
		filter.Severity = model.Severity(strings.ToLower(v))
		if !filter.Severity.Valid() {
			return filter, fmt.Errorf("invalid severity %q", v)
		}
	}
	if v := q.Get("min_severity"); v != "" {
		filter.MinSeverity = model.Severity(strings.ToLower(v))
		if !filter.MinSeverity.Valid() {
			return filter, fmt.Errorf("invalid min_severity %q", v)
		}
	}
	if v := q.Get("verdict"); v != "" {
		switch verdict := model.Verdict(strings.ToLower(v)); verdict {
		case model.VerdictPass, model.VerdictFail, model.VerdictInconclusive:
			filter.Verdict = verdict
		default:
			return filter, fmt.Errorf("invalid verdict %q", v)
		}
	}
	if v := q.Get("alerting"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid alerting %q", v)
		}
		filter.Alerting = &b
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := parseTime(v, now)
		if err != nil {
			return filter, fmt.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = min(n, maxFindingsLimit)
	}
	return filter, nil
}

func parseTime(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, errors.New("not a time or duration")
	}
	return now.Add(-d), nil
}

// handleTriggerRun handles POST /api/runs. Without wait the pending run is
// returned with 202.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TriggerRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
	}

	run, err := s.orch.Trigger(r.Context(), req)
	switch {
	case err == nil && run.Status.Done():
		s.writeJSONResponse(w, http.StatusOK, run)
	case err == nil, run.ID != "" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		s.writeJSONResponse(w, http.StatusAccepted, run)
	default:
		s.writeError(w, err)
	}
}

// handleListRuns handles GET /api/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.orch.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, "runs", runs, len(runs))
}

// handleGetRun handles GET /api/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, run)
}

// handleCancelRun handles POST /api/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, run)
}

// handleListAgents handles GET /api/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.channel.Agents()
	s.writeList(w, "agents", agents, len(agents))
}

// handleRevokeAgent handles POST /api/agents/{id}/revoke
func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.channel.Revoke(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, agentchannel.ErrUnknownAgent) {
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, agent)
}

// handleRules handles GET /api/rules
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	effective := s.catalog.Effective()
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"rules":     effective,
		"overrides": s.catalog.Overrides().ListOverrides(),
		"version":   s.catalog.Version(),
		"count":     len(effective),
		"timestamp": s.now().UTC(),
	})
}

// handleAddOverride handles POST /api/rules/overrides
func (s *Server) handleAddOverride(w http.ResponseWriter, r *http.Request) {
	var req rules.OverrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	override, err := s.catalog.AddOverride(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"override":  override,
		"timestamp": s.now().UTC(),
	})
}

// handleRemoveOverride handles DELETE /api/rules/overrides/{id}
func (s *Server) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.catalog.Overrides().RemoveOverride(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":   "Override removed successfully",
		"id":        id,
		"timestamp": s.now().UTC(),
	})
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status string `json:"status"`
	orchestrator.Health
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.orch.Health()
	status := "ok"
	if len(h.DegradedTargets) > 0 || h.Agents[model.AgentStale] > 0 {
		status = "degraded"
	}
	s.writeJSONResponse(w, http.StatusOK, HealthResponse{Status: status, Health: h, Timestamp: s.now().UTC()})
}
