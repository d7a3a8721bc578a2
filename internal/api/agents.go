package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
)

// RegisterResponse is returned by POST /register
type RegisterResponse struct {
	AgentID                  string `json:"agent_id"`
	Token                    string `json:"token"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest is the body of POST /heartbeat
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

// FactsRequest is the body of POST /facts. Facts is either an object or an
// array of {key, value} pairs.
type FactsRequest struct {
	AgentID     string          `json:"agent_id"`
	Facts       json.RawMessage `json:"facts"`
	CollectedAt time.Time       `json:"collected_at"`
}

type factPair struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

var errBodyAgentMismatch = fmt.Errorf("%w: token was not issued to this agent", agentchannel.ErrInvalidToken)

// handleRegister handles POST /register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var claim agentchannel.Claim
	if err := decodeBody(r, &claim); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if claim.Token == "" {
		claim.Token = bearerToken(r)
	}

	reg, err := s.channel.Register(r.Context(), claim)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, RegisterResponse{
		AgentID:                  reg.AgentID,
		Token:                    reg.Token,
		HeartbeatIntervalSeconds: int(reg.HeartbeatInterval / time.Second),
	})
}

// handleHeartbeat handles POST /heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req HeartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
	}
	if req.AgentID != "" && req.AgentID != agentID {
		s.writeError(w, errBodyAgentMismatch)
		return
	}

	ack, err := s.channel.Heartbeat(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"ack": ack})
}

// handleFacts handles POST /facts
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	agentID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req FactsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if req.AgentID != "" && req.AgentID != agentID {
		s.writeError(w, errBodyAgentMismatch)
		return
	}

	facts, err := decodeFacts(req.Facts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ack, err := s.channel.SubmitFacts(r.Context(), agentID, facts, req.CollectedAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"ack": ack})
}

// authenticate resolves the bearer token to an agent id
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", agentchannel.ErrInvalidToken)
	}
	return s.channel.Authenticate(token)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// decodeFacts accepts an object or an array of {key, value} pairs. In an
// array a later key replaces an earlier one.
func decodeFacts(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: facts are required", agentchannel.ErrSchemaViolation)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	switch raw[0] {
	case '{':
		var facts map[string]interface{}
		if err := dec.Decode(&facts); err != nil {
			return nil, fmt.Errorf("%w: %v", agentchannel.ErrSchemaViolation, err)
		}
		return facts, nil
	case '[':
		var pairs []factPair
		if err := dec.Decode(&pairs); err != nil {
			return nil, fmt.Errorf("%w: %v", agentchannel.ErrSchemaViolation, err)
		}
		facts := make(map[string]interface{}, len(pairs))
		for i, p := range pairs {
			if p.Key == "" {
				return nil, fmt.Errorf("%w: facts[%d] has no key", agentchannel.ErrSchemaViolation, i)
			}
			facts[p.Key] = p.Value
		}
		return facts, nil
	}
	return nil, errors.Join(agentchannel.ErrSchemaViolation, errors.New("facts must be an object or an array of {key, value}"))
}
