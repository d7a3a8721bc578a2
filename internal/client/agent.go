package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
)

// FactSource produces the facts an agent submits
type FactSource func(ctx context.Context) (map[string]interface{}, error)

// FileFacts reads facts from a YAML or JSON file on every call, so edits
// are picked up by the next submission.
func FileFacts(path string) FactSource {
	return func(ctx context.Context) (map[string]interface{}, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read facts file: %w", err)
		}
		var facts map[string]interface{}
		if err := yaml.Unmarshal(data, &facts); err != nil {
			return nil, fmt.Errorf("failed to parse facts file: %w", err)
		}
		if len(facts) == 0 {
			return nil, errors.New("facts file is empty")
		}
		return facts, nil
	}
}

// AgentOptions configure a reporting agent
type AgentOptions struct {
	Claim          agentchannel.Claim
	SubmitInterval time.Duration
	Facts          FactSource
	// MaxElapsedTime bounds registration retries; zero retries forever
	MaxElapsedTime time.Duration
}

// Agent registers with the server, heartbeats and submits facts
type Agent struct {
	client    *Client
	opts      AgentOptions
	logger    *slog.Logger
	heartbeat time.Duration
	agentID   string
}

// NewAgent creates an agent
func NewAgent(c *Client, opts AgentOptions, logger *slog.Logger) *Agent {
	if opts.SubmitInterval <= 0 {
		opts.SubmitInterval = 5 * time.Minute
	}
	return &Agent{
		client:    c,
		opts:      opts,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

// AgentID returns the id assigned at registration
func (a *Agent) AgentID() string {
	return a.agentID
}

// Run registers and then reports until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.submit(ctx)

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()
	submit := time.NewTicker(a.opts.SubmitInterval)
	defer submit.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Agent stopping", "agent_id", a.agentID)
			return nil
		case <-heartbeat.C:
			if err := a.beat(ctx); err != nil {
				a.logger.Warn("Heartbeat failed", "error", err)
			}
			heartbeat.Reset(a.heartbeat)
		case <-submit.C:
			a.submit(ctx)
		}
	}
}

// register retries transient failures with exponential backoff. Rejected
// claims are not retried.
func (a *Agent) register(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = time.Minute
	exp.MaxElapsedTime = a.opts.MaxElapsedTime

	op := func() error {
		resp, err := a.client.Register(ctx, a.opts.Claim)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		a.agentID = resp.AgentID
		if resp.HeartbeatIntervalSeconds > 0 {
			a.heartbeat = time.Duration(resp.HeartbeatIntervalSeconds) * time.Second
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("Registration failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

func (a *Agent) beat(ctx context.Context) error {
	_, err := a.client.Heartbeat(ctx)
	if IsUnauthorized(err) {
		a.logger.Warn("Token rejected, registering again")
		if err := a.register(ctx); err != nil {
			return err
		}
		_, err = a.client.Heartbeat(ctx)
	}
	return err
}

func (a *Agent) submit(ctx context.Context) {
	facts, err := a.opts.Facts(ctx)
	if err != nil {
		a.logger.Error("Failed to read facts", "error", err)
		return
	}

	ack, err := a.client.SubmitFacts(ctx, facts, time.Now())
	if IsUnauthorized(err) {
		a.logger.Warn("Token rejected, registering again")
		if err = a.register(ctx); err == nil {
			ack, err = a.client.SubmitFacts(ctx, facts, time.Now())
		}
	}
	if err != nil {
		a.logger.Error("Failed to submit facts", "error", err)
		return
	}
	if ack.Dropped {
		a.logger.Warn("Server inbox full, oldest submission dropped", "seq", ack.Seq)
	}
	a.logger.Info("Facts submitted", "agent_id", a.agentID, "facts", len(facts), "seq", ack.Seq)
}
