// Package collector turns a target into a normalized FactSet, either by
// calling the target's protocol connector or by reading the latest
// submission of the agent bound to it.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/connector"
	"github.com/ingenieroredes/netvault/internal/metrics"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/secrets"
)

// ErrStale reports agent data older than the target's poll interval
var ErrStale = errors.New("stale")

// AgentSource exposes the latest agent submission per target
type AgentSource interface {
	Latest(targetID string) (agentchannel.Submission, model.Agent, error)
}

// Options configures collection
type Options struct {
	Retry        RetryPolicy
	TimeoutFloor time.Duration
}

// Result is the outcome of one collection. FactSet is always set; on
// failure it is an error record.
type Result struct {
	FactSet  model.FactSet
	Attempts int
	Err      error
}

// Retries is the number of attempts beyond the first
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Collector gathers facts for targets
type Collector struct {
	registry *connector.Registry
	creds    secrets.Resolver
	agents   AgentSource
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a collector
func New(registry *connector.Registry, creds secrets.Resolver, agents AgentSource, opts Options, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if opts.TimeoutFloor <= 0 {
		opts.TimeoutFloor = 2 * time.Second
	}
	return &Collector{
		registry: registry,
		creds:    creds,
		agents:   agents,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Collect gathers one FactSet for target
func (c *Collector) Collect(ctx context.Context, target model.Target) Result {
	start := c.now()

	var res Result
	if target.Protocol == model.ProtocolAgent {
		res = c.fromAgent(target, start)
	} else {
		res = c.fromConnector(ctx, target)
	}

	latency := c.now().Sub(start)
	res.FactSet.Latency = latency

	result := "success"
	if res.Err != nil {
		result = errorKind(res.Err)
	}
	c.metrics.ObserveCollection(string(target.Protocol), result, res.Retries(), latency)
	return res
}

func (c *Collector) fromAgent(target model.Target, now time.Time) Result {
	if c.agents == nil {
		return c.failure(target, fmt.Errorf("%w: agent channel disabled", connector.ErrUnreachable), 0)
	}

	sub, agent, err := c.agents.Latest(target.ID)
	switch {
	case errors.Is(err, agentchannel.ErrUnknownAgent):
		return c.failure(target, fmt.Errorf("%w: no agent bound to target", connector.ErrUnreachable), 0)
	case agent.Status == model.AgentStale:
		return c.failure(target, fmt.Errorf("%w: agent %s is stale", connector.ErrUnreachable, agent.ID), 0)
	case errors.Is(err, agentchannel.ErrNoSubmission):
		return c.failure(target, fmt.Errorf("%w: agent %s has not submitted facts", ErrStale, agent.ID), 0)
	case err != nil:
		return c.failure(target, err, 0)
	}

	if age := sub.Age(now); target.PollInterval > 0 && age > target.PollInterval {
		return c.failure(target, fmt.Errorf("%w: latest submission is %s old, poll interval %s",
			ErrStale, age.Truncate(time.Second), target.PollInterval), 0)
	}

	return Result{
		FactSet: model.FactSet{
			ID:          uuid.NewString(),
			TargetID:    target.ID,
			CollectedAt: sub.CollectedAt,
			Facts:       Normalize(sub.Facts),
			Source:      model.SourceAgent,
		},
		Attempts: 1,
	}
}

func (c *Collector) fromConnector(ctx context.Context, target model.Target) Result {
	conn, err := c.registry.For(target.Protocol)
	if err != nil {
		return c.failure(target, fmt.Errorf("%w: %v", connector.ErrProtocolError, err), 0)
	}

	cred, err := c.creds.Resolve(ctx, target.CredentialRef)
	if err != nil {
		return c.failure(target, fmt.Errorf("%w: resolve credential: %v", connector.ErrAuthFailure, err), 0)
	}

	timeout := connector.CallTimeout(target.PollInterval, c.opts.TimeoutFloor)

	var raw connector.Facts
	attempts, err := withRetry(ctx, c.opts.Retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		facts, err := conn.Collect(callCtx, target, cred)
		if err != nil {
			return err
		}
		raw = facts
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("Collection attempt failed, retrying",
			"target_id", target.ID,
			"attempt", attempt,
			"error", err,
			"backoff", wait)
	})
	if err != nil {
		return c.failure(target, err, attempts)
	}

	return Result{
		FactSet: model.FactSet{
			ID:          uuid.NewString(),
			TargetID:    target.ID,
			CollectedAt: c.now(),
			Facts:       Normalize(raw),
			Source:      model.SourceConnector,
		},
		Attempts: attempts,
	}
}

func (c *Collector) failure(target model.Target, err error, attempts int) Result {
	source := model.SourceConnector
	if target.Protocol == model.ProtocolAgent {
		source = model.SourceAgent
	}
	c.logger.Warn("Collection failed",
		"target_id", target.ID,
		"protocol", target.Protocol,
		"attempts", attempts,
		"error", err)
	return Result{
		FactSet: model.FactSet{
			ID:          uuid.NewString(),
			TargetID:    target.ID,
			CollectedAt: c.now(),
			Facts:       map[string]interface{}{},
			Source:      source,
			Error:       err.Error(),
			ErrorKind:   errorKind(err),
		},
		Attempts: attempts,
		Err:      err,
	}
}

func errorKind(err error) string {
	if errors.Is(err, ErrStale) {
		return "stale"
	}
	if kind := connector.KindName(err); kind != "" {
		return kind
	}
	return "error"
}
