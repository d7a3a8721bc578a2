// Package connector implements the protocol adapters that pull raw facts from
// network devices. Each protocol is one variant behind the Connector interface
// and is selected by the target's protocol through a Registry.
package connector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/secrets"
)

// Facts is the raw, source-specific output of one collection.
// The collector canonicalizes keys and units before rules see them.
type Facts map[string]interface{}

// Connector fetches raw facts from one device. Implementations hold no
// per-device state between calls.
type Connector interface {
	Protocol() model.Protocol
	Collect(ctx context.Context, target model.Target, cred secrets.Credential) (Facts, error)
}

// Registry maps protocols to connector variants
type Registry struct {
	connectors map[model.Protocol]Connector
}

// NewRegistry creates a registry holding the given variants
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[model.Protocol]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the variant for its protocol
func (r *Registry) Register(c Connector) {
	r.connectors[c.Protocol()] = c
}

// For returns the variant serving a protocol
func (r *Registry) For(p model.Protocol) (Connector, error) {
	c, ok := r.connectors[p]
	if !ok {
		return nil, fmt.Errorf("no connector registered for protocol %q", p)
	}
	return c, nil
}

// Protocols lists the registered protocols in sorted order
func (r *Registry) Protocols() []model.Protocol {
	out := make([]model.Protocol, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CallTimeout bounds one connector call to half the poll interval, never below floor
func CallTimeout(pollInterval, floor time.Duration) time.Duration {
	t := pollInterval / 2
	if t < floor {
		return floor
	}
	return t
}
