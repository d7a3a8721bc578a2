// Package inventory loads the target inventory file and seeds the store
// with it.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/store"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidationError describes an invalid target definition
type ValidationError struct {
	TargetID string
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("target %s: %s: %s", e.TargetID, e.Field, e.Message)
}

type file struct {
	Targets []entry `yaml:"targets"`
}

// entry mirrors model.Target with an optional enabled flag
type entry struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	Kind                 model.TargetKind  `yaml:"kind"`
	Address              string            `yaml:"address"`
	Port                 int               `yaml:"port"`
	Protocol             model.Protocol    `yaml:"protocol"`
	Profile              string            `yaml:"profile"`
	CredentialRef        string            `yaml:"credential_ref"`
	PollInterval         time.Duration     `yaml:"poll_interval"`
	Enabled              *bool             `yaml:"enabled"`
	Labels               map[string]string `yaml:"labels"`
	EnrollmentSecretHash string            `yaml:"enrollment_secret_hash"`
}

func (e entry) target() model.Target {
	t := model.Target{
		ID:                   e.ID,
		Name:                 e.Name,
		Kind:                 e.Kind,
		Address:              e.Address,
		Port:                 e.Port,
		Protocol:             e.Protocol,
		Profile:              e.Profile,
		CredentialRef:        e.CredentialRef,
		PollInterval:         e.PollInterval,
		Enabled:              e.Enabled == nil || *e.Enabled,
		Labels:               e.Labels,
		EnrollmentSecretHash: e.EnrollmentSecretHash,
	}
	return Normalize(t)
}

// Load reads and validates an inventory file
func Load(path string) ([]model.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}
	return Parse(data)
}

// Parse decodes inventory YAML. Every target must be valid and ids must be
// unique.
func Parse(data []byte) ([]model.Target, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	seen := make(map[string]bool, len(f.Targets))
	targets := make([]model.Target, 0, len(f.Targets))
	var errs []error
	for i, e := range f.Targets {
		t := e.target()
		if err := Validate(t); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, &ValidationError{TargetID: t.ID, Field: "id", Message: "duplicate target id"})
			continue
		}
		seen[t.ID] = true
		targets = append(targets, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return targets, nil
}

// Normalize fills defaults: name from id and kind from protocol
func Normalize(t model.Target) model.Target {
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.Kind == "" {
		if t.Protocol == model.ProtocolAgent {
			t.Kind = model.KindAgentHost
		} else {
			t.Kind = model.KindNetworkDevice
		}
	}
	return t
}

// Validate checks a target definition
func Validate(t model.Target) error {
	invalid := func(field, msg string) error {
		return &ValidationError{TargetID: t.ID, Field: field, Message: msg}
	}

	if !idPattern.MatchString(t.ID) {
		return invalid("id", "must be 1-128 letters, digits, dots, dashes or underscores")
	}
	if t.ID == model.NetworkTargetID {
		return invalid("id", fmt.Sprintf("%q is reserved for network-wide checks", t.ID))
	}
	switch t.Kind {
	case model.KindNetworkDevice, model.KindAgentHost:
	default:
		return invalid("kind", fmt.Sprintf("unknown kind %q", t.Kind))
	}
	switch t.Protocol {
	case model.ProtocolSNMP, model.ProtocolSSH, model.ProtocolREST:
		if t.Address == "" {
			return invalid("address", "required for polled targets")
		}
		if _, _, err := net.SplitHostPort(t.Address); err == nil && t.Port != 0 {
			return invalid("address", "port given both in address and port")
		}
	case model.ProtocolAgent:
	default:
		return invalid("protocol", fmt.Sprintf("unknown protocol %q", t.Protocol))
	}
	if t.Port < 0 || t.Port > 65535 {
		return invalid("port", "out of range")
	}
	if t.PollInterval < 0 {
		return invalid("poll_interval", "cannot be negative")
	}
	return nil
}

// SyncResult counts what Sync changed
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Sync upserts targets into the store. Definitions in the inventory win
// over stored ones; creation times are kept.
func Sync(ctx context.Context, st store.Store, targets []model.Target, logger *slog.Logger) (SyncResult, error) {
	var res SyncResult
	now := time.Now().UTC()
	for _, t := range targets {
		existing, err := st.GetTarget(ctx, t.ID)
		switch {
		case err == nil:
			t.CreatedAt = existing.CreatedAt
			res.Updated++
		case errors.Is(err, store.ErrNotFound):
			t.CreatedAt = now
			res.Created++
		default:
			return res, fmt.Errorf("failed to look up target %s: %w", t.ID, err)
		}
		t.UpdatedAt = now
		if err := st.UpsertTarget(ctx, t); err != nil {
			return res, fmt.Errorf("failed to store target %s: %w", t.ID, err)
		}
	}
	logger.Info("Inventory synchronized", "targets", len(targets), "created", res.Created, "updated", res.Updated)
	return res, nil
}
