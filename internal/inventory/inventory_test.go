package inventory

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/store"
)

const sampleInventory = `
targets:
  - id: sw-01
    name: Core switch
    address: 10.0.0.2
    protocol: snmp
    credential_ref: snmp-core
    poll_interval: 60s
    labels:
      site: hq
      role: core
  - id: rtr-01
    address: 10.0.0.1
    protocol: ssh
    profile: cisco_ios
    poll_interval: 5m
    enabled: false
  - id: dc01
    protocol: agent
    poll_interval: 1h
`

func TestParse(t *testing.T) {
	targets, err := Parse([]byte(sampleInventory))
	require.NoError(t, err)
	require.Len(t, targets, 3)

	sw := targets[0]
	assert.Equal(t, "sw-01", sw.ID)
	assert.Equal(t, "Core switch", sw.Name)
	assert.Equal(t, model.KindNetworkDevice, sw.Kind)
	assert.Equal(t, time.Minute, sw.PollInterval)
	assert.True(t, sw.Enabled)
	assert.Equal(t, map[string]string{"site": "hq", "role": "core"}, sw.Labels)

	rtr := targets[1]
	assert.Equal(t, "rtr-01", rtr.Name)
	assert.False(t, rtr.Enabled)
	assert.Equal(t, "cisco_ios", rtr.Profile)

	dc := targets[2]
	assert.Equal(t, model.KindAgentHost, dc.Kind)
	assert.Equal(t, time.Hour, dc.PollInterval)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing address",
			yaml:    "targets:\n  - id: sw-01\n    protocol: snmp\n",
			wantErr: "address: required for polled targets",
		},
		{
			name:    "unknown protocol",
			yaml:    "targets:\n  - id: sw-01\n    address: 10.0.0.2\n    protocol: telnet\n",
			wantErr: `unknown protocol "telnet"`,
		},
		{
			name:    "duplicate id",
			yaml:    "targets:\n  - id: dc01\n    protocol: agent\n  - id: dc01\n    protocol: agent\n",
			wantErr: "duplicate target id",
		},
		{
			name:    "bad id",
			yaml:    "targets:\n  - id: 'sw 01'\n    protocol: agent\n",
			wantErr: "id: must be",
		},
		{
			name:    "reserved id",
			yaml:    "targets:\n  - id: network\n    address: 10.0.0.2\n    protocol: snmp\n",
			wantErr: "reserved for network-wide checks",
		},
		{
			name:    "network kind",
			yaml:    "targets:\n  - id: core\n    kind: Network\n    protocol: agent\n",
			wantErr: `unknown kind "Network"`,
		},
		{
			name:    "bad duration",
			yaml:    "targets:\n  - id: dc01\n    protocol: agent\n    poll_interval: soon\n",
			wantErr: "failed to parse inventory",
		},
		{
			name:    "port twice",
			yaml:    "targets:\n  - id: sw-01\n    address: 10.0.0.2:161\n    port: 161\n    protocol: snmp\n",
			wantErr: "port given both",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleInventory), 0o600))

	targets, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	st := store.NewMemoryStore(100, 100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := Sync(ctx, st, targets, logger)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Created: 3}, res)

	first, err := st.GetTarget(ctx, "sw-01")
	require.NoError(t, err)
	assert.False(t, first.CreatedAt.IsZero())

	targets[0].Address = "10.0.0.3"
	res, err = Sync(ctx, st, targets, logger)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Updated: 3}, res)

	second, err := st.GetTarget(ctx, "sw-01")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", second.Address)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
