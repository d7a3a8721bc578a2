package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestVaultEncryptDecrypt(t *testing.T) {
	t.Setenv("NETVAULT_CREDENTIALS_MASTER_KEY", "correct horse battery staple")

	sealed, err := runRoot(t, "", "vault", "encrypt", "s3cret-community")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "enc:"), sealed)

	plain, err := runRoot(t, sealed+"\n", "vault", "decrypt")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-community", plain)
}

func TestVaultErrors(t *testing.T) {
	tests := []struct {
		name      string
		masterKey string
		stdin     string
		args      []string
	}{
		{name: "no master key", args: []string{"vault", "encrypt", "secret"}},
		{name: "empty stdin", masterKey: "k", args: []string{"vault", "encrypt"}},
		{name: "garbage ciphertext", masterKey: "k", args: []string{"vault", "decrypt", "enc:!!!"}},
		{name: "wrong key", masterKey: "k", args: []string{"vault", "decrypt", "enc:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NETVAULT_CREDENTIALS_MASTER_KEY", tt.masterKey)
			_, err := runRoot(t, tt.stdin, tt.args...)
			assert.Error(t, err)
		})
	}
}
