package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ingenieroredes/netvault/internal/secrets"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage encrypted credential values",
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt [PLAINTEXT]",
	Short: "Encrypt a secret for the credentials file",
	Long:  "Encrypt a secret under NETVAULT_CREDENTIALS_MASTER_KEY. The plaintext is read from stdin when no argument is given. Paste the printed enc: value into the credentials file.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, err := secretInput(cmd, args)
		if err != nil {
			return err
		}
		out, err := newVault().Encrypt(plaintext)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt [CIPHERTEXT]",
	Short: "Decrypt an enc: value to check it matches the master key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secretInput(cmd, args)
		if err != nil {
			return err
		}
		out, err := newVault().Decrypt(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func newVault() *secrets.Vault {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return secrets.NewVault("", os.Getenv("NETVAULT_CREDENTIALS_MASTER_KEY"), logger)
}

func secretInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}

func init() {
	vaultCmd.AddCommand(vaultEncryptCmd, vaultDecryptCmd)
}
