package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/secrets"
)

// newSealCmd seals an OAuth token for manual insertion into location_tokens,
// or generates a fresh seal key.
func newSealCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal a token with the configured key, or generate a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if generate {
				key, err := secrets.GenerateKey()
				if err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			sealer, err := secrets.NewSealer(cfg.Secrets.SealKey)
			if err != nil {
				return err
			}
			if !sealer.Enabled() {
				return errors.New("no seal key configured (secrets.seal_key)")
			}

			plaintext, err := promptSecret("Token: ")
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			if plaintext == "" {
				return errors.New("empty token")
			}
			sealed, err := sealer.Seal(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate-key", false, "print a new random seal key and exit")
	return cmd
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
