package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/config"
	"github.com/traceworks-io/openlrs/pkg/storage"
)

var (
	credentialKey    string
	credentialSecret string
	credentialLabel  string
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage API credentials",
	Long: `Manage the Basic auth credentials API clients present.

Available subcommands:
  add     - Register a new API key
  disable - Reject a key without deleting its record
  enable  - Re-admit a previously disabled key`,
}

var credentialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new API key",
	Long: `Register a new API key. Key and secret are generated when not
given; the secret is printed once and stored only as a bcrypt hash.`,
	RunE: runCredentialAdd,
}

var credentialDisableCmd = &cobra.Command{
	Use:   "disable <key>",
	Short: "Disable an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialDisable,
}

var credentialEnableCmd = &cobra.Command{
	Use:   "enable <key>",
	Short: "Re-enable a disabled API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialEnable,
}

func init() {
	credentialAddCmd.Flags().StringVar(&credentialKey, "key", "", "API key (generated when empty)")
	credentialAddCmd.Flags().StringVar(&credentialSecret, "secret", "", "secret (generated when empty)")
	credentialAddCmd.Flags().StringVar(&credentialLabel, "label", "", "free-form label, e.g. the client name")

	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialDisableCmd)
	credentialCmd.AddCommand(credentialEnableCmd)
}

func openStore(cmd *cobra.Command) (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return storage.Open(cmd.Context(), cfg.DatabaseURL, storage.Options{Logger: cfg.Logger()})
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	key := credentialKey
	if key == "" {
		var err error
		if key, err = randomToken(16); err != nil {
			return err
		}
	}
	secret := credentialSecret
	if secret == "" {
		var err error
		if secret, err = randomToken(32); err != nil {
			return err
		}
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateCredential(cmd.Context(), key, hash, credentialLabel); err != nil {
		return err
	}

	fmt.Printf("key:    %s\n", key)
	fmt.Printf("secret: %s\n", secret)
	fmt.Println("\nThe secret is not recoverable; store it now.")
	return nil
}

func runCredentialDisable(cmd *cobra.Command, args []string) error {
	return setCredentialDisabled(cmd, args[0], true)
}

func runCredentialEnable(cmd *cobra.Command, args []string) error {
	return setCredentialDisabled(cmd, args[0], false)
}

func setCredentialDisabled(cmd *cobra.Command, key string, disabled bool) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetCredentialDisabled(cmd.Context(), key, disabled); err != nil {
		return err
	}

	state := "enabled"
	if disabled {
		state = "disabled"
	}
	fmt.Printf("key %s %s\n", key, state)
	if disabled {
		fmt.Println("Running servers may honor cached credentials for up to the cache TTL.")
	}
	return nil
}

// randomToken returns n random bytes hex-encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
