// Package cmd contains the wallet commands.
package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "wallet.toml", "Path to the wallet configuration file.")
}

var rootCmd = &cobra.Command{
	Use:   "wallet",
	Short: "A simple wallet for composing and sending transactions",
}

// Execute runs the wallet command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================

// Contact pairs a human label with a raw public key.
type Contact struct {
	Label     string `toml:"label" validate:"required"`
	PublicKey string `toml:"public_key" validate:"required"`
}

// Config is the wallet configuration file.
type Config struct {
	MyKeyFile       string    `toml:"my_key_file" validate:"required"`
	MyPublicKeyFile string    `toml:"my_public_key_file" validate:"required"`
	NodeAddress     string    `toml:"node_address" validate:"required,hostname_port"`
	Contacts        []Contact `toml:"contacts" validate:"dive"`
}

// loadConfig reads and validates the wallet configuration.
func loadConfig() (Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", configPath, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// resolveRecipient turns a contact label or raw hex key into a
// public key.
func resolveRecipient(cfg Config, to string) (signature.PublicKey, error) {
	for _, contact := range cfg.Contacts {
		if contact.Label == to {
			to = contact.PublicKey
			break
		}
	}

	return parsePublicKey(to)
}

// parsePublicKey decodes a 0x prefixed hex public key.
func parsePublicKey(s string) (signature.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return signature.PublicKey{}, fmt.Errorf("invalid public key %q: %w", s, err)
	}

	return signature.PublicKeyFromBytes(raw)
}
