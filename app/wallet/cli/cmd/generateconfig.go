package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Write a template configuration file",
	Run:   generateConfigRun,
}

func init() {
	rootCmd.AddCommand(generateConfigCmd)
}

func generateConfigRun(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(configPath); err == nil {
		log.Fatalf("refusing to overwrite existing %s", configPath)
	}

	cfg := Config{
		MyKeyFile:       "wallet.key",
		MyPublicKeyFile: "wallet.pub",
		NodeAddress:     "localhost:9000",
		Contacts: []Contact{
			{Label: "alice", PublicKey: "0x02..."},
		},
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("wrote %s, edit it before use\n", configPath)
}
