package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new keypair into the configured key files",
	Run:   generateRun,
}

func init() {
	rootCmd.AddCommand(generateCmd)
}

func generateRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	prv, err := signature.Generate()
	if err != nil {
		log.Fatal(err)
	}

	if err := prv.Save(cfg.MyKeyFile); err != nil {
		log.Fatal(err)
	}
	if err := signature.SavePublicKey(cfg.MyPublicKeyFile, prv.PublicKey()); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("wrote %s and %s\naddress: %s\n", cfg.MyKeyFile, cfg.MyPublicKeyFile, prv.PublicKey())
}
