package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the wallet's public key",
	Run:   addressRun,
}

func init() {
	rootCmd.AddCommand(addressCmd)
}

func addressRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	pub, err := signature.LoadPublicKey(cfg.MyPublicKeyFile)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(pub)
}
