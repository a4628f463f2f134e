// The admin tool holds the offline helpers: dumping a blockchain file,
// generating key files, and printing the genesis block.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/app/tooling/admin/commands"
)

func main() {
	root := cobra.Command{
		Use:   "admin",
		Short: "Offline helpers for the blockchain",
	}

	root.AddCommand(commands.Blocks())
	root.AddCommand(commands.Keys())
	root.AddCommand(commands.Genesis())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
