package commands

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// Keys returns the command that generates a keypair file plus its public
// key file, the format the node and miner load.
func Keys() *cobra.Command {
	var keyPath string
	var pubPath string

	cmd := cobra.Command{
		Use:   "keys",
		Short: "Generate a keypair file and a public key file",
		Run: func(cmd *cobra.Command, args []string) {
			prv, err := signature.Generate()
			if err != nil {
				log.Fatal(err)
			}

			if err := prv.Save(keyPath); err != nil {
				log.Fatal(err)
			}
			if err := signature.SavePublicKey(pubPath, prv.PublicKey()); err != nil {
				log.Fatal(err)
			}

			fmt.Printf("wrote %s and %s\naddress: %s\n", keyPath, pubPath, prv.PublicKey())
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "zblock/accounts/miner.key", "Path for the keypair file.")
	cmd.Flags().StringVarP(&pubPath, "pub", "p", "zblock/accounts/miner.pub", "Path for the public key file.")
	return &cmd
}

// Genesis returns the command that prints the hard coded genesis block
// for the default or a specified genesis file.
func Genesis() *cobra.Command {
	var path string

	cmd := cobra.Command{
		Use:   "genesis",
		Short: "Print the genesis block",
		Run: func(cmd *cobra.Command, args []string) {
			genesis, err := database.LoadGenesis(path)
			if err != nil {
				log.Fatal(err)
			}

			printBlock(0, genesis.Block())
		},
	}

	cmd.Flags().StringVarP(&path, "genesis", "g", "zblock/genesis.json", "Path to the genesis file.")
	return &cmd
}
