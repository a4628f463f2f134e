// Package commands implements the admin subcommands.
package commands

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/database/storage"
)

// Blocks returns the command that pretty prints a blockchain file.
func Blocks() *cobra.Command {
	var path string

	cmd := cobra.Command{
		Use:   "blocks",
		Short: "Pretty print the blocks in a blockchain file",
		Run: func(cmd *cobra.Command, args []string) {
			strg, err := storage.NewFile(path)
			if err != nil {
				log.Fatal(err)
			}

			height := 0
			for it := strg.ForEach(); !it.Done(); {
				block, err := it.Next()
				if err != nil {
					log.Fatalf("block %d: %v", height, err)
				}
				printBlock(height, block)
				height++
			}
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "zblock/blockchain.db", "Path to the blockchain file.")
	return &cmd
}

func printBlock(height int, block database.Block) {
	fmt.Printf("block %d  %s\n", height, block.Hash())
	fmt.Printf("  parent     %s\n", block.Header.PrevBlockHash)
	fmt.Printf("  merkle     %s\n", block.Header.MerkleRoot)
	fmt.Printf("  time       %s\n", time.Unix(int64(block.Header.Timestamp), 0).UTC().Format(time.RFC3339))
	fmt.Printf("  nonce      %d\n", block.Header.Nonce)
	fmt.Printf("  target     %s\n", block.Header.Target.Hex())

	for i, tx := range block.Txs {
		kind := "tx"
		if tx.IsCoinbase() {
			kind = "coinbase"
		}
		fmt.Printf("  %s %d  %s  inputs[%d] outputs[%d]\n", kind, i, tx.Hash(), len(tx.Inputs), len(tx.Outputs))
		for _, out := range tx.Outputs {
			fmt.Printf("    -> %d.%08d to %s\n", out.Value/database.CoinUnit, out.Value%database.CoinUnit, out.Recipient)
		}
	}
	fmt.Println()
}
