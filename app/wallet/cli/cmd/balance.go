package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the spendable balance of this wallet",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func balanceRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	pub, err := signature.LoadPublicKey(cfg.MyPublicKeyFile)
	if err != nil {
		log.Fatal(err)
	}

	entries, err := fetchUTXOs(cfg, pub)
	if err != nil {
		log.Fatal(err)
	}

	var spendable, pending uint64
	for _, entry := range entries {
		if entry.Claimed {
			pending += entry.Output.Value
			continue
		}
		spendable += entry.Output.Value
	}

	fmt.Printf("spendable: %d.%08d\n", spendable/database.CoinUnit, spendable%database.CoinUnit)
	if pending > 0 {
		fmt.Printf("locked in pending transactions: %d.%08d\n", pending/database.CoinUnit, pending%database.CoinUnit)
	}
}

// fetchUTXOs asks the node for the outputs paying the key.
func fetchUTXOs(cfg Config, pub signature.PublicKey) ([]p2p.UTXOEntry, error) {
	c, err := dialNode(cfg.NodeAddress)
	if err != nil {
		return nil, err
	}
	defer c.close()

	if err := c.send(&p2p.MsgGetUTXOs{Owner: pub}); err != nil {
		return nil, err
	}

	resp, err := c.recvUTXOs()
	if err != nil {
		return nil, err
	}

	return resp.Entries, nil
}
