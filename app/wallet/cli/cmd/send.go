package cmd

import (
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

var (
	sendTo     string
	sendAmount uint64
	sendFee    uint64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose, sign and submit a transaction",
	Run:   sendRun,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendTo, "to", "t", "", "Recipient contact label or hex public key.")
	sendCmd.Flags().Uint64VarP(&sendAmount, "amount", "a", 0, "Amount to send in base units.")
	sendCmd.Flags().Uint64VarP(&sendFee, "fee", "f", 0, "Fee to leave for the miner in base units.")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("amount")
}

func sendRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	recipient, err := resolveRecipient(cfg, sendTo)
	if err != nil {
		log.Fatal(err)
	}

	prv, err := signature.LoadPrivateKey(cfg.MyKeyFile)
	if err != nil {
		log.Fatal(err)
	}
	pub := prv.PublicKey()

	entries, err := fetchUTXOs(cfg, pub)
	if err != nil {
		log.Fatal(err)
	}

	tx, err := composeTx(entries, prv, pub, recipient, sendAmount, sendFee)
	if err != nil {
		log.Fatal(err)
	}

	c, err := dialNode(cfg.NodeAddress)
	if err != nil {
		log.Fatal(err)
	}
	defer c.close()

	if err := c.send(&p2p.MsgTx{Tx: tx}); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("submitted tx %s\n", tx.Hash())
}

// composeTx selects unclaimed outputs until the amount plus fee is
// covered, pays the recipient, returns change to the wallet, and signs
// every input.
func composeTx(entries []p2p.UTXOEntry, prv signature.PrivateKey, pub signature.PublicKey, recipient signature.PublicKey, amount, fee uint64) (database.Tx, error) {
	need := amount + fee
	if need < amount {
		return database.Tx{}, fmt.Errorf("amount plus fee overflows")
	}

	// Spend the largest outputs first to keep input counts small.
	spendable := make([]p2p.UTXOEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Claimed {
			spendable = append(spendable, entry)
		}
	}
	sort.Slice(spendable, func(i, j int) bool {
		return spendable[i].Output.Value > spendable[j].Output.Value
	})

	var tx database.Tx
	var total uint64
	for _, entry := range spendable {
		if total >= need {
			break
		}
		tx.Inputs = append(tx.Inputs, database.TxInput{Previous: entry.Previous})
		total += entry.Output.Value
	}

	if total < need {
		return database.Tx{}, fmt.Errorf("insufficient funds: have %d, need %d", total, need)
	}

	tx.Outputs = append(tx.Outputs, database.TxOutput{
		Value:     amount,
		UniqueID:  uuid.New(),
		Recipient: recipient,
	})

	if change := total - need; change > 0 {
		tx.Outputs = append(tx.Outputs, database.TxOutput{
			Value:     change,
			UniqueID:  uuid.New(),
			Recipient: pub,
		})
	}

	if err := tx.SignInputs(prv); err != nil {
		return database.Tx{}, err
	}

	return tx, nil
}
