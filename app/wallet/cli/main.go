package main

import "github.com/ferrumchain/ferrum/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
