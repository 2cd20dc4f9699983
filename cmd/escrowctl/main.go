package main

import (
	"os"

	"github.com/codesalvage/transaction-escrow-service/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
