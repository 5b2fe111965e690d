package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "infra402",
	Short: "Pay-per-lease Proxmox containers behind x402",
	Long: `infra402 sells time-bounded LXC containers on a Proxmox node. Clients pay
per request with x402 proofs; expired leases are stopped by a background worker.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
