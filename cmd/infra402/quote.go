package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stake-plus/infra402/src/api/pricing"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Print the price of a lease",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := pricing.NewRequest(0)
		req.RuntimeMinutes, _ = cmd.Flags().GetInt64("minutes")
		req.Cores, _ = cmd.Flags().GetInt64("cores")
		req.MemoryMB, _ = cmd.Flags().GetInt64("memory")
		req.DiskGB, _ = cmd.Flags().GetInt64("disk")

		price, err := pricing.Quote(req)
		if err != nil {
			return err
		}
		req = req.Normalize()
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d min, %d cores, %d MB, %d GB)\n",
			price, req.RuntimeMinutes, req.Cores, req.MemoryMB, req.DiskGB)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)
	quoteCmd.Flags().Int64P("minutes", "m", 60, "Lease runtime in minutes")
	quoteCmd.Flags().Int64("cores", pricing.DefaultCores, "CPU cores")
	quoteCmd.Flags().Int64("memory", pricing.DefaultMemoryMB, "Memory in MB")
	quoteCmd.Flags().Int64("disk", pricing.DefaultDiskGB, "Disk in GB")
}
