package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stake-plus/infra402/src/api"
	"github.com/stake-plus/infra402/src/api/config"
	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/pve"
	"github.com/stake-plus/infra402/src/api/types"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one expiry cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		db, err := api.OpenStore(cfg)
		if err != nil {
			return err
		}
		reg := leases.New(db)
		w := api.NewWorker(cfg, reg, pve.New(api.PVEConfig(cfg)))

		rep := w.RunOnce(cmd.Context(), time.Now())
		fmt.Fprintf(cmd.OutOrStdout(),
			"checked=%d expired=%d reactivated=%d stopped=%d stop_failed=%d retried=%d errors=%d\n",
			rep.Checked, rep.Expired, rep.Reactivated, rep.Stopped, rep.StopFailed, rep.Retried, rep.Errors)
		if rep.Errors > 0 {
			return fmt.Errorf("%d leases could not be reconciled", rep.Errors)
		}
		return nil
	},
}

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List recorded leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		db, err := api.OpenStore(cfg)
		if err != nil {
			return err
		}
		ls, err := leases.New(db).ListAll(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LEASE\tCTID\tOWNER\tSTATUS\tEXPIRES\tSTOP")
		for _, l := range ls {
			expires := "never"
			if s := types.FormatTime(l.ExpiresAt); s != nil {
				expires = *s
			}
			stop := "-"
			switch {
			case l.StopPending:
				stop = fmt.Sprintf("pending (%d attempts)", l.StopAttempts)
			case l.StoppedAt != nil:
				stop = "stopped"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", l.LeaseID, l.CTID, l.OwnerWallet, l.Status, expires, stop)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, leasesCmd)
}
