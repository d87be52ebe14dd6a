package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/mcdev12/lastclick/go/internal/config"
	"github.com/mcdev12/lastclick/go/internal/oracle"
)

func newSyncCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe every configured time source and print its offset",
		Long: `Reads each active time source once, concurrently, and prints the
measured offset against the local clock and the round-trip time. Circuit
breakers are bypassed. Nothing is persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			sources, err := oracle.BuildSources(cfg.Oracle.Sources, cfg.Oracle.AttemptTimeout)
			if err != nil {
				return err
			}
			orc := oracle.New(clockwork.NewRealClock(), sources, oracle.Config{
				Interval:       cfg.Oracle.Interval,
				AttemptTimeout: cfg.Oracle.AttemptTimeout,
			})

			results := orc.Probe(cmd.Context())

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tOFFSET\tRTT\tSTATUS")
			failed := 0
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = r.Err.Error()
					failed++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Source, r.Offset, r.RTT.Round(time.Millisecond), status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed == len(results) {
				return fmt.Errorf("all %d time sources failed", failed)
			}
			return nil
		},
	}
}
