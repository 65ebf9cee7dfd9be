package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/services/esb-service/internal/outbox"
	"github.com/spf13/cobra"
)

func (a *app) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outbox table",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows in one status (failed rows are never retried automatically)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := esb.ParseOutboxStatus(status)
			if err != nil {
				return err
			}
			pool, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer pool.Close()

			events, err := outbox.NewRepository(pool).List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT TYPE\tAGGREGATE ID\tCREATED AT\tPROCESSED AT")
			for _, e := range events {
				processed := "-"
				if e.ProcessedAt != nil {
					processed = e.ProcessedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.EventType, e.AggregateID, e.CreatedAt.Format(time.RFC3339), processed)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", string(esb.StatusFailed), "pending|processing|processed|failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer pool.Close()

			counts, err := outbox.NewRepository(pool).Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			for _, st := range []esb.OutboxStatus{esb.StatusPending, esb.StatusProcessing, esb.StatusProcessed, esb.StatusFailed} {
				fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(list, stats)
	return cmd
}
