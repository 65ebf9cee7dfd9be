package main

import (
	"encoding/json"
	"fmt"

	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/services/esb-service/internal/cache"
	"github.com/spf13/cobra"
)

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect materialized cache entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <domain> <table> <aggregateId>",
		Short: "Print one cache entry as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer pool.Close()

			key := esb.CacheKey{Domain: args[0], Table: args[1], AggregateID: args[2]}
			entry, err := cache.NewRepository(pool).Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("no cache entry for %s/%s/%s", key.Domain, key.Table, key.AggregateID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		},
	})
	return cmd
}
