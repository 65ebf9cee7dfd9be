package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fabrica/esb/services/esb-service/internal/cache"
	"github.com/fabrica/esb/services/esb-service/internal/registry"
	"github.com/spf13/cobra"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the bus registry",
	}

	subscriptions := &cobra.Command{
		Use:   "subscriptions",
		Short: "Show the topic set each consumer group subscribes to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer pool.Close()

			configs, err := registry.NewRepository(pool).ActiveCacheConfigs(cmd.Context())
			if err != nil {
				return err
			}
			subs := cache.Subscriptions(configs)
			groups := make([]string, 0, len(subs))
			for g := range subs {
				groups = append(groups, g)
			}
			sort.Strings(groups)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tTOPICS")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\n", g, strings.Join(subs[g], ","))
			}
			return w.Flush()
		},
	}

	domains := &cobra.Command{
		Use:   "domains",
		Short: "List registered domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer pool.Close()

			list, err := registry.NewRepository(pool).Domains(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME\tPUBLISHES\tCONSUMES\tACTIVE")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\n", d.Name, d.DisplayName, d.Publishes, d.Consumes, d.IsActive)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(subscriptions, domains)
	return cmd
}
