// Command esbctl inspects and operates a domain's bus tables.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fabrica/esb/libs/db"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "esbctl:", err)
		os.Exit(1)
	}
}

type app struct {
	v *viper.Viper
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	v.SetEnvPrefix("ESB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database-url", "ESB_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("config-database-url", "ESB_CONFIG_DATABASE_URL", "CONFIG_DATABASE_URL")

	a := &app{v: v}
	root := &cobra.Command{
		Use:           "esbctl",
		Short:         "Operate the event bus outbox, cache and registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("database-url", "", "domain database URL (env ESB_DATABASE_URL or DATABASE_URL)")
	root.PersistentFlags().String("config-database-url", "", "registry database URL, defaults to --database-url")
	_ = v.BindPFlag("database-url", root.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("config-database-url", root.PersistentFlags().Lookup("config-database-url"))

	root.AddCommand(
		a.migrateCmd(),
		a.outboxCmd(),
		a.cacheCmd(),
		a.configCmd(),
		a.healthCmd(),
	)
	return root
}

func (a *app) databaseURL() (string, error) {
	url := a.v.GetString("database-url")
	if url == "" {
		return "", fmt.Errorf("database url not set (use --database-url or ESB_DATABASE_URL)")
	}
	return url, nil
}

func (a *app) configDatabaseURL() (string, error) {
	if url := a.v.GetString("config-database-url"); url != "" {
		return url, nil
	}
	return a.databaseURL()
}

func (a *app) open(ctx context.Context, configDB bool) (*db.Pool, error) {
	url, err := a.databaseURL()
	if configDB {
		url, err = a.configDatabaseURL()
	}
	if err != nil {
		return nil, err
	}
	return db.Open(ctx, url, db.Options{MaxConns: 2})
}
