package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gymcloud/accessd/internal/config"
	"github.com/gymcloud/accessd/internal/db"
	"github.com/gymcloud/accessd/internal/db/pg"
)

func migrateCmd(cfg *config.Config) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			switch cfg.Store.Driver {
			case "sqlite":
				// Open migrates before returning.
				conn, err := db.Open(ctx, db.Config{Path: cfg.Store.SQLitePath, Env: cfg.Env})
				if err != nil {
					return err
				}
				defer conn.Close()
				if status {
					versions, err := db.Applied(ctx, conn)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "sqlite %s: applied %v\n", cfg.Store.SQLitePath, versions)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema up to date")
			case "postgres":
				pool, err := pg.Open(ctx, pg.Config{DSN: cfg.Store.PostgresDSN, MaxConns: 2})
				if err != nil {
					return err
				}
				pool.Close()
				fmt.Fprintln(cmd.OutOrStdout(), "postgres schema up to date")
			default:
				return fmt.Errorf("store driver %q has no schema", cfg.Store.Driver)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list applied versions (sqlite)")
	return cmd
}
