package main

import (
	"github.com/spf13/cobra"

	"github.com/gymcloud/accessd/internal/access/service"
	"github.com/gymcloud/accessd/internal/config"
)

// sweepCmd expires overdue commands once, e.g. from cron while the server
// is down for maintenance. Enrollment sessions live in the server process
// and are not touched.
func sweepCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue device commands once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, *cfg)
			if err != nil {
				return err
			}
			defer st.close()

			q := service.NewCommandQueue(st.commands, service.QueueConfig{DefaultTTL: cfg.Access.CommandTTL})
			service.NewSweeper(q, nil, 0, nil).SweepOnce(ctx)
			return nil
		},
	}
}
