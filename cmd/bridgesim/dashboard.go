package main

import (
	"github.com/spf13/cobra"

	"bridgesim/internal/dashboard"
	"bridgesim/internal/event"
	"bridgesim/internal/logging"
)

var (
	dashboardOut   string
	dashboardTable string
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards for the GreptimeDB event table",
	Long:  "dashboard renders the Grafana dashboards into --out. GREPTIMEDB_DATASOURCE_UID must name the Grafana datasource.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dashboard.Render(dashboardOut, dashboard.Data{Table: dashboardTable}); err != nil {
			return err
		}
		logging.FromContext(cmd.Context()).Info("dashboards written", "dir", dashboardOut)
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "build", "Output directory")
	dashboardCmd.Flags().StringVar(&dashboardTable, "table", event.TableName, "GreptimeDB event table")
}
