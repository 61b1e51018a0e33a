package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/service"
	"github.com/t77yq/taskscheduler/internal/storage"
)

var (
	nextKind     string
	nextTimezone string
	nextFrom     string
	nextCount    int
)

var nextCmd = &cobra.Command{
	Use:   "next <payload>",
	Short: "Print the upcoming fire times of a schedule payload",
	Long: `Compile a schedule payload and print its upcoming fire times.

Examples:
  taskscheduler next --kind interval 3600
  taskscheduler next --kind cron "*/15 9-17 * * mon-fri" --tz Europe/Berlin
  taskscheduler next --kind monthly "1,15 06:00" --count 4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from := time.Now().UTC()
		if nextFrom != "" {
			t, err := time.Parse(time.RFC3339, nextFrom)
			if err != nil {
				return errors.Wrapf(err, "invalid --from %q", nextFrom)
			}
			from = t
		}

		times, err := service.Preview(model.ScheduleKind(nextKind), args[0], nextTimezone, from, nextCount)
		if err != nil {
			return err
		}
		if len(times) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no upcoming fire times")
			return nil
		}
		for _, t := range times {
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete logs and executions older than the retention windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := storage.OpenSQLite(cmd.Context(), logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := service.New(logger, store, nil, nil, nil, clock.Real{}, service.Config{
			Retention: service.Retention{
				Logs:       cfg.Retention.Logs,
				Executions: cfg.Retention.Executions,
			},
		})
		res, err := svc.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d log entries and %d executions\n", res.Logs, res.Executions)
		return nil
	},
}

func init() {
	nextCmd.Flags().StringVarP(&nextKind, "kind", "k", string(model.ScheduleCron), "Schedule kind: once, interval, cron, daily, weekly, monthly")
	nextCmd.Flags().StringVar(&nextTimezone, "tz", "", "IANA timezone for calendar and cron kinds")
	nextCmd.Flags().StringVar(&nextFrom, "from", "", "RFC 3339 start time (default now)")
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "Number of fire times")
}
