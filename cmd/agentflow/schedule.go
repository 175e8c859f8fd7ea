package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/store"
)

func newScheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules of agent runs",
		Long: `Manage cron schedules of agent runs. Schedules fire while 'agentflow serve'
is running; runs missed while it was down are executed once at startup.

Cron expressions use five fields (minute hour day month weekday) and accept
descriptors such as @hourly and @every 10m.`,
	}
	cmd.AddCommand(
		newScheduleAddCmd(a),
		newScheduleListCmd(a),
		newScheduleRemoveCmd(a),
		newScheduleToggleCmd(a, "pause", "Stop a schedule from firing", false),
		newScheduleToggleCmd(a, "resume", "Re-enable a paused schedule", true),
	)
	return cmd
}

func newScheduleAddCmd(a *app) *cobra.Command {
	var (
		rawInput string
		userID   string
	)
	cmd := &cobra.Command{
		Use:   "add <agentId> <cron>",
		Short: "Schedule recurring runs of an agent",
		Example: `  agentflow schedule add triage "*/15 * * * *" --input '{"queue":"support"}'
  agentflow schedule add digest @daily --user u1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(rawInput)
			if err != nil {
				return err
			}
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := db.GetAgentWithStepsAndVariables(cmd.Context(), args[0]); err != nil {
				return err
			}
			sched, err := scheduler.NewScheduler(db, nil, a.logger).Add(cmd.Context(), args[0], args[1], userID, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Created schedule %s, next run at %s\n", sched.ID, sched.NextRunAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&rawInput, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "", "user the runs belong to")
	return cmd
}

func newScheduleListCmd(a *app) *cobra.Command {
	var (
		agentID string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			scheds, err := db.ListSchedules(cmd.Context(), store.ScheduleFilter{AgentID: agentID})
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(scheds)
			}
			if len(scheds) == 0 {
				fmt.Fprintln(a.out, "No schedules found.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, s := range scheds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					s.ID, s.AgentID, s.CronExpression, s.Enabled, formatTime(s.NextRunAt), s.LastRunStatus)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only schedules of this agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newScheduleRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <scheduleId>",
		Aliases: []string{"rm"},
		Short:   "Delete a schedule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Removed schedule %s\n", args[0])
			return nil
		},
	}
}

func newScheduleToggleCmd(a *app, verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <scheduleId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := scheduler.NewScheduler(db, nil, a.logger).SetEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			state := "paused"
			if enabled {
				state = "resumed"
			}
			fmt.Fprintf(a.out, "Schedule %s %s\n", args[0], state)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
