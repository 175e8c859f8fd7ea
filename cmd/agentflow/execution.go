package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func newExecutionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect execution records",
	}
	cmd.AddCommand(
		newExecutionGetCmd(a),
		newExecutionListCmd(a),
		newExecutionEventsCmd(a),
	)
	return cmd
}

func newExecutionGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <executionId>",
		Short: "Print an execution record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := db.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(rec)
		},
	}
}

func newExecutionListCmd(a *app) *cobra.Command {
	var (
		agentID string
		userID  string
		status  string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ExecutionFilter{AgentID: agentID, UserID: userID, Limit: limit}
			if status != "" {
				st := schema.ExecutionStatus(status)
				switch st {
				case schema.ExecutionRunning, schema.ExecutionCompleted, schema.ExecutionFailed:
				default:
					return fmt.Errorf("unknown status %q (want RUNNING, COMPLETED or FAILED)", status)
				}
				filter.Status = &st
			}

			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.out, "No executions found.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tSTEPS\tTOKENS\tSTARTED\tERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					r.ID, r.AgentID, r.Status, len(r.ExecutionPath), r.TokenUsage,
					r.StartTime.Local().Format("2006-01-02 15:04:05"), r.ErrorCode)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only executions of this agent")
	cmd.Flags().StringVar(&userID, "user", "", "only executions of this user")
	cmd.Flags().StringVar(&status, "status", "", "only executions in this status: RUNNING, COMPLETED or FAILED")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newExecutionEventsCmd(a *app) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events <executionId>",
		Short: "Print the event log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.GetEvents(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return a.printJSON(events)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}
