package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		rawInput string
		userID   string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "run <agentId>",
		Short: "Run a stored agent and print its execution record",
		Long: `Run a stored agent to completion and print the execution record as JSON.

With --follow, step events are printed as they happen and the final status
is printed at the end. Interrupting a followed run cancels it; the record keeps
the steps that completed.

Examples:
  agentflow run triage --input '{"ticket":"printer on fire"}'
  agentflow run triage --user u1 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(rawInput)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			hub := streaming.NewMemoryHub()
			eng, err := a.newEngine(db, hub)
			if err != nil {
				return err
			}
			defer eng.Shutdown()

			req := engine.RunRequest{AgentID: args[0], UserID: userID, Input: input}
			if !follow {
				rec, err := eng.Run(ctx, req)
				if err != nil {
					return err
				}
				return a.finish(rec)
			}
			return a.follow(ctx, eng, hub, req)
		},
	}
	cmd.Flags().StringVar(&rawInput, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "", "user the run belongs to")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print step events while the run progresses")
	return cmd
}

// follow starts the run in the background and prints its events until it ends.
func (a *app) follow(ctx context.Context, eng *engine.Engine, hub streaming.EventHub, req engine.RunRequest) error {
	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()

	// The execution id is unknown until Start returns, so subscribe to
	// everything first and filter afterwards.
	events, unsubscribe, err := hub.Subscribe(subCtx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()

	h, err := eng.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.errOut, "execution %s started\n", h.ID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.ExecutionID != h.ID {
				continue
			}
			a.printEvent(ev)
		case <-interrupt:
			if eng.Cancel(h.ID) {
				fmt.Fprintf(a.errOut, "cancelling execution %s\n", h.ID)
			}
		case <-h.Done():
			rec, err := h.Wait(ctx)
			if err != nil {
				return err
			}
			return a.finish(rec)
		}
	}
}

func (a *app) printEvent(ev streaming.StreamEvent) {
	ts := ev.Timestamp.Local().Format("15:04:05.000")
	if ev.StepID != "" {
		fmt.Fprintf(a.errOut, "%s  %-18s %s\n", ts, ev.EventType, ev.StepID)
		return
	}
	fmt.Fprintf(a.errOut, "%s  %s\n", ts, ev.EventType)
}

// finish prints the record and turns a failed run into a command error.
func (a *app) finish(rec *schema.ExecutionRecord) error {
	if err := a.printJSON(rec); err != nil {
		return err
	}
	if rec.Status == schema.ExecutionFailed {
		return fmt.Errorf("execution %s failed: %s: %s", rec.ID, rec.ErrorCode, rec.ErrorMessage)
	}
	return nil
}
