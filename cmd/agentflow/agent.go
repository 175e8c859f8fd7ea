package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/agentfile"
	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage stored agents",
	}
	cmd.AddCommand(
		newAgentImportCmd(a),
		newAgentListCmd(a),
		newAgentShowCmd(a),
		newAgentDeleteCmd(a),
		newAgentGraphCmd(a),
	)
	return cmd
}

func newAgentImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Validate and store an agent definition",
		Long: `Load an agent from a YAML file, validate it and store it.

An agent without an id gets a generated one. Importing a file whose id is
already stored replaces the stored definition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := agentfile.Load(args[0])
			if err != nil {
				return err
			}
			if agent.ID == "" {
				agent.ID = uuid.New().String()
			}

			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SaveAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Imported agent %s (%s) with %d steps\n", agent.ID, agent.Name, len(agent.Steps))
			return nil
		},
	}
}

func newAgentListCmd(a *app) *cobra.Command {
	var (
		userID string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			agents, err := db.ListAgents(cmd.Context(), store.AgentFilter{UserID: userID, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(a.out, "No agents found. Import one with 'agentflow agent import <file.yaml>'.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUSER\tUPDATED")
			for _, ag := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.ID, ag.Name, ag.UserID, ag.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only agents owned by this user")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of agents")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newAgentShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <agentId>",
		Short: "Print an agent's full definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			agent, err := db.GetAgentWithStepsAndVariables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(agent)
		},
	}
}

func newAgentDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agentId>",
		Short: "Delete a stored agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted agent %s\n", args[0])
			return nil
		},
	}
}

func newAgentGraphCmd(a *app) *cobra.Command {
	var (
		format      string
		executionID string
		outPath     string
	)
	cmd := &cobra.Command{
		Use:   "graph <agentId>",
		Short: "Draw an agent's step graph",
		Long: `Draw an agent's step graph as Mermaid, Graphviz DOT or a PNG image.

With --execution the nodes are colored by the status each step reached in
that run and the edges it followed are drawn bold.

Examples:
  agentflow agent graph triage
  agentflow agent graph triage --format dot --execution 3f2c...
  agentflow agent graph triage --format png --out triage.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "png" && outPath == "" {
				return fmt.Errorf("--format png requires --out")
			}

			db, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			agent, err := db.GetAgentWithStepsAndVariables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var rec *schema.ExecutionRecord
			if executionID != "" {
				rec, err = db.GetExecution(cmd.Context(), executionID)
				if err != nil {
					return err
				}
				if rec.AgentID != agent.ID {
					return fmt.Errorf("execution %s belongs to agent %s", executionID, rec.AgentID)
				}
			}

			model, err := diagram.Build(agent, rec)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "dot":
				src, err := diagram.RenderDOT(model)
				if err != nil {
					return err
				}
				data = []byte(src)
			case "png":
				data, err = diagram.RenderImage(cmd.Context(), model)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want mermaid, dot or png)", format)
			}

			if outPath == "" {
				_, err = a.out.Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid, dot or png")
	cmd.Flags().StringVar(&executionID, "execution", "", "overlay the status of this execution")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	return cmd
}
