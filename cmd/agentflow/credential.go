package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/secrets"
)

func newCredentialCmd(a *app) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage encrypted credentials for API_CALL steps",
		Long: `Manage credentials referenced by API_CALL steps as {{credentials.NAME}}.

Values are encrypted with AES-256-GCM using a key derived from
AGENTFLOW_VAULT_PASSPHRASE. Credentials set without --agent are shared by all
agents; an agent-scoped credential of the same name takes precedence.`,
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", "", "scope the credential to one agent")

	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a credential (reads the value from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := credentialValue(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return a.withVault(cmd, func(v secrets.Vault) error {
				if err := v.Set(cmd.Context(), agentID, args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Stored credential %s%s\n", args[0], scopeSuffix(agentID))
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVault(cmd, func(v secrets.Vault) error {
				if err := v.Delete(cmd.Context(), agentID, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Deleted credential %s%s\n", args[0], scopeSuffix(agentID))
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List credential names (values are never printed)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withVault(cmd, func(v secrets.Vault) error {
				names, err := v.List(cmd.Context(), agentID)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(a.out, n)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(set, del, list)
	return cmd
}

// withVault opens the store and vault for the duration of fn.
func (a *app) withVault(cmd *cobra.Command, fn func(secrets.Vault) error) error {
	if a.cfg.VaultPassphrase == "" {
		return fmt.Errorf("AGENTFLOW_VAULT_PASSPHRASE is not set")
	}
	db, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := a.vault(db)
	if err != nil {
		return err
	}
	return fn(v)
}

func credentialValue(in io.Reader, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if f, ok := in.(*os.File); ok {
		if st, err := f.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
			fmt.Fprint(os.Stderr, "Value: ")
		}
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read credential value: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", fmt.Errorf("credential value is empty")
	}
	return value, nil
}

func scopeSuffix(agentID string) string {
	if agentID == "" {
		return " (shared)"
	}
	return " for agent " + agentID
}
