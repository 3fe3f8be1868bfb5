package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/orchestrator"
)

// RegisterUserCommands adds the user lifecycle commands.
func RegisterUserCommands(root *cobra.Command) {
	root.AddCommand(newListUsersCmd())
	root.AddCommand(newCreateUserCmd())
	root.AddCommand(newSuspendUserCmd())
	root.AddCommand(newRestoreUserCmd())
}

func newListUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List users across the targeted providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			type row struct {
				canon.User
				Provider string `json:"provider"`
			}
			var rows []row
			for _, name := range targetProviders(eng) {
				users, err := eng.Orch.ListUsers(cmd.Context(), name)
				if err != nil {
					return err
				}
				for _, u := range users {
					rows = append(rows, row{User: u, Provider: name})
				}
			}
			if flagJSON {
				return printJSON(rows)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EMAIL\tNAME\tSTATUS\tORG UNIT\tPROVIDER")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.PrimaryEmail, r.DisplayName, r.Status, r.OrgUnitPath, r.Provider)
			}
			return w.Flush()
		},
	}
}

func newCreateUserCmd() *cobra.Command {
	var (
		email  string
		given  string
		family string
		ou     string
		phone  string
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user on the targeted providers",
		Long: `Create a user on every targeted provider. The initial password is
prompted interactively and never echoed or logged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			password, err := promptPassword()
			if err != nil {
				return err
			}
			return runOperation(cmd, eng, orchestrator.Request{
				Kind: orchestrator.KindCreateUser,
				Spec: &canon.UserSpec{
					PrimaryEmail: email,
					GivenName:    given,
					FamilyName:   family,
					Password:     password,
					OrgUnitPath:  ou,
					Phone:        phone,
				},
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "primary email (required)")
	cmd.Flags().StringVar(&given, "given-name", "", "given name (required)")
	cmd.Flags().StringVar(&family, "family-name", "", "family name (required)")
	cmd.Flags().StringVar(&ou, "org-unit", "/", "org unit path")
	cmd.Flags().StringVar(&phone, "phone", "", "work phone")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("given-name")
	cmd.MarkFlagRequired("family-name")
	return cmd
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Initial password: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(pass) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pass), nil
}

func newSuspendUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend-user <email>",
		Short: "Suspend a user on the targeted providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()
			return runOperation(cmd, eng, orchestrator.Request{
				Kind: orchestrator.KindSuspendUser,
				User: args[0],
			})
		},
	}
}

func newRestoreUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-user <email>",
		Short: "Restore a suspended user on the targeted providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()
			return runOperation(cmd, eng, orchestrator.Request{
				Kind: orchestrator.KindRestoreUser,
				User: args[0],
			})
		},
	}
}
