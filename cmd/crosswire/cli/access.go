package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/ioerr"
	"github.com/crosswire-id/crosswire/internal/orchestrator"
)

// RegisterAccessCommands adds the file-sharing command.
func RegisterAccessCommands(root *cobra.Command) {
	root.AddCommand(newGrantAccessCmd())
}

func newGrantAccessCmd() *cobra.Command {
	var (
		kind string
		role string
	)
	cmd := &cobra.Command{
		Use:   "grant-access <file-id> <principal>",
		Short: "Grant a principal access to a shared file",
		Long: `Grant access to a file on the workspace provider. Roles accept both
canonical names (reader, commenter, writer, owner) and the display
aliases shown in the provider UI (Viewer, Commenter, Editor, Owner).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := canon.ParseACLRole(role)
			if !ok {
				return ioerr.Validation("role", fmt.Sprintf("unknown role %q", role))
			}
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()
			return runOperation(cmd, eng, orchestrator.Request{
				Kind: orchestrator.KindGrantAccess,
				ACL: &canon.FileACL{
					FileID:        args[0],
					PrincipalID:   args[1],
					PrincipalKind: canon.PrincipalKind(kind),
					Role:          parsed,
				},
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(canon.PrincipalUser), "principal kind (user, group, domain, anyone)")
	cmd.Flags().StringVar(&role, "role", string(canon.ACLReader), "role to grant")
	return cmd
}
