package cli

import (
	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/internal/canon"
	"github.com/crosswire-id/crosswire/internal/orchestrator"
)

// RegisterMembershipCommands adds the group membership command.
func RegisterMembershipCommands(root *cobra.Command) {
	root.AddCommand(newSetMembershipCmd())
}

func newSetMembershipCmd() *cobra.Command {
	var (
		members []string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "set-membership <group-email>",
		Short: "Converge a group's member list to the given set",
		Long: `Converge the group's membership to exactly the emails passed via
--members. Missing members are added, extraneous ones removed, and
members already in place are reported without a mutation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()
			return runOperation(cmd, eng, orchestrator.Request{
				Kind:    orchestrator.KindSetMembership,
				Group:   args[0],
				Members: members,
				Role:    canon.MemberRole(role),
			})
		},
	}
	cmd.Flags().StringSliceVar(&members, "members", nil, "desired member emails (required)")
	cmd.Flags().StringVar(&role, "role", string(canon.RoleMember), "role for added members (member, manager, owner)")
	cmd.MarkFlagRequired("members")
	return cmd
}
