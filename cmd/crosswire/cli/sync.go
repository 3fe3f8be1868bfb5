package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/internal/orchestrator"
)

// RegisterSyncCommands adds the directory sync command.
func RegisterSyncCommands(root *cobra.Command) {
	root.AddCommand(newSyncDirectoryCmd())
}

func newSyncDirectoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-directory",
		Short: "Refresh the entity cache from the targeted providers",
		Long: `Drain every targeted provider's user, group, and org unit listings
into the entity cache. The sync runs on the background pool; a failed
or interrupted provider leaves no partial snapshot behind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			req := orchestrator.Request{
				Kind:           orchestrator.KindSyncDirectory,
				Providers:      targetProviders(eng),
				DryRun:         flagDryRun,
				IdempotencyKey: flagIdemKey,
				Deadline:       flagDeadline,
			}

			var (
				res    *orchestrator.Result
				runErr error
			)
			_, err = eng.Runner.Submit(cmd.Context(),
				func(ctx context.Context) (any, error) {
					return eng.Orch.Execute(ctx, req)
				},
				func(v any) { res = v.(*orchestrator.Result) },
				func(err error) { runErr = err },
			)
			if err != nil {
				return err
			}
			eng.Runner.Wait(cmd.Context())
			if runErr != nil {
				return runErr
			}
			return printResult(res)
		},
	}
}
