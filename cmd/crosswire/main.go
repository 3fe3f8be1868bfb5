// crosswire is the identity orchestration CLI. It drives user, group
// membership, file access, and directory sync operations across a cloud
// workspace, a self-hosted identity server, and an optional task tracker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/cmd/crosswire/cli"
	"github.com/crosswire-id/crosswire/internal/ioerr"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crosswire",
		Short: "crosswire — identity orchestration across workspace, IMS, and tracker",
		Long: `crosswire performs identity administration across a cloud workspace
provider, a self-hosted identity management server, and an optional task
tracker. Mutations fan out to every targeted provider in a deterministic
order, converge on repeat, and land in a session audit log.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterUserCommands(rootCmd)
	cli.RegisterMembershipCommands(rootCmd)
	cli.RegisterAccessCommands(rootCmd)
	cli.RegisterSyncCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ioerr.Exit(err))
	}
}
