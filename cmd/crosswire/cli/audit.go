package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/internal/audit"
)

// RegisterAuditCommands adds the audit inspection command.
func RegisterAuditCommands(root *cobra.Command) {
	root.AddCommand(newAuditTailCmd())
}

func newAuditTailCmd() *cobra.Command {
	var (
		count    int
		authOnly bool
	)
	cmd := &cobra.Command{
		Use:   "audit-tail",
		Short: "Show the most recent audit records",
		Long: `Read the most recent records back from the audit sink. The sink spans
every session, so records written by earlier invocations show up here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			channel := audit.ChannelMutation
			if authOnly {
				channel = audit.ChannelAuth
			}
			path := filepath.Join(eng.Config.AuditDir, audit.FileName)
			records, err := audit.ReadTail(path, channel, count)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(records)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tTARGETS\tPROVIDERS\tOUTCOME\tSEVERITY")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"),
					r.Kind,
					strings.Join(r.Targets, ","),
					strings.Join(r.Providers, ","),
					r.Outcome,
					r.Severity,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of records to show")
	cmd.Flags().BoolVar(&authOnly, "auth", false, "show authentication events instead of mutations")
	return cmd
}
