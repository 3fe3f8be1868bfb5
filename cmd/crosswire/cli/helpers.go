package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosswire-id/crosswire/internal/core"
	"github.com/crosswire-id/crosswire/internal/orchestrator"
)

// Root flags shared by every command.
var (
	flagConfig    string
	flagProviders []string
	flagDryRun    bool
	flagIdemKey   string
	flagDeadline  time.Duration
	flagJSON      bool
)

// RegisterGlobalFlags attaches the shared flags to the root command.
func RegisterGlobalFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to config.json (default ./config.json)")
	pf.StringSliceVar(&flagProviders, "providers", nil, "providers to target (default from config)")
	pf.BoolVar(&flagDryRun, "dry-run", false, "describe the operation without executing it")
	pf.StringVar(&flagIdemKey, "idempotency-key", "", "client key; a replay returns the stored result")
	pf.DurationVar(&flagDeadline, "deadline", 0, "overall operation deadline (default 30s)")
	pf.BoolVar(&flagJSON, "json", false, "emit results as JSON")
}

// openEngine brings the engine up for one command invocation.
func openEngine(cmd *cobra.Command) (*core.Engine, error) {
	eng, err := core.Open(cmd.Context(), core.Options{
		ConfigPath:  flagConfig,
		Interactive: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return eng, nil
}

// targetProviders resolves the provider list: explicit flag first, then
// the configured default, then everything registered.
func targetProviders(eng *core.Engine) []string {
	if len(flagProviders) > 0 {
		return flagProviders
	}
	if len(eng.Config.DefaultProviders) > 0 {
		return eng.Config.DefaultProviders
	}
	return eng.Registry.Names()
}

// runOperation executes one orchestrated request and prints its result.
func runOperation(cmd *cobra.Command, eng *core.Engine, req orchestrator.Request) error {
	req.Providers = targetProviders(eng)
	req.DryRun = flagDryRun
	req.IdempotencyKey = flagIdemKey
	req.Deadline = flagDeadline

	res, err := eng.Orch.Execute(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printResult(res)
}

func printResult(res *orchestrator.Result) error {
	if flagJSON {
		return printJSON(res)
	}
	if len(res.Planned) > 0 {
		fmt.Println("Plan (dry run):")
		for _, p := range res.Planned {
			fmt.Println("  " + p)
		}
		return nil
	}
	for _, a := range res.Added {
		fmt.Printf("added      %s\n", a)
	}
	for _, r := range res.Removed {
		fmt.Printf("removed    %s\n", r)
	}
	for _, p := range res.AlreadyPresent {
		fmt.Printf("present    %s\n", p)
	}
	if res.Created != nil {
		fmt.Printf("created    %s (%s)\n", res.Created.PrimaryEmail, res.Created.Status)
	}
	if res.Granted != nil {
		fmt.Printf("granted    %s on %s\n", res.Granted.PrincipalID, res.Granted.FileID)
	}
	for name, c := range res.Synced {
		line := fmt.Sprintf("synced     %s: %d users, %d groups, %d org units",
			name, c.Users, c.Groups, c.OrgUnits)
		if c.Calendars > 0 {
			line += fmt.Sprintf(", %d calendars", c.Calendars)
		}
		fmt.Println(line)
	}
	if res.Converged && len(res.Added) == 0 && res.Created == nil {
		fmt.Println("already converged; nothing to do")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
