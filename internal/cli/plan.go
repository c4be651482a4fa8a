package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentd/internal/app"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the execution order of the enabled plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		plan := a.Scheduler().Plan()
		if planJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(w, "LEVEL\tPLUGINS")
		for i, level := range plan.Levels {
			_, _ = fmt.Fprintf(w, "%d\t%s\n", i, strings.Join(level, ", "))
		}
		return w.Flush()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d plugins)\n", cfgPath, len(a.Scheduler().Descriptors()))
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print JSON")
	rootCmd.AddCommand(planCmd, validateCmd)
}
