// Package cmd implements the seoaudit-hub command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "seoaudit-hub.json"

// NewRootCmd creates the root cobra command for seoaudit-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "seoaudit-hub",
		Short: "SEO audit hub: plan entitlements and usage accounting",
		Long:  "seoaudit-hub decides what each user may do under their plan, records audit usage and keeps subscriptions in step with billing.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newPlansCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newUsageCmd())
	root.AddCommand(newUserCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
