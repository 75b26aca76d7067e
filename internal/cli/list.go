package cli

import (
	"github.com/spf13/cobra"
)

func (c *CLI) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List locked packages and their install state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, closeFn, err := c.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := runner.Verify(c.pipelineOptions())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				printInfo("No packages locked")
				return nil
			}
			if bad := printStatuses(statuses, true); bad > 0 {
				printNextStep("Restore missing packages", appName+" install")
			}
			return nil
		},
	}
}
