package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func (c *CLI) outdatedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outdated",
		Short: "List locked packages with newer releases",
		Long: `Compare every package in poly.lock with the registry.

Wanted is the newest version the poly.toml range allows; Latest is the
registry's latest release.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runner, closeFn, err := c.newRunner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			spin := newSpinner(ctx, "Checking registry...").Start()
			rows, err := runner.CheckOutdated(ctx, c.pipelineOptions())
			spin.Stop()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				printSuccess("All packages are up to date")
				return nil
			}

			cells := make([][]string, len(rows))
			for i, o := range rows {
				wanted, kind := o.Wanted, "dependency"
				if wanted == "" {
					wanted = "-"
				}
				if !o.Direct {
					kind = "transitive"
				}
				cells[i] = []string{o.Name, o.Current, wanted, o.Latest, kind}
			}
			printTable([]string{"Package", "Current", "Wanted", "Latest", "Type"}, cells, func(row, col int) lipgloss.Style {
				o := rows[row]
				switch {
				case col == 2 && o.Wanted != "" && o.Wanted != o.Current:
					return StyleWarning
				case col == 3:
					return styleAdded
				case col == 4:
					return StyleDim
				}
				return lipgloss.NewStyle()
			})
			printNextStep("Update within ranges", appName+" update")
			return nil
		},
	}
}
