package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

const (
	formatDOT = "dot"
	formatSVG = "svg"
)

func (c *CLI) graphCommand() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph",
		Long: `Print the project's dependency graph as Graphviz DOT or SVG.

The graph comes from poly.lock when it exists; otherwise poly.toml is
resolved without installing anything. Direct dependencies get a thick border
and version conflicts in red.`,
		Example: `  polypkg graph | dot -Tpng > deps.png
  polypkg graph --format svg -o deps.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatDOT && format != formatSVG {
				return errors.New(errors.ErrCodeInvalidInput, "unknown format %q (want dot or svg)", format)
			}
			return c.runGraph(cmd.Context(), format, output)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatDOT, "output format: dot, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func (c *CLI) runGraph(ctx context.Context, format, output string) error {
	runner, closeFn, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	g, fromLock, err := runner.LoadGraph(ctx, c.pipelineOptions())
	if err != nil {
		return err
	}
	loggerFromContext(ctx).Debug("loaded graph", "packages", g.Len(), "from_lock", fromLock)

	data := []byte(resolve.ToDOT(g))
	if format == formatSVG {
		if data, err = resolve.RenderSVG(ctx, string(data)); err != nil {
			return err
		}
	}

	if output == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "write %s", output)
	}
	printSuccess("Wrote %d packages", g.Len())
	fmt.Fprintln(stdout, "  "+StyleDim.Render(iconArrow)+" "+StyleValue.Render(output))
	return nil
}
