package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

func (c *CLI) addCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <package[@range]>...",
		Short: "Add dependencies to poly.toml and install them",
		Long: `Add one or more dependencies to poly.toml, resolve and install them.

Without a range the latest release is installed and recorded as
^<version>. Ranges use npm syntax (^1.2.0, ~2.1, >=1.0.0 <2.0.0) or a
dist-tag such as "next".`,
		Example: `  polypkg add lodash
  polypkg add react@^18.2.0 @scope/ui@next`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]resolve.PackageSpec, len(args))
			for i, arg := range args {
				spec, err := resolve.ParseSpec(arg)
				if err != nil {
					return err
				}
				specs[i] = spec
			}
			return c.runAdd(cmd.Context(), specs)
		},
	}
}

func (c *CLI) runAdd(ctx context.Context, specs []resolve.PackageSpec) error {
	runner, closeFn, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, spec := range specs {
		elapsed := newProgress()
		spin := newSpinner(ctx, "Adding "+spec.String()+"...").Start()
		res, err := runner.AddPackage(ctx, c.pipelineOptions(), spec)
		spin.Stop()
		if err := printResult(res, err, elapsed); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <package>...",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Remove dependencies from poly.toml",
		Long: `Remove dependencies from poly.toml, re-resolve the remaining ones and
delete installed packages that nothing needs any more.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRemove(cmd.Context(), args)
		},
	}
}

func (c *CLI) runRemove(ctx context.Context, names []string) error {
	runner, closeFn, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, name := range names {
		elapsed := newProgress()
		res, err := runner.RemovePackage(ctx, c.pipelineOptions(), name)
		if err := printResult(res, err, elapsed); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) updateCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "update [package]...",
		Aliases: []string{"up", "upgrade"},
		Short:   "Update dependencies to the newest versions their ranges allow",
		Long: `Resolve poly.toml again ignoring poly.lock and install the result.

With package names only those dependencies move; every other package keeps
its locked version while it still fits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runner, closeFn, err := c.newRunner(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			opts := c.pipelineOptions()
			opts.Force = force

			elapsed := newProgress()
			spin := newSpinner(ctx, "Updating packages...").Start()
			res, err := runner.Update(ctx, opts, args...)
			spin.Stop()
			if err := printResult(res, err, elapsed); err != nil {
				return err
			}
			if res.Changes.Empty() {
				printDetail("poly.lock unchanged")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reinstall packages that are already in place")
	return cmd
}
