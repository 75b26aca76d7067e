package cli

import (
	"context"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/install"
	"github.com/OpenChatGit/polypkg/pkg/pipeline"
)

type installOptions struct {
	frozen bool
	verify bool
	force  bool
}

func (c *CLI) installCommand() *cobra.Command {
	var opts installOptions

	cmd := &cobra.Command{
		Use:     "install",
		Aliases: []string{"i"},
		Short:   "Install the dependencies of poly.toml",
		Long: `Install the dependencies declared in poly.toml into packages/.

When poly.lock exists and still matches poly.toml, the locked versions are
installed without resolving. Otherwise the dependencies are resolved again,
keeping locked versions that still fit, and poly.lock is rewritten.`,
		Example: `  # Install, resolving only when needed
  polypkg install

  # Install exactly what poly.lock records (CI)
  polypkg install --frozen

  # Check installed packages against poly.lock without network access
  polypkg install --verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verify {
				return c.runVerify(cmd.Context())
			}
			return c.runInstall(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.frozen, "frozen", false, "install from poly.lock only; fail when it is missing")
	cmd.Flags().BoolVar(&opts.verify, "verify", false, "check installed packages against poly.lock offline")
	cmd.Flags().BoolVar(&opts.force, "force", false, "reinstall packages that are already in place")
	cmd.MarkFlagsMutuallyExclusive("verify", "force")

	return cmd
}

func (c *CLI) runInstall(ctx context.Context, opts installOptions) error {
	runner, closeFn, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	popts := c.pipelineOptions()
	popts.Force = opts.force

	elapsed := newProgress()
	spin := newSpinner(ctx, "Installing packages...").Start()
	var res *pipeline.Result
	if opts.frozen {
		res, err = runner.InstallFromLock(ctx, popts)
	} else {
		res, err = runner.Install(ctx, popts)
	}
	spin.Stop()

	return printResult(res, err, elapsed)
}

func (c *CLI) runVerify(ctx context.Context) error {
	runner, closeFn, err := c.newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	statuses, err := runner.Verify(c.pipelineOptions())
	if err != nil {
		return err
	}

	bad := printStatuses(statuses, false)
	if bad > 0 {
		return errors.New(errors.ErrCodeIntegrityMismatch, "%d of %d packages do not match poly.lock", bad, len(statuses))
	}
	printSuccess("All %d packages match poly.lock", len(statuses))
	return nil
}

// printStatuses renders install states and returns how many are not ok.
// With all false only the problems are listed.
func printStatuses(statuses []install.Status, all bool) int {
	var rows [][]string
	bad := 0
	for _, s := range statuses {
		if s.State != install.StateOK {
			bad++
		} else if !all {
			continue
		}
		installed := s.Installed
		if installed == "" {
			installed = "-"
		}
		rows = append(rows, []string{s.Name, s.Version, installed, string(s.State)})
	}
	if len(rows) == 0 {
		return bad
	}

	printTable([]string{"Package", "Locked", "Installed", "State"}, rows, func(row, col int) lipgloss.Style {
		if col != 3 {
			return lipgloss.NewStyle()
		}
		switch install.State(rows[row][3]) {
		case install.StateOK:
			return styleAdded
		case install.StateMissing:
			return StyleWarning
		default:
			return StyleError
		}
	})
	return bad
}
