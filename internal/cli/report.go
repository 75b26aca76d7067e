package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/install"
	"github.com/OpenChatGit/polypkg/pkg/lockfile"
	"github.com/OpenChatGit/polypkg/pkg/pipeline"
)

// Exit codes returned by ExitCode.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCancelled = 130 // shell convention for SIGINT
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case stderrors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// PrintError writes err to w with its failure family, e.g.
// "✗ integrity error: beta@1.0.0: ...". Per-package failures were
// already listed by the command, so a joined install error is summarized.
func PrintError(w io.Writer, err error) {
	var failed *installFailedError
	if stderrors.As(err, &failed) {
		fmt.Fprintln(w, styleIconError.Render(iconError)+" "+failed.Error())
		return
	}
	fmt.Fprintln(w, styleIconError.Render(iconError)+" "+errors.Kind(err)+" error: "+errors.UserMessage(err))
}

// installFailedError is returned after the failure table was printed.
type installFailedError struct {
	report *install.Report
	err    error
}

func (e *installFailedError) Error() string {
	msg := fmt.Sprintf("%d of %d packages failed", len(e.report.Failures),
		len(e.report.Failures)+len(e.report.Installed)+len(e.report.Skipped))
	if e.report.HasIntegrityFailure() {
		msg += " (integrity check failed)"
	}
	return msg
}

func (e *installFailedError) Unwrap() error { return e.err }

// printResult shows what a pipeline command did and converts a partial
// install failure into an installFailedError.
func printResult(res *pipeline.Result, err error, elapsed *progress) error {
	if res == nil {
		return err
	}
	if res.Graph != nil {
		for _, c := range res.Graph.Conflicts {
			printWarning("%s", c.String())
		}
	}

	if rep := res.Report; rep != nil && !rep.OK() {
		printFailures(rep)
		if len(rep.Installed) > 0 {
			printDetail("%d packages installed, lockfile not written", len(rep.Installed))
		}
		return &installFailedError{report: rep, err: err}
	}
	if err != nil {
		return err
	}

	printChanges(res)
	rep := res.Report
	switch {
	case len(rep.Installed) == 0 && len(res.Pruned) == 0:
		elapsed.done("All %d packages up to date", len(rep.Skipped))
	case len(rep.Skipped) > 0:
		elapsed.done("Installed %d packages, %d already up to date", len(rep.Installed), len(rep.Skipped))
	default:
		elapsed.done("Installed %d packages", len(rep.Installed))
	}
	if res.FromLock {
		printDetail("from %s", lockfile.FileName)
	}
	return nil
}

func printChanges(res *pipeline.Result) {
	ch := res.Changes
	for _, name := range ch.Added {
		printChange(styleAdded, "+", name, res.Lockfile[name].Version)
	}
	for _, name := range ch.Updated {
		printChange(styleUpdated, "~", name, res.Lockfile[name].Version)
	}
	for _, name := range ch.Removed {
		printChange(styleRemoved, "-", name, "")
	}
	if res.FromLock {
		for _, name := range res.Pruned {
			printChange(styleRemoved, "-", name, "")
		}
	}
}

// printFailures lists every failed package with its failure family.
func printFailures(rep *install.Report) {
	rows := make([][]string, len(rep.Failures))
	for i, f := range rep.Failures {
		rows[i] = []string{f.Name, f.Version, f.Kind(), errors.UserMessage(f.Err)}
	}
	printTable([]string{"Package", "Version", "Kind", "Error"}, rows, func(row, col int) lipgloss.Style {
		if col == 2 && rows[row][2] == "integrity" {
			return StyleError.Bold(true)
		}
		if col == 0 {
			return StyleError
		}
		return lipgloss.NewStyle()
	})
}
