package cli

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenChatGit/polypkg/pkg/cache"
	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the registry metadata cache",
	}

	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())

	return cmd
}

func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear all cached package documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.settings.redisURL != "" {
				printWarning("Metadata is cached in Redis; entries expire on their own")
				return nil
			}
			dir, err := cacheDir()
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "get cache dir")
			}
			if _, err := os.Stat(dir); stderrors.Is(err, fs.ErrNotExist) {
				printInfo("Cache is empty")
				return nil
			}

			fc, err := cache.NewFileCache(dir)
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "open cache %s", dir)
			}
			count, err := fc.Clear()
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "clear cache %s", dir)
			}

			printSuccess("Cleared %d cached entries", count)
			printDetail("Directory: %s", dir)
			return nil
		},
	}
}

func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cacheDir()
			if err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "get cache dir")
			}
			fmt.Fprintln(stdout, dir)
			return nil
		},
	}
}
