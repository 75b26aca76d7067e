// Package cli implements the polypkg command-line interface.
//
// The commands are thin wrappers around [pipeline.Runner]: they turn flags
// and environment into options, run one pipeline command, and print the
// outcome with lipgloss styling.
//
// # Commands
//
//   - add / remove: edit poly.toml and re-resolve
//   - install: install from poly.lock, resolving when it is out of date
//   - update: re-resolve ignoring locked versions
//   - outdated: compare locked versions with the registry
//   - list: show the locked packages and their install state
//   - graph: print the dependency graph as DOT or SVG
//   - cache: manage the registry metadata cache
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Loggers are
// passed through context.Context as well as held by the [CLI].
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/OpenChatGit/polypkg/pkg/buildinfo"
	"github.com/OpenChatGit/polypkg/pkg/cache"
	"github.com/OpenChatGit/polypkg/pkg/pipeline"
	"github.com/OpenChatGit/polypkg/pkg/registry"
)

// appName is the application name used for directories and display.
const appName = "polypkg"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// CLI holds shared state for all commands.
type CLI struct {
	Logger   *log.Logger
	settings settings
}

// New creates a new CLI instance with a default logger. Settings start
// from the environment and are overridden by flags.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger:   newLogger(w, level),
		settings: settingsFromEnv(os.Getenv),
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "polypkg installs registry packages into a Poly project",
		Long: `polypkg resolves the dependencies declared in poly.toml against an
npm-compatible registry, installs them into packages/ and records the
exact versions and digests in poly.lock for reproducible installs.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return c.settings.validate()
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	c.settings.register(root.PersistentFlags())

	root.AddCommand(c.addCommand())
	root.AddCommand(c.removeCommand())
	root.AddCommand(c.installCommand())
	root.AddCommand(c.updateCommand())
	root.AddCommand(c.outdatedCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.graphCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// newRunner creates a pipeline runner for CLI use. The returned function
// releases the metadata cache.
func (c *CLI) newRunner(ctx context.Context) (*pipeline.Runner, func(), error) {
	mc, err := c.newCache(ctx)
	if err != nil {
		return nil, nil, err
	}
	client := registry.NewClient(registry.Options{
		BaseURL: c.settings.registry,
		Cache:   mc,
		Keyer:   cacheKeyer(c.settings),
		Refresh: c.settings.refresh,
		Logger:  c.Logger,
	})
	return pipeline.NewRunner(client, c.Logger), func() { _ = mc.Close() }, nil
}

// newCache picks the metadata cache: none with --no-cache, Redis when
// POLY_CACHE_REDIS_URL is set, the file cache otherwise. An unusable file
// cache directory degrades to no cache.
func (c *CLI) newCache(ctx context.Context) (cache.Cache, error) {
	if c.settings.noCache {
		return cache.NewNullCache(), nil
	}
	if c.settings.redisURL != "" {
		rc, err := cache.NewRedisCache(ctx, c.settings.redisURL)
		if err != nil {
			c.Logger.Warn("redis cache unavailable, continuing without cache", "err", err)
			return cache.NewNullCache(), nil
		}
		return rc, nil
	}
	dir, err := cacheDir()
	if err != nil {
		return cache.NewNullCache(), nil
	}
	fc, err := cache.NewFileCache(dir)
	if err != nil {
		c.Logger.Debug("file cache unavailable", "dir", dir, "err", err)
		return cache.NewNullCache(), nil
	}
	return fc, nil
}

// cacheKeyer scopes keys in a shared Redis database.
func cacheKeyer(s settings) cache.Keyer {
	if s.redisURL != "" {
		return cache.NewScopedKeyer(cache.NewDefaultKeyer(), appName+":")
	}
	return cache.NewDefaultKeyer()
}

// pipelineOptions builds the per-run options from the global settings.
func (c *CLI) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Dir:         c.settings.dir,
		Strict:      c.settings.strict,
		Concurrency: c.settings.concurrency,
	}
}

// cacheDir returns the cache directory using XDG standard (~/.cache/polypkg/).
func cacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}
