package cli

import (
	"strconv"

	"github.com/spf13/pflag"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/pipeline"
	"github.com/OpenChatGit/polypkg/pkg/registry"
)

// Environment variables read at startup. Flags win over the environment.
const (
	envRegistry   = "POLY_REGISTRY"
	envStrict     = "POLY_STRICT"
	envCI         = "CI"
	envRedisCache = "POLY_CACHE_REDIS_URL"
)

// settings are the global options shared by every command.
type settings struct {
	registry    string
	dir         string
	concurrency int
	strict      bool
	noCache     bool
	refresh     bool
	redisURL    string
}

// settingsFromEnv returns the defaults adjusted by the environment.
// Conflicts are strict by default on CI.
func settingsFromEnv(getenv func(string) string) settings {
	s := settings{
		registry:    registry.DefaultURL,
		dir:         ".",
		concurrency: pipeline.DefaultConcurrency,
		redisURL:    getenv(envRedisCache),
	}
	if v := getenv(envRegistry); v != "" {
		s.registry = v
	}
	if getenv(envCI) != "" {
		s.strict = true
	}
	if v, err := strconv.ParseBool(getenv(envStrict)); err == nil {
		s.strict = v
	}
	return s
}

func (s *settings) register(fs *pflag.FlagSet) {
	fs.StringVar(&s.registry, "registry", s.registry, "registry base URL (env "+envRegistry+")")
	fs.StringVarP(&s.dir, "dir", "C", s.dir, "project directory containing poly.toml")
	fs.IntVarP(&s.concurrency, "concurrency", "j", s.concurrency, "parallel package downloads")
	fs.BoolVar(&s.strict, "strict", s.strict, "fail on version conflicts instead of warning (env "+envStrict+")")
	fs.BoolVar(&s.noCache, "no-cache", false, "disable the registry metadata cache")
	fs.BoolVar(&s.refresh, "refresh", false, "ignore cached metadata and refetch")
}

func (s settings) validate() error {
	if err := errors.ValidateRegistryURL(s.registry); err != nil {
		return err
	}
	if s.concurrency < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "--concurrency must be at least 1, got %d", s.concurrency)
	}
	return nil
}
