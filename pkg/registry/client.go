// Package registry fetches package metadata and tarballs from an
// npm-compatible registry.
//
// Metadata is requested from {base}/{name} (scoped names are sent as
// @scope%2fname) and tarballs from the dist.tarball URL of a version.
// Every request goes through [httputil.Policy]: connection failures, 5xx and
// 429 responses are retried three times with doubling delays; a 404 is
// final.
//
// Within one process each package name is fetched at most once: concurrent
// callers share a single in-flight request and later callers read the
// in-memory copy. Across processes the document is stored in a [cache.Cache]
// for Options.TTL.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/OpenChatGit/polypkg/pkg/buildinfo"
	"github.com/OpenChatGit/polypkg/pkg/cache"
	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/httputil"
	"github.com/OpenChatGit/polypkg/pkg/observability"
)

// DefaultURL is the public npm registry.
const DefaultURL = "https://registry.npmjs.org"

const (
	defaultTTL     = 10 * time.Minute
	maxTarballSize = 512 << 20
	acceptHeader   = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"
)

// Options configures a [Client].
type Options struct {
	BaseURL    string        // Registry root (default DefaultURL)
	HTTPClient *http.Client  // Default httputil.NewClient(30s)
	Cache      cache.Cache   // Metadata cache (default NullCache)
	Keyer      cache.Keyer   // Cache key layout (default DefaultKeyer)
	TTL        time.Duration // Metadata cache lifetime (default 10m)
	Refresh    bool          // Skip cache reads; still writes fresh data
	UserAgent  string        // Default "polypkg/<version>"
	Retry      *httputil.Policy
	Logger     *log.Logger
}

// WithDefaults returns a copy of o with zero fields filled in.
func (o Options) WithDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.HTTPClient == nil {
		o.HTTPClient = httputil.NewClient(httputil.DefaultTimeout)
	}
	if o.Cache == nil {
		o.Cache = cache.NewNullCache()
	}
	if o.Keyer == nil {
		o.Keyer = cache.NewDefaultKeyer()
	}
	if o.TTL == 0 {
		o.TTL = defaultTTL
	}
	if o.UserAgent == "" {
		o.UserAgent = buildinfo.UserAgent()
	}
	if o.Retry == nil {
		p := httputil.DefaultPolicy
		o.Retry = &p
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Client talks to one registry. It is safe for concurrent use.
type Client struct {
	opts  Options
	retry httputil.Policy

	group singleflight.Group
	mu    sync.RWMutex
	memo  map[string]*PackageMetadata
}

// NewClient creates a registry client.
func NewClient(opts Options) *Client {
	opts = opts.WithDefaults()
	c := &Client{
		opts: opts,
		memo: make(map[string]*PackageMetadata),
	}
	c.retry = *opts.Retry
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			opts.Logger.Warn("registry request failed, retrying", "attempt", attempt, "wait", wait, "err", err)
		}
	}
	return c
}

// BaseURL returns the registry root without a trailing slash.
func (c *Client) BaseURL() string { return c.opts.BaseURL }

// MetadataURL returns the document URL for name.
func (c *Client) MetadataURL(name string) string {
	return c.opts.BaseURL + "/" + escapeName(name)
}

// TarballURL returns the conventional tarball location for name@version:
// {base}/{name}/-/{basename}-{version}.tgz.
func (c *Client) TarballURL(name, version string) string {
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", c.opts.BaseURL, name, base, version)
}

// FetchMetadata returns the registry document for name.
//
// Fails with REGISTRY_NOT_FOUND when the registry answers 404,
// REGISTRY_NETWORK when every attempt failed in transport, and
// REGISTRY_INVALID_RESPONSE when the body is not a package document.
func (c *Client) FetchMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	if err := errors.ValidatePackageName(name); err != nil {
		return nil, err
	}

	c.mu.RLock()
	m, ok := c.memo[name]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		c.mu.RLock()
		m, ok := c.memo[name]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := c.loadMetadata(ctx, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.memo[name] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PackageMetadata), nil
}

func (c *Client) loadMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	key := c.opts.Keyer.MetadataKey(c.opts.BaseURL, name)

	if !c.opts.Refresh {
		if data, hit, err := c.opts.Cache.Get(ctx, key); err == nil && hit {
			var m PackageMetadata
			if err := json.Unmarshal(data, &m); err == nil {
				observability.Cache().OnCacheHit(ctx, "metadata")
				c.opts.Logger.Debug("metadata cache hit", "package", name)
				return &m, nil
			}
		}
		observability.Cache().OnCacheMiss(ctx, "metadata")
	}

	url := c.MetadataURL(name)
	var body []byte
	err := c.retry.Do(ctx, func() error {
		var err error
		body, err = c.get(ctx, url, acceptHeader, 0)
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeRegistryNotFound) {
			return nil, errors.New(errors.ErrCodeRegistryNotFound, "package %q not found in %s", name, c.opts.BaseURL)
		}
		return nil, unwrapRetryable(err)
	}

	var m PackageMetadata
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRegistryInvalidResponse, err, "decode metadata for %s", name)
	}
	if m.Versions == nil {
		return nil, errors.New(errors.ErrCodeRegistryInvalidResponse, "metadata for %s lists no versions", name)
	}
	if m.Name == "" {
		m.Name = name
	}

	if data, err := json.Marshal(&m); err == nil {
		if err := c.opts.Cache.Set(ctx, key, data, c.opts.TTL); err == nil {
			observability.Cache().OnCacheSet(ctx, "metadata", len(data))
		}
	}
	c.opts.Logger.Debug("fetched metadata", "package", name, "versions", len(m.Versions))
	return &m, nil
}

// FetchTarball opens the tarball at url. Establishing the response is
// retried; the returned stream is not. The caller must close it.
func (c *Client) FetchTarball(ctx context.Context, url string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := c.retry.Do(ctx, func() error {
		var err error
		rc, err = c.open(ctx, url, "application/octet-stream")
		return err
	})
	if err != nil {
		return nil, unwrapRetryable(err)
	}
	return rc, nil
}

// DownloadTarball reads the whole tarball at url into memory. Unlike
// [Client.FetchTarball], a connection dropped mid-body is retried too.
func (c *Client) DownloadTarball(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := c.retry.Do(ctx, func() error {
		var err error
		data, err = c.get(ctx, url, "application/octet-stream", maxTarballSize)
		return err
	})
	if err != nil {
		return nil, unwrapRetryable(err)
	}
	return data, nil
}

// get performs one GET and reads the body. limit 0 means unlimited.
func (c *Client) get(ctx context.Context, url, accept string, limit int64) ([]byte, error) {
	body, err := c.open(ctx, url, accept)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var r io.Reader = body
	if limit > 0 {
		r = io.LimitReader(body, limit+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, httputil.Retryable(errors.Wrap(errors.ErrCodeRegistryNetwork, err, "read %s", url))
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, errors.New(errors.ErrCodeRegistryInvalidResponse, "%s exceeds %d bytes", url, limit)
	}
	return buf.Bytes(), nil
}

func (c *Client) open(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "build request for %s", url)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", accept)

	hooks := observability.HTTP()
	hooks.OnRequest(ctx, req.Method, req.URL.Host, req.URL.Path)
	start := time.Now()

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		hooks.OnError(ctx, req.Method, req.URL.Host, req.URL.Path, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httputil.Retryable(errors.Wrap(errors.ErrCodeRegistryNetwork, err, "GET %s", url))
	}
	hooks.OnResponse(ctx, req.Method, req.URL.Host, req.URL.Path, resp.StatusCode, time.Since(start))

	if err := checkStatus(url, resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(url string, code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.ErrCodeRegistryNotFound, "GET %s: not found", url)
	case httputil.StatusRetryable(code):
		return httputil.Retryable(errors.New(errors.ErrCodeRegistryNetwork, "GET %s: status %d", url, code))
	default:
		return errors.New(errors.ErrCodeRegistryInvalidResponse, "GET %s: unexpected status %d", url, code)
	}
}

func escapeName(name string) string {
	if strings.HasPrefix(name, "@") {
		return strings.Replace(name, "/", "%2f", 1)
	}
	return name
}

func unwrapRetryable(err error) error {
	var re *httputil.RetryableError
	if stderrors.As(err, &re) {
		return re.Err
	}
	return err
}
