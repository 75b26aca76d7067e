package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenChatGit/polypkg/pkg/cache"
	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/httputil"
	"github.com/OpenChatGit/polypkg/pkg/registrytest"
)

func fastRetry() *httputil.Policy {
	return &httputil.Policy{Attempts: 3, Delay: time.Millisecond}
}

func newTestClient(t *testing.T, srv *registrytest.Server, c cache.Cache) *Client {
	t.Helper()
	return NewClient(Options{BaseURL: srv.URL, Cache: c, Retry: fastRetry()})
}

func TestFetchMetadata(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	srv.Publish("alpha", "1.2.0", map[string]string{"beta": "^2.0.0"})
	srv.SetLatest("alpha", "1.2.0")

	client := newTestClient(t, srv, nil)
	m, err := client.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, "alpha", m.Name)
	assert.Len(t, m.Versions, 2)
	assert.Equal(t, "1.2.0", m.Latest())
	v := m.Versions["1.2.0"]
	assert.Equal(t, map[string]string{"beta": "^2.0.0"}, v.Dependencies)
	assert.Equal(t, srv.URL+registrytest.TarballPath("alpha", "1.2.0"), v.Dist.Tarball)
	assert.NotEmpty(t, v.Dist.Shasum)
	assert.Contains(t, v.Dist.Digest(), "sha512-")
}

func TestFetchMetadataNotFound(t *testing.T) {
	srv := registrytest.New(t)
	client := newTestClient(t, srv, nil)

	_, err := client.FetchMetadata(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRegistryNotFound))
	assert.Equal(t, "registry", errors.Kind(err))
	assert.Equal(t, 1, srv.Hits(registrytest.MetadataPath("missing")), "404 must not be retried")
}

func TestFetchMetadataRetriesTransientFailures(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	srv.Fail(registrytest.MetadataPath("alpha"), http.StatusServiceUnavailable, http.StatusBadGateway)

	client := newTestClient(t, srv, nil)
	m, err := client.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Contains(t, m.Versions, "1.0.0")
	assert.Equal(t, 3, srv.Hits(registrytest.MetadataPath("alpha")))
}

func TestFetchMetadataGivesUpAfterThreeAttempts(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	srv.Fail(registrytest.MetadataPath("alpha"), 500, 500, 500, 500)

	client := newTestClient(t, srv, nil)
	_, err := client.FetchMetadata(context.Background(), "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRegistryNetwork))
	assert.False(t, httputil.IsRetryable(err), "retry wrapper should not leak to callers")
	assert.Equal(t, 3, srv.Hits(registrytest.MetadataPath("alpha")))
}

func TestFetchMetadataInvalidJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, Retry: fastRetry()})
	_, err := client.FetchMetadata(context.Background(), "alpha")
	assert.True(t, errors.Is(err, errors.ErrCodeRegistryInvalidResponse))
}

func TestFetchMetadataRejectsBadName(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := client.FetchMetadata(context.Background(), "../etc")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidPackage))
}

func TestFetchMetadataHeaders(t *testing.T) {
	var gotUA, gotAccept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"name":"alpha","versions":{}}`))
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL, UserAgent: "polypkg/test"})
	_, err := client.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "polypkg/test", gotUA)
	assert.Contains(t, gotAccept, "application/json")
}

func TestFetchMetadataOncePerProcess(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	client := newTestClient(t, srv, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchMetadata(context.Background(), "alpha")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := client.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits(registrytest.MetadataPath("alpha")))
}

func TestFetchMetadataPersistentCache(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	fc, err := cache.NewFileCache(t.TempDir())
	require.NoError(t, err)

	_, err = newTestClient(t, srv, fc).FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)

	// A fresh client reads the cached document.
	m, err := newTestClient(t, srv, fc).FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Contains(t, m.Versions, "1.0.0")
	assert.Equal(t, 1, srv.Hits(registrytest.MetadataPath("alpha")))

	// Refresh bypasses it.
	refresh := NewClient(Options{BaseURL: srv.URL, Cache: fc, Refresh: true, Retry: fastRetry()})
	_, err = refresh.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits(registrytest.MetadataPath("alpha")))
}

func TestFetchMetadataScoped(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("@acme/widgets", "0.3.1", nil)
	client := newTestClient(t, srv, nil)

	assert.Equal(t, srv.URL+"/@acme%2fwidgets", client.MetadataURL("@acme/widgets"))

	m, err := client.FetchMetadata(context.Background(), "@acme/widgets")
	require.NoError(t, err)
	assert.Contains(t, m.Versions, "0.3.1")
}

func TestDownloadTarball(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	path := registrytest.TarballPath("alpha", "1.0.0")
	srv.Fail(path, http.StatusInternalServerError)

	client := newTestClient(t, srv, nil)
	data, err := client.DownloadTarball(context.Background(), client.TarballURL("alpha", "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, srv.Tarball("alpha", "1.0.0"), data)
	assert.Equal(t, 2, srv.Hits(path))
}

func TestFetchTarball(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	client := newTestClient(t, srv, nil)

	rc, err := client.FetchTarball(context.Background(), client.TarballURL("alpha", "1.0.0"))
	require.NoError(t, err)
	defer rc.Close()

	_, err = client.FetchTarball(context.Background(), client.TarballURL("alpha", "9.9.9"))
	assert.True(t, errors.Is(err, errors.ErrCodeRegistryNotFound))
}

func TestTarballURL(t *testing.T) {
	client := NewClient(Options{BaseURL: "https://r.example/"})
	assert.Equal(t, "https://r.example/left-pad/-/left-pad-1.3.0.tgz", client.TarballURL("left-pad", "1.3.0"))
	assert.Equal(t, "https://r.example/@acme/widgets/-/widgets-0.3.1.tgz", client.TarballURL("@acme/widgets", "0.3.1"))
	assert.Equal(t, "https://r.example", client.BaseURL())
}

func TestFetchMetadataContextCancelled(t *testing.T) {
	srv := registrytest.New(t)
	srv.Publish("alpha", "1.0.0", nil)
	client := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.FetchMetadata(ctx, "alpha")
	assert.ErrorIs(t, err, context.Canceled)
}
