package install

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
		f.srv.Publish(name, "1.0.0", nil)
	}
	f.srv.Publish("beta", "1.1.0", nil)
	m := f.manager(Options{})

	_, err := m.Install(context.Background(), graphOf(f.node("alpha", "1.0.0"), f.node("beta", "1.0.0")))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "delta"), 0o755))

	hits := f.srv.TarballHits()
	statuses := m.Check(graphOf(
		f.node("alpha", "1.0.0"),
		f.node("beta", "1.1.0"),
		f.node("gamma", "1.0.0"),
		f.node("delta", "1.0.0"),
	))

	assert.Equal(t, []Status{
		{Name: "alpha", Version: "1.0.0", Installed: "1.0.0", State: StateOK},
		{Name: "beta", Version: "1.1.0", Installed: "1.0.0", State: StateMismatch},
		{Name: "delta", Version: "1.0.0", State: StateMismatch},
		{Name: "gamma", Version: "1.0.0", State: StateMissing},
	}, statuses)
	assert.Equal(t, hits, f.srv.TarballHits(), "checks never download")
}
