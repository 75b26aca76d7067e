package resolve

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/registry"
)

// fakeRegistry is an in-memory MetadataSource.
type fakeRegistry struct {
	mu     sync.Mutex
	docs   map[string]*registry.PackageMetadata
	calls  map[string]int
	jitter bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		docs:  make(map[string]*registry.PackageMetadata),
		calls: make(map[string]int),
	}
}

func (f *fakeRegistry) publish(name, version string, deps map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[name]
	if !ok {
		doc = &registry.PackageMetadata{Name: name, Versions: make(map[string]registry.VersionInfo)}
		f.docs[name] = doc
	}
	doc.Versions[version] = registry.VersionInfo{
		Name:         name,
		Version:      version,
		Dependencies: deps,
		Dist: registry.Dist{
			Tarball: "https://r.example/" + name + "/-/" + name + "-" + version + ".tgz",
			Shasum:  "0000000000000000000000000000000000000000",
		},
	}
}

func (f *fakeRegistry) tag(name, tag, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[name]
	if doc.DistTags == nil {
		doc.DistTags = make(map[string]string)
	}
	doc.DistTags[tag] = version
}

func (f *fakeRegistry) FetchMetadata(ctx context.Context, name string) (*registry.PackageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[name]++
	doc, ok := f.docs[name]
	jitter := f.jitter
	f.mu.Unlock()

	if jitter {
		h := fnv.New32a()
		h.Write([]byte(name))
		h.Write([]byte(time.Now().String()))
		select {
		case <-time.After(time.Duration(h.Sum32()%5) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New(errors.ErrCodeRegistryNotFound, "package %q not found", name)
	}
	return doc, nil
}

func (f *fakeRegistry) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}
