package resolve

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// ResolvedNode is one package at the single version chosen for it.
type ResolvedNode struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	TarballURL string `json:"tarball_url,omitempty"`

	// Integrity is the digest the tarball must match. Freshly resolved nodes
	// carry the registry's digest; nodes rebuilt from a lockfile carry
	// "sha256-<hex>".
	Integrity string `json:"integrity,omitempty"`

	// Dependencies are the names of the packages this one requires, sorted.
	Dependencies []string `json:"dependencies"`
}

// ID returns name@version.
func (n *ResolvedNode) ID() string {
	return n.Name + "@" + n.Version
}

// Conflict reports a package whose chosen version does not satisfy every
// range requested for it.
type Conflict struct {
	Name         string        `json:"name"`
	Chosen       string        `json:"chosen"`
	Requirements []Requirement `json:"requirements"`
	Unhonored    []Requirement `json:"unhonored"`
}

func (c Conflict) String() string {
	ranges := make([]string, len(c.Unhonored))
	for i, r := range c.Unhonored {
		ranges[i] = r.String()
	}
	return fmt.Sprintf("%s@%s does not satisfy: %s", c.Name, c.Chosen, strings.Join(ranges, "; "))
}

// Graph is the outcome of resolution: at most one node per package name,
// edges by name, plus any conflicts tolerated in warn mode.
type Graph struct {
	Roots     []PackageSpec            `json:"roots,omitempty"`
	Nodes     map[string]*ResolvedNode `json:"nodes"`
	Conflicts []Conflict               `json:"conflicts,omitempty"`
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*ResolvedNode)}
}

// Add inserts or replaces the node for n.Name.
func (g *Graph) Add(n *ResolvedNode) {
	g.Nodes[n.Name] = n
}

// Node returns the node for name.
func (g *Graph) Node(name string) (*ResolvedNode, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Names returns all package names in sorted order.
func (g *Graph) Names() []string {
	return slices.Sorted(maps.Keys(g.Nodes))
}

// Sorted returns all nodes ordered by name.
func (g *Graph) Sorted() []*ResolvedNode {
	out := make([]*ResolvedNode, 0, len(g.Nodes))
	for _, name := range g.Names() {
		out = append(out, g.Nodes[name])
	}
	return out
}

// RootNames returns the distinct names of the roots, sorted.
func (g *Graph) RootNames() []string {
	names := make([]string, 0, len(g.Roots))
	for _, r := range g.Roots {
		names = append(names, r.Name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Validate checks that every dependency edge points at a node in the graph
// and that node names match their keys.
func (g *Graph) Validate() error {
	for _, name := range g.Names() {
		n := g.Nodes[name]
		if n.Name != name {
			return errors.New(errors.ErrCodeInternal, "node %q stored under %q", n.Name, name)
		}
		for _, dep := range n.Dependencies {
			if _, ok := g.Nodes[dep]; !ok {
				return errors.New(errors.ErrCodeResolutionFailed, "%s depends on %s, which is not in the graph", n.ID(), dep)
			}
		}
	}
	return nil
}

// Reachable returns the names reachable from the given roots, following
// dependency edges. Cycles are visited once.
func (g *Graph) Reachable(roots []string) map[string]bool {
	seen := make(map[string]bool, len(g.Nodes))
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] {
			continue
		}
		n, ok := g.Nodes[name]
		if !ok {
			continue
		}
		seen[name] = true
		stack = append(stack, n.Dependencies...)
	}
	return seen
}
