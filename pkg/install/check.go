package install

import (
	"os"

	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// State describes an installed package relative to what is expected.
type State string

const (
	StateOK       State = "ok"       // present with the expected version and digest
	StateMissing  State = "missing"  // no directory
	StateMismatch State = "mismatch" // directory exists but holds something else
)

// Status is the offline check result for one package.
type Status struct {
	Name      string
	Version   string // expected version
	Installed string // version recorded in the directory, if any
	State     State
}

// Check compares every node of g with what is on disk, without network
// access. Results are ordered by name.
func (m *Manager) Check(g *resolve.Graph) []Status {
	out := make([]Status, 0, g.Len())
	for _, n := range g.Sorted() {
		st := Status{Name: n.Name, Version: n.Version}
		dir := m.PackageDir(n.Name)
		mk, ok := readMarker(dir)
		switch {
		case ok && mk.satisfies(n):
			st.State, st.Installed = StateOK, mk.Version
		case ok:
			st.State, st.Installed = StateMismatch, mk.Version
		default:
			if _, err := os.Stat(dir); err == nil {
				st.State = StateMismatch
			} else {
				st.State = StateMissing
			}
		}
		out = append(out, st)
	}
	return out
}
