package install

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/integrity"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// MarkerName is the file written into every installed package directory.
const MarkerName = ".polypkg-integrity"

// marker records what was verified when a package was installed.
type marker struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Integrity string `json:"integrity"`        // sha256-<hex> of the tarball
	Source    string `json:"source,omitempty"` // digest it was verified against
}

// satisfies reports whether the installed package is the one n describes.
// n may carry the lockfile digest or the registry digest.
func (mk marker) satisfies(n *resolve.ResolvedNode) bool {
	if mk.Name != n.Name || mk.Version != n.Version || !integrity.IsLockForm(mk.Integrity) {
		return false
	}
	return n.Integrity == mk.Integrity || (mk.Source != "" && n.Integrity == mk.Source)
}

func readMarker(dir string) (marker, bool) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return marker{}, false
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return marker{}, false
	}
	return mk, true
}

func writeMarker(dir string, mk marker) error {
	data, err := json.MarshalIndent(mk, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "encode marker")
	}
	if err := os.WriteFile(filepath.Join(dir, MarkerName), append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "write marker")
	}
	return nil
}
