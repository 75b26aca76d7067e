package pipeline

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/install"
)

// ensureGitignore appends the install directory to the project's
// .gitignore unless an equivalent pattern is already listed. It reports
// whether the file changed.
func ensureGitignore(dir string) (bool, error) {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return false, errors.Wrap(errors.ErrCodeInternal, err, "read %s", path)
	}

	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case install.DirName, install.DirName + "/", "/" + install.DirName, "/" + install.DirName + "/":
			return false, nil
		}
	}

	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(install.DirName + "/\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return false, errors.Wrap(errors.ErrCodeInternal, err, "write %s", path)
	}
	return true, nil
}
