package lockfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// Marshal encodes lf in its canonical form. Two lockfiles with the same
// entries always marshal to the same bytes.
func Marshal(lf Lockfile) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSON(lf, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSON validates lf and writes its canonical encoding to w.
func WriteJSON(lf Lockfile, w io.Writer) error {
	if err := lf.Validate(); err != nil {
		return err
	}

	canonical := make(Lockfile, len(lf))
	for name, e := range lf {
		e.Dependencies = normalizeDeps(e.Dependencies)
		canonical[name] = e
	}

	// encoding/json sorts map keys.
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Write stores lf at path. The file is written next to path and renamed
// into place, so readers never observe a partial lockfile.
func Write(path string, lf Lockfile) error {
	data, err := Marshal(lf)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeInternal, err, "write %s", path)
	}
	return nil
}
