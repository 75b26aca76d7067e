package lockfile

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"io/fs"
	"os"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// ReadJSON decodes and validates a lockfile from r. Unknown fields are
// rejected. ReadJSON does not close r.
func ReadJSON(r io.Reader) (Lockfile, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var lf Lockfile
	if err := dec.Decode(&lf); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLockfileInvalid, err, "decode lockfile")
	}
	if dec.More() {
		return nil, errors.New(errors.ErrCodeLockfileInvalid, "unexpected data after lockfile object")
	}
	if lf == nil {
		lf = Lockfile{}
	}
	if err := lf.Validate(); err != nil {
		return nil, err
	}
	return lf, nil
}

// Read loads the lockfile at path. A missing file yields
// LOCKFILE_NOT_FOUND.
func Read(path string) (Lockfile, error) {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(errors.ErrCodeLockfileNotFound, err, "no lockfile at %s", path)
		}
		return nil, errors.Wrap(errors.ErrCodeLockfileInvalid, err, "open %s", path)
	}
	defer f.Close()

	lf, err := ReadJSON(f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeLockfileInvalid, err, "read %s", path)
	}
	return lf, nil
}
