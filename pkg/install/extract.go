package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// maxExtractedSize caps the decompressed size of one archive.
const maxExtractedSize = 1 << 30

// extract unpacks a gzip tarball into dest, dropping the first path
// component of every entry. Links and special files are skipped; entries
// that would land outside dest fail the whole archive.
func extract(data []byte, dest string, logger *log.Logger) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "open archive")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil && !stderrors.Is(err, tar.ErrInsecurePath) {
			return errors.Wrap(errors.ErrCodeExtractionFailed, err, "read archive")
		}

		rel := stripWrapper(hdr.Name)
		if rel == "" {
			continue
		}
		if err := errors.ValidateArchivePath(rel); err != nil {
			return errors.Wrap(errors.ErrCodeExtractionFailed, err, "archive entry %q", hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(errors.ErrCodeExtractionFailed, err, "create %s", rel)
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxExtractedSize {
				return errors.New(errors.ErrCodeExtractionFailed, "archive expands beyond %d bytes", maxExtractedSize)
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return errors.Wrap(errors.ErrCodeExtractionFailed, err, "write %s", rel)
			}
		default:
			logger.Debug("skipping archive entry", "entry", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if hdr.Mode&0o111 != 0 {
		mode = 0o755
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// stripWrapper drops the leading directory ("package/" by convention) from
// an archive member name. It returns "" for the wrapper itself and for
// stray top-level members.
func stripWrapper(name string) string {
	name = strings.TrimPrefix(name, "./")
	_, rest, ok := strings.Cut(name, "/")
	if !ok {
		return ""
	}
	return strings.TrimSuffix(rest, "/")
}
