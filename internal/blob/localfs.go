package blob

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// LocalFS stores job artifacts under Root/<jobID>/.
type LocalFS struct {
	Root string
}

// JobDir is the absolute output directory of a job.
func (l LocalFS) JobDir(jobID string) string {
	return filepath.Join(l.Root, jobID)
}

func (l LocalFS) EnsureJobDir(jobID string) (string, error) {
	if _, err := l.resolve(jobID); err != nil {
		return "", err
	}
	dir := l.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return filepath.Clean(relPath), nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Exists reports whether relPath names a regular file.
func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Path returns the absolute path for relPath.
func (l LocalFS) Path(relPath string) (string, error) {
	return l.resolve(relPath)
}

// List returns the regular files in a job's directory, sorted by name. A
// directory that does not exist yet yields an empty list.
func (l LocalFS) List(jobID string) ([]string, error) {
	abs, err := l.resolve(jobID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// RemoveAll deletes relPath and everything below it. Missing paths are not an error.
func (l LocalFS) RemoveAll(relPath string) error {
	abs, err := l.resolve(relPath)
	if err != nil {
		return err
	}
	return os.RemoveAll(abs)
}

// resolve maps relPath into Root and refuses anything that escapes it.
func (l LocalFS) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(l.Root, clean), nil
}
