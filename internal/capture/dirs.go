package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ensureDirectories creates every missing ancestor directory of the given
// file path, outermost first. An existing directory at any level is success,
// not a conflict; the whole operation is idempotent.
func ensureDirectories(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) || dir == path {
		return nil
	}
	return ensureDir(dir)
}

func ensureDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return nil
	}

	parent := filepath.Dir(dir)
	if parent != dir && parent != "." && parent != string(filepath.Separator) {
		if err := ensureDir(parent); err != nil {
			return err
		}
	}

	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}
