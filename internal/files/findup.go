package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for a file named name in dir and then in each parent of dir.
// It returns the empty string if no such file exists up to the root.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		path := filepath.Join(curDir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("looking for %s: %w", name, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
