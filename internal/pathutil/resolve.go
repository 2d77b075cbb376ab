// Package pathutil expands the paths written in the configuration file.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ or ~/ with the current user's home
// directory. Other paths, including ~user forms, are returned unchanged, and
// so is path when the home directory cannot be determined.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ExpandAll applies ExpandHome to every pointed-to path.
func ExpandAll(paths ...*string) {
	for _, p := range paths {
		*p = ExpandHome(*p)
	}
}
