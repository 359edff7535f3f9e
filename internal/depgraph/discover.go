package depgraph

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxDiscoverDepth bounds the workspace walk when looking for package dirs.
const maxDiscoverDepth = 3

// Discover returns package source directories keyed by package name. Explicit
// entries win over directories found by scanning codeDir; scanned directories
// are those containing debian/control, and the walk does not descend into a
// matched package.
func Discover(codeDir string, existing map[string]string) map[string]string {
	packages := make(map[string]string, len(existing))
	for name, dir := range existing {
		if abs, err := filepath.Abs(dir); err == nil {
			packages[name] = abs
		} else {
			packages[name] = dir
		}
	}
	for _, dir := range scanPackageDirs(codeDir) {
		name := filepath.Base(dir)
		if _, ok := packages[name]; !ok {
			packages[name] = dir
		}
	}
	return packages
}

func scanPackageDirs(codeDir string) []string {
	info, err := os.Stat(codeDir)
	if err != nil || !info.IsDir() {
		return nil
	}
	var discovered []string
	filepath.WalkDir(codeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(codeDir, path)
		if relErr != nil {
			return fs.SkipDir
		}
		if rel != "." && strings.Count(rel, string(filepath.Separator))+1 > maxDiscoverDepth {
			return fs.SkipDir
		}
		ctrl := filepath.Join(path, "debian", "control")
		if st, err := os.Stat(ctrl); err == nil && st.Mode().IsRegular() {
			if abs, err := filepath.Abs(path); err == nil {
				discovered = append(discovered, abs)
			} else {
				discovered = append(discovered, path)
			}
			return fs.SkipDir
		}
		return nil
	})
	return discovered
}
