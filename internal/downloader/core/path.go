package core

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// FindDownloadedFiles lists the regular files that make up a finished
// download. A download may be a single file or a directory tree.
func FindDownloadedFiles(root string) ([]string, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	if info.Mode().IsRegular() {
		return []string{root}, nil
	}
	if !info.IsDir() {
		return []string{}, nil
	}

	// Globbing inside root keeps names like "Album [2020]" from being read as patterns.
	matches, err := doublestar.Glob(os.DirFS(root), "**/*", doublestar.WithNoFollow())
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(matches))
	for _, match := range matches {
		name := filepath.Join(root, filepath.FromSlash(match))
		info, err := os.Lstat(name)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			files = append(files, name)
		}
	}
	return files, nil
}
