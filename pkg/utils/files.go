package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MakeDir creates a directory with all parent directories
func MakeDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// DeleteDir removes a directory and all its contents
func DeleteDir(path string) error {
	return os.RemoveAll(path)
}

// MoveFile moves or renames a file
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move file from %s to %s: %w", src, dst, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// AllExist reports whether every path exists. An empty list is false.
func AllExist(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !FileExists(p) {
			return false
		}
	}
	return true
}

// TrimExt returns the base name of path without its extension.
func TrimExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SafeName turns an arbitrary song name into something usable as a single
// path element.
func SafeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	mapped = strings.Trim(mapped, ".")
	if mapped == "" {
		return "_"
	}
	return mapped
}

// ListFiles returns the regular files directly under dir whose extension
// (case-insensitive) is in exts, sorted by name.
func ListFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
