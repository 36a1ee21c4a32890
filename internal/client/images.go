package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListImages returns the files of dir sorted by name. Directories and dot
// files are skipped. When total > 0 only the first total paths are returned.
func ListImages(dir string, total int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if total > 0 && total < len(paths) {
		paths = paths[:total]
	}
	return paths, nil
}
