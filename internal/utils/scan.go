package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"backhaul/pkg/models"
)

// ScanTree walks root and returns its logical stats. TotalBytes counts
// regular files only; symlinks are counted, never followed. Any entry
// the walk cannot read aborts the scan.
func ScanTree(root string) (models.SourceStats, error) {
	stats := models.SourceStats{Root: root}

	info, err := os.Lstat(root)
	if err != nil {
		return stats, fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, root, err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("%w: %s is not a directory", models.ErrSourceUnreadable, root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, path, err)
		}
		switch {
		case d.IsDir():
			stats.Dirs++
		case d.Type()&fs.ModeSymlink != 0:
			stats.Symlinks++
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, path, err)
			}
			stats.Files++
			stats.TotalBytes += fi.Size()
		}
		return nil
	})
	return stats, err
}
