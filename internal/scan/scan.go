// Package scan discovers candidate video files from file and directory
// arguments.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Supported media file extensions (lowercase, with leading dot).
var mediaExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".ts":   true,
	".m2ts": true,
	".mpg":  true,
	".mpeg": true,
	".vob":  true,
	".ogv":  true,
}

// minFileSize filters out stub files that are almost certainly corrupt.
const minFileSize = 1000

// IsMediaFile reports whether path has a recognized video extension.
// Conversion artifacts ("TEMP.*" work files, "ORIG.*" backups) are never
// candidates.
func IsMediaFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, "TEMP.") || strings.HasPrefix(base, "ORIG.") {
		return false
	}
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// Discover resolves each argument to absolute candidate paths: files are
// taken as-is (if they look like media), directories are walked with
// "extras" folders pruned. Results are deduplicated and sorted
// lexicographically for deterministic ordering.
func Discover(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", arg, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", arg, err)
		}

		if !fi.IsDir() {
			if IsMediaFile(abs) && fi.Size() >= minFileSize {
				add(abs)
			}
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.EqualFold(d.Name(), "extras") {
					return filepath.SkipDir
				}
				return nil
			}
			if !IsMediaFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() < minFileSize {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %q: %w", arg, err)
		}
	}

	sort.Strings(files)
	return files, nil
}
