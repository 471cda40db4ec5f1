package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PackageExt is the file extension of plugin packages.
const PackageExt = ".zip"

// ScanDirectories lists plugin packages found directly inside each directory.
// Missing directories are skipped. Results are sorted per directory.
func ScanDirectories(dirs []string) ([]string, error) {
	var found []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
		}
		var local []string
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			if !strings.EqualFold(filepath.Ext(entry.Name()), PackageExt) {
				continue
			}
			local = append(local, filepath.Join(dir, entry.Name()))
		}
		sort.Strings(local)
		found = append(found, local...)
	}
	return found, nil
}
