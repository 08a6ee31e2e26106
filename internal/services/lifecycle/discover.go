package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Discover lists root/<machine>/*<ext> as new tasks. ext matches case-insensitively and
// machine directories named in skip are ignored along with hidden entries.
func Discover(root, ext string, skip ...string) ([]*FileTask, error) {
	machines, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read source root %s: %w", root, err)
	}

	var tasks []*FileTask
	for _, machine := range machines {
		if !machine.IsDir() || skipped(machine.Name(), skip) {
			continue
		}
		dir := filepath.Join(root, machine.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read machine directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !Matches(e.Name(), ext) {
				continue
			}
			tasks = append(tasks, NewFileTask(filepath.Join(dir, e.Name())))
		}
	}
	return tasks, nil
}

// Matches reports whether name is a visible file with extension ext
func Matches(name, ext string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ext)
}

func skipped(name string, skip []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range skip {
		if name == s {
			return true
		}
	}
	return false
}
