package container

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var errNotFound = errors.New("executable not found in PATH")

func isExecutable(path string) bool {
	d, err := os.Stat(path)
	if err != nil {
		return false
	}
	m := d.Mode()
	return !m.IsDir() && m&0111 != 0
}

// lookPath resolves the workload binary against the PATH entry of the
// workload environment, not the bootstrap's own.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	if isExecutable(name) {
		return name, nil
	}
	for _, dir := range searchPath(env) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", errors.Wrap(errNotFound, name)
}

func searchPath(env []string) []string {
	// last assignment wins
	for i := len(env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(env[i], "PATH="); ok {
			return filepath.SplitList(v)
		}
	}
	return nil
}
