package loader

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// Modules enumerates the loadable module paths under the scope root,
// relative to it and slash-separated.
func (l *Loader) Modules() ([]string, error) {
	var (
		conf  = fastwalk.Config{Follow: false}
		mu    sync.Mutex
		found []string
	)
	// fastwalk runs the callback from multiple goroutines.
	err := fastwalk.Walk(&conf, l.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".js", ".json":
		default:
			return nil
		}
		rel, err := filepath.Rel(l.cfg.Root, path)
		if err != nil {
			return nil
		}
		mu.Lock()
		found = append(found, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// Exists reports whether a specifier names a builtin or a loadable module
// under the root.
func (l *Loader) Exists(specifier string) bool {
	if _, ok := l.builtins[specifier]; ok {
		return true
	}
	if strings.Contains(specifier, "..") {
		return false
	}
	modules, err := l.Modules()
	if err != nil {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(specifier))
	for _, m := range modules {
		if m == clean || strings.TrimSuffix(m, ".js") == clean || strings.TrimSuffix(m, ".json") == clean {
			return true
		}
	}
	return false
}
