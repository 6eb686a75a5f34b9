package loader

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIncludes lists the file types the loader can decode.
var DefaultIncludes = []string{"**/*.txt", "**/*.md", "**/*.pdf"}

// DefaultExcludes skips VCS metadata and the index directory.
var DefaultExcludes = []string{"**/.git/**", "**/.rag/**", "**/node_modules/**"}

type walker struct {
	includes []string
	excludes []string
}

func newWalker(includes, excludes []string) *walker {
	if len(includes) == 0 {
		includes = DefaultIncludes
	}
	return &walker{
		includes: includes,
		excludes: excludes,
	}
}

// walk returns matching file paths under root in lexical order.
func (w *walker) walk(root string) ([]string, error) {
	var files []string

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if relPath != "." && w.shouldExclude(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if w.shouldInclude(relPath) && !w.shouldExclude(relPath) {
			files = append(files, path)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}

func (w *walker) shouldInclude(path string) bool {
	for _, pattern := range w.includes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (w *walker) shouldExclude(path string) bool {
	for _, pattern := range w.excludes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}
