package fs

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"docexpert/internal/port"
)

type Walker struct {
	includes   []string
	excludes   []string
	categories []categoryRule
}

type categoryRule struct {
	pattern  string
	category string
}

// NewWalker creates a walker. categories maps doublestar patterns, matched
// against paths relative to the walk root, to a category name. When several
// patterns match, the longest pattern wins.
func NewWalker(includes, excludes []string, categories map[string]string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*"}
	}
	rules := make([]categoryRule, 0, len(categories))
	for pattern, category := range categories {
		rules = append(rules, categoryRule{pattern: pattern, category: category})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].pattern) != len(rules[j].pattern) {
			return len(rules[i].pattern) > len(rules[j].pattern)
		}
		return rules[i].pattern < rules[j].pattern
	})
	return &Walker{
		includes:   includes,
		excludes:   excludes,
		categories: rules,
	}
}

// Walk returns the matching files under root in lexical order. A root that
// is a single file is returned as is.
func (w *Walker) Walk(root string) ([]port.FileInfo, error) {
	var files []port.FileInfo

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []port.FileInfo{{
			Path:     root,
			ModTime:  st.ModTime().Unix(),
			Size:     st.Size(),
			Category: w.category(filepath.Base(root)),
		}}, nil
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if info.IsDir() {
			if relPath != "." && w.shouldExclude(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if w.shouldInclude(relPath) && !w.shouldExclude(relPath) {
			files = append(files, port.FileInfo{
				Path:     path,
				ModTime:  info.ModTime().Unix(),
				Size:     info.Size(),
				Category: w.category(relPath),
			})
		}

		return nil
	})

	return files, err
}

func (w *Walker) category(relPath string) string {
	for _, rule := range w.categories {
		matched, err := doublestar.Match(rule.pattern, relPath)
		if err == nil && matched {
			return rule.category
		}
	}
	return ""
}

func (w *Walker) shouldInclude(path string) bool {
	for _, pattern := range w.includes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (w *Walker) shouldExclude(path string) bool {
	for _, pattern := range w.excludes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// Reader reads documents from the local filesystem.
type Reader struct{}

func (Reader) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var (
	_ port.FileWalker = (*Walker)(nil)
	_ port.FileReader = Reader{}
)
