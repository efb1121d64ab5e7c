package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/tauguard/internal/gitops"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/security"
)

const (
	maxChangedFiles = 5
	maxTestFiles    = 3
	treeDepth       = 3
	treeLines       = 50
)

// Snapshot renders the code shown to the model: the task's files, or the
// files changed so far; the tests; and, when none of that exists, a short
// directory tree.
func Snapshot(task guard.Task, workDir string) string {
	var parts []string
	add := func(rel, label string) {
		data, err := os.ReadFile(filepath.Join(workDir, rel))
		if err != nil {
			return
		}
		parts = append(parts, fmt.Sprintf("=== %s%s ===\n%s\n", rel, label, data))
	}

	files := task.Files
	if len(files) == 0 && task.SolutionFile != "" {
		files = []string{task.SolutionFile}
	}
	for _, rel := range files {
		add(rel, "")
	}
	if len(parts) == 0 {
		if changed, err := gitops.DiffNames(workDir); err == nil {
			n := 0
			for _, rel := range changed {
				if n == maxChangedFiles {
					break
				}
				if security.LanguageOf(rel) != "" {
					add(rel, "")
					n++
				}
			}
		}
	}

	if t := task.TestTarget; t != "" && filepath.IsLocal(t) {
		info, err := os.Stat(filepath.Join(workDir, t))
		switch {
		case err != nil:
		case info.Mode().IsRegular():
			add(t, " (tests)")
		case info.IsDir():
			for _, rel := range testFiles(workDir, t) {
				add(rel, " (tests)")
			}
		}
	}

	if len(parts) == 0 {
		return "Repository structure:\n" + tree(workDir)
	}
	return strings.Join(parts, "\n")
}

func testFiles(root, dir string) []string {
	var out []string
	filepath.WalkDir(filepath.Join(root, dir), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
			if rel, err := filepath.Rel(root, path); err == nil {
				out = append(out, rel)
			}
		}
		return nil
	})
	sort.Strings(out)
	if len(out) > maxTestFiles {
		out = out[:maxTestFiles]
	}
	return out
}

func tree(root string) string {
	var lines []string
	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if depth > treeDepth || len(lines) >= treeLines {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			lines = append(lines, prefix+"├── "+e.Name())
			if e.IsDir() {
				walk(filepath.Join(dir, e.Name()), prefix+"│   ", depth+1)
			}
			if len(lines) >= treeLines {
				return
			}
		}
	}
	walk(root, "", 0)
	return strings.Join(lines, "\n")
}
