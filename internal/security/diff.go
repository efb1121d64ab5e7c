package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/signalnine/tauguard/internal/guard"
)

// FileView is the post-patch content of one file touched by a diff.
type FileView struct {
	Path    string
	Content []byte
}

// PatchedFiles rebuilds the full post-patch content of every supported
// source file a unified diff touches. Originals are read from root; a
// missing original is treated as a new file. Deleted files are skipped.
func PatchedFiles(patch, root string) ([]FileView, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	var views []FileView
	for _, fd := range fileDiffs {
		if fd.NewName == "/dev/null" {
			continue
		}
		path := DiffPath(fd.NewName)
		if path == "" {
			path = DiffPath(fd.OrigName)
		}
		if path == "" || LanguageOf(path) == "" {
			continue
		}
		var original []byte
		if root != "" && filepath.IsLocal(path) {
			original, _ = os.ReadFile(filepath.Join(root, path))
		}
		views = append(views, FileView{Path: path, Content: applyFileDiff(original, fd)})
	}
	return views, nil
}

// DiffPath strips the a/ or b/ prefix git puts on diff file names.
func DiffPath(name string) string {
	if name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return filepath.Clean(name)
}

// ScanDiff scans the full post-patch view of each file a patch touches. An
// unparseable patch, or an unparseable patched file, fails the scan. An empty
// patch touches nothing and is clean.
func (s *Scanner) ScanDiff(ctx context.Context, patch, root string, rules []string) ([]string, bool) {
	if strings.TrimSpace(patch) == "" {
		return []string{}, false
	}
	views, err := PatchedFiles(patch, root)
	if err != nil {
		return []string{}, true
	}
	var tags []string
	failed := false
	for _, v := range views {
		got, scanFailed := s.Scan(ctx, v.Content, LanguageOf(v.Path), rules)
		tags = append(tags, got...)
		failed = failed || scanFailed
	}
	return guard.SortedSet(tags), failed
}

func applyFileDiff(original []byte, fd *diff.FileDiff) []byte {
	if fd.OrigName == "/dev/null" || len(original) == 0 {
		var lines []string
		for _, h := range fd.Hunks {
			for _, line := range hunkLines(h) {
				if strings.HasPrefix(line, "+") {
					lines = append(lines, line[1:])
				}
			}
		}
		return []byte(strings.Join(lines, "\n"))
	}

	origLines := strings.Split(string(original), "\n")
	out := make([]string, 0, len(origLines))
	idx := 0
	for _, h := range fd.Hunks {
		for start := int(h.OrigStartLine) - 1; idx < start && idx < len(origLines); idx++ {
			out = append(out, origLines[idx])
		}
		for _, line := range hunkLines(h) {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, "-"):
				idx++
			case strings.HasPrefix(line, `\`):
				// "\ No newline at end of file"
			default:
				if idx < len(origLines) {
					out = append(out, origLines[idx])
					idx++
				}
			}
		}
	}
	out = append(out, origLines[min(idx, len(origLines)):]...)
	return []byte(strings.Join(out, "\n"))
}

func hunkLines(h *diff.Hunk) []string {
	body := strings.TrimSuffix(string(h.Body), "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}
