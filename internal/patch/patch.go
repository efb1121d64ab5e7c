// Package patch turns model replies into changes on a working tree. A reply
// is a unified diff, a set of "file: path" blocks, or, for single-file tasks,
// the complete new contents of that file.
package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/signalnine/tauguard/internal/gitops"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/security"
)

// ErrNoChanges is returned when a reply holds nothing that can be applied.
var ErrNoChanges = errors.New("candidate contains no applicable changes")

var (
	langLineRe  = regexp.MustCompile(`^[a-zA-Z0-9_+\-]+$`)
	codeMarker  = regexp.MustCompile(`(?is)here(?:'s| is) the (?:complete |final )?(?:code|implementation|solution):?\s*\n(.*)`)
	fileBlockRe = regexp.MustCompile(`(?i)^(?:file:|#|//)\s*([^\s]+\.(?:py|pyi|js|jsx|mjs|cjs|ts|tsx|json|toml|cfg|ini|ya?ml|txt|md|html|css))\s*$`)
	diffStartRe = regexp.MustCompile(`(?m)^(?:diff --git |--- \S)`)
)

// ExtractCode pulls the code out of a reply: the first fenced block, minus
// its language tag; else whatever follows a "here is the code:" lead-in;
// else the whole reply. The result ends with exactly one newline.
func ExtractCode(text string) string {
	if start := strings.Index(text, "```"); start >= 0 {
		if end := strings.Index(text[start+3:], "```"); end >= 0 {
			lines := strings.Split(text[start+3:start+3+end], "\n")
			if len(lines) > 0 && langLineRe.MatchString(strings.TrimSpace(lines[0])) {
				lines = lines[1:]
			}
			return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
		}
	}
	if m := codeMarker.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]) + "\n"
	}
	return strings.TrimSpace(text) + "\n"
}

// Normalize strips fences and any prose before the first diff header. Replies
// that are not diffs are returned trimmed.
func Normalize(text string) string {
	if strings.Contains(text, "```") {
		if code := ExtractCode(text); IsUnifiedDiff(code) {
			text = code
		}
	}
	if loc := diffStartRe.FindStringIndex(text); loc != nil {
		text = text[loc[0]:]
		if i := strings.Index(text, "\n```"); i >= 0 {
			text = text[:i+1]
		}
		return strings.TrimRight(text, " \t\n") + "\n"
	}
	return strings.TrimSpace(text)
}

// IsUnifiedDiff reports whether text carries file headers and at least one
// hunk.
func IsUnifiedDiff(text string) bool {
	return diffStartRe.MatchString(text) && strings.Contains(text, "\n+++ ") && strings.Contains(text, "\n@@")
}

// FileBlock is one "file: path" section of a reply.
type FileBlock struct {
	Path    string
	Content string
}

// ParseFileBlocks splits a reply into file blocks. A header line is
// "file: path", "# path" or "// path"; everything up to the next header is
// the file's new content, with surrounding fences removed.
func ParseFileBlocks(text string) []FileBlock {
	var blocks []FileBlock
	var cur *FileBlock
	var body []string
	flush := func() {
		if cur == nil {
			return
		}
		content := strings.Join(trimFences(body), "\n")
		if strings.TrimSpace(content) != "" {
			cur.Content = strings.TrimRight(content, "\n") + "\n"
			blocks = append(blocks, *cur)
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if m := fileBlockRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			cur = &FileBlock{Path: m[1]}
			body = nil
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return blocks
}

func trimFences(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ChangedFiles lists the files a reply touches, as a sorted set of paths
// relative to the working tree.
func ChangedFiles(candidate string) []string {
	text := Normalize(candidate)
	var names []string
	if IsUnifiedDiff(text) {
		fds, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
		if err == nil {
			for _, fd := range fds {
				name := security.DiffPath(fd.NewName)
				if name == "" {
					name = security.DiffPath(fd.OrigName)
				}
				if name != "" {
					names = append(names, name)
				}
			}
		}
	}
	for _, b := range ParseFileBlocks(candidate) {
		names = append(names, filepath.Clean(b.Path))
	}
	return guard.SortedSet(names)
}

// Hash is the hex sha256 of a reply after normalization.
func Hash(candidate string) string {
	sum := sha256.Sum256([]byte(Normalize(candidate)))
	return hex.EncodeToString(sum[:])
}

// Applier writes replies into a working tree. Diffs are applied
// incrementally to the tree as it stands.
type Applier struct {
	// SolutionFile, when set, receives the extracted code of any reply that
	// is not a diff. File blocks are only honoured when it is empty.
	SolutionFile string
}

func (a *Applier) Apply(ctx context.Context, candidate, workDir string) error {
	text := Normalize(candidate)
	isDiff := IsUnifiedDiff(text)
	if a.SolutionFile != "" {
		if isDiff {
			return gitops.ApplyPatch(ctx, workDir, text)
		}
		code := ExtractCode(candidate)
		if strings.TrimSpace(code) == "" {
			return ErrNoChanges
		}
		return writeFile(workDir, a.SolutionFile, code)
	}

	blocks := ParseFileBlocks(candidate)
	if isDiff {
		err := gitops.ApplyPatch(ctx, workDir, text)
		if err == nil || len(blocks) == 0 {
			return err
		}
	}
	if len(blocks) == 0 {
		return ErrNoChanges
	}
	for _, b := range blocks {
		if err := writeFile(workDir, b.Path, b.Content); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(root, rel, content string) error {
	rel = filepath.Clean(rel)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing to write outside the working tree: %q", rel)
	}
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
