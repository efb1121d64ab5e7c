package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrUnsupportedLanguage is returned by Parse for languages without a grammar.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Scanner runs the AST rules for python and javascript sources. The zero
// value is ready to use and safe for concurrent calls.
type Scanner struct{}

// NewScanner returns a Scanner.
func NewScanner() *Scanner { return &Scanner{} }

// Scan returns the violations of the enabled rule families found in source.
// scanFailed is set, with no violations, when the source cannot be parsed
// cleanly or the language has no grammar.
func (s *Scanner) Scan(ctx context.Context, source []byte, language string, rules []string) ([]string, bool) {
	tags, err := Analyze(ctx, source, language)
	if err != nil {
		return []string{}, true
	}
	return Filter(tags, rules), false
}

// Analyze parses source and runs every rule. A non-nil error accompanies a
// partial tag list when the tree has syntax errors.
func Analyze(ctx context.Context, source []byte, language string) ([]string, error) {
	lang, err := grammar(language)
	if err != nil {
		return nil, err
	}
	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, errors.New("parser returned no tree")
	}
	var tags []string
	switch strings.ToLower(language) {
	case "javascript", "js":
		v := &jsVisitor{src: source}
		v.walk(root)
		tags = v.tags
	default:
		v := &pyVisitor{src: source}
		v.walk(root, false)
		if v.unguardedWrites > 1 {
			v.tags = append(v.tags, NoTransactionForMultiWrite)
		}
		tags = v.tags
	}
	if root.HasError() {
		return tags, errors.New("source contains syntax errors")
	}
	return tags, nil
}

func grammar(language string) (*sitter.Language, error) {
	switch strings.ToLower(language) {
	case "", "python", "py":
		return python.GetLanguage(), nil
	case "javascript", "js":
		return javascript.GetLanguage(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
}

func text(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

// firstArgument returns the first positional argument of an argument list.
func firstArgument(args *sitter.Node) *sitter.Node {
	if args == nil {
		return nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		switch c.Type() {
		case "comment", "keyword_argument", "list_splat", "dictionary_splat":
			continue
		}
		return c
	}
	return nil
}

// literalValue strips the prefix and quotes of a string literal.
func literalValue(raw string) string {
	raw = strings.TrimLeft(raw, "rRbBuUfF")
	return strings.Trim(raw, "\"'`")
}
