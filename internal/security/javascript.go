package security

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var htmlSinkProps = []string{"innerHTML", "outerHTML"}

type jsVisitor struct {
	src  []byte
	tags []string
}

func (v *jsVisitor) walk(n *sitter.Node) {
	switch n.Type() {
	case "call_expression":
		v.call(n)
	case "assignment_expression":
		v.assignment(n.ChildByFieldName("left"), n.ChildByFieldName("right"))
	case "variable_declarator":
		v.assignment(n.ChildByFieldName("name"), n.ChildByFieldName("value"))
	case "jsx_attribute":
		if n.NamedChildCount() > 0 && text(n.NamedChild(0), v.src) == "dangerouslySetInnerHTML" {
			v.tags = append(v.tags, PotentialXSS)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		v.walk(n.NamedChild(i))
	}
}

func (v *jsVisitor) calleeName(fn *sitter.Node) string {
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return text(fn, v.src)
	case "member_expression":
		return text(fn.ChildByFieldName("property"), v.src)
	}
	return ""
}

func (v *jsVisitor) call(n *sitter.Node) {
	name := v.calleeName(n.ChildByFieldName("function"))
	lower := strings.ToLower(name)
	if isSQLSink(lower) {
		switch arg := firstArgument(n.ChildByFieldName("arguments")); {
		case arg == nil:
		case arg.Type() == "binary_expression":
			v.tags = append(v.tags, SQLIStringConcat)
		case arg.Type() == "template_string" && hasChild(arg, "template_substitution"):
			v.tags = append(v.tags, SQLITemplateInterpolation)
		}
	}
	if name == "write" || name == "writeln" {
		obj := n.ChildByFieldName("function").ChildByFieldName("object")
		if text(obj, v.src) == "document" {
			v.tags = append(v.tags, PotentialXSS)
		}
	}
}

func (v *jsVisitor) assignment(left, right *sitter.Node) {
	if left == nil || right == nil {
		return
	}
	switch left.Type() {
	case "member_expression":
		prop := text(left.ChildByFieldName("property"), v.src)
		for _, sink := range htmlSinkProps {
			if prop == sink {
				v.tags = append(v.tags, PotentialXSS)
				return
			}
		}
		if right.Type() == "string" && isSensitiveName(prop) && looksHardcoded(literalValue(text(right, v.src))) {
			v.tags = append(v.tags, HardcodedSecrets)
		}
	case "identifier":
		if right.Type() == "string" && isSensitiveName(text(left, v.src)) && looksHardcoded(literalValue(text(right, v.src))) {
			v.tags = append(v.tags, HardcodedSecrets)
		}
	}
}

func hasChild(n *sitter.Node, typ string) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == typ {
			return true
		}
	}
	return false
}
