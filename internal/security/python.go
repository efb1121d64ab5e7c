package security

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var (
	sqlSinks            = []string{"execute", "exec", "query", "executemany", "raw"}
	writeMethods        = []string{"save", "create", "update", "delete", "insert"}
	endpointDecorators  = []string{"get", "post", "put", "delete", "patch", "route", "app"}
	authDecorators      = []string{"login_required", "auth", "verify", "jwt", "permission"}
	userIdentityNames   = []string{"user_id", "current_user", "userId"}
	transactionContexts = []string{"transaction", "atomic"}
)

type pyVisitor struct {
	src             []byte
	tags            []string
	unguardedWrites int
}

func (v *pyVisitor) walk(n *sitter.Node, inTx bool) {
	switch n.Type() {
	case "call":
		v.call(n, inTx)
	case "assignment":
		v.assignment(n)
	case "with_statement":
		if v.opensTransaction(n) {
			inTx = true
		}
	case "function_definition":
		v.function(n)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		v.walk(n.NamedChild(i), inTx)
	}
}

// calleeName is the bare name of a call target: foo for foo() and for x.foo().
func (v *pyVisitor) calleeName(fn *sitter.Node) string {
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return text(fn, v.src)
	case "attribute":
		return text(fn.ChildByFieldName("attribute"), v.src)
	}
	return ""
}

func (v *pyVisitor) call(n *sitter.Node, inTx bool) {
	fn := n.ChildByFieldName("function")
	name := v.calleeName(fn)
	lower := strings.ToLower(name)

	if isSQLSink(lower) {
		if tag := v.queryConstruction(firstArgument(n.ChildByFieldName("arguments"))); tag != "" {
			v.tags = append(v.tags, tag)
		}
	}
	switch name {
	case "dangerouslySetInnerHTML":
		v.tags = append(v.tags, PotentialXSS)
	case "mark_safe", "Markup":
		if arg := firstArgument(n.ChildByFieldName("arguments")); arg != nil && arg.Type() != "string" {
			v.tags = append(v.tags, PotentialXSS)
		}
	}
	if fn != nil && fn.Type() == "attribute" && containsAny(lower, writeMethods...) && !inTx {
		v.unguardedWrites++
	}
}

func isSQLSink(name string) bool {
	for _, s := range sqlSinks {
		if name == s {
			return true
		}
	}
	return false
}

// queryConstruction classifies how the query argument of a SQL sink is built.
func (v *pyVisitor) queryConstruction(arg *sitter.Node) string {
	if arg == nil {
		return ""
	}
	switch arg.Type() {
	case "binary_operator":
		return SQLIStringConcat
	case "string":
		prefix := strings.ToLower(text(arg, v.src))
		if i := strings.IndexAny(prefix, "\"'"); i > 0 && strings.Contains(prefix[:i], "f") {
			return SQLIFString
		}
	case "call":
		fn := arg.ChildByFieldName("function")
		if fn != nil && fn.Type() == "attribute" && text(fn.ChildByFieldName("attribute"), v.src) == "format" {
			return SQLIStringFormat
		}
	}
	return ""
}

func (v *pyVisitor) assignment(n *sitter.Node) {
	left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" || right.Type() != "string" {
		return
	}
	if !isSensitiveName(text(left, v.src)) {
		return
	}
	if looksHardcoded(literalValue(text(right, v.src))) {
		v.tags = append(v.tags, HardcodedSecrets)
	}
}

func (v *pyVisitor) opensTransaction(n *sitter.Node) bool {
	var found bool
	var visit func(*sitter.Node)
	visit = func(c *sitter.Node) {
		if found {
			return
		}
		if c.Type() == "with_item" {
			value := c.ChildByFieldName("value")
			if value != nil && value.Type() == "as_pattern" && value.NamedChildCount() > 0 {
				value = value.NamedChild(0)
			}
			if value != nil && (value.Type() == "call" || value.Type() == "attribute") {
				found = containsAny(strings.ToLower(text(value, v.src)), transactionContexts...)
			}
			return
		}
		if c.Type() == "block" {
			return
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			visit(c.NamedChild(i))
		}
	}
	visit(n)
	return found
}

// function flags endpoints that read a user identity without any auth
// decorator or explicit auth call.
func (v *pyVisitor) function(n *sitter.Node) {
	decorators := v.decorators(n)
	endpoint := false
	for _, d := range decorators {
		if containsAny(strings.ToLower(d), endpointDecorators...) {
			endpoint = true
			break
		}
	}
	if !endpoint {
		return
	}
	for _, d := range decorators {
		if containsAny(strings.ToLower(d), authDecorators...) {
			return
		}
	}
	mentionsUser, authCall := false, false
	var visit func(*sitter.Node)
	visit = func(c *sitter.Node) {
		switch c.Type() {
		case "parameters":
			return
		case "identifier":
			if containsAny(text(c, v.src), userIdentityNames...) {
				mentionsUser = true
			}
		case "attribute":
			// Only the object side names a variable.
			if obj := c.ChildByFieldName("object"); obj != nil {
				visit(obj)
			}
			return
		case "call":
			name := strings.ToLower(v.calleeName(c.ChildByFieldName("function")))
			if containsAny(name, "auth", "verify") {
				authCall = true
			}
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			visit(c.NamedChild(i))
		}
	}
	visit(n)
	if mentionsUser && !authCall {
		v.tags = append(v.tags, MissingAuthCheck)
	}
}

// decorators returns the bare names of the decorators applied to a function.
func (v *pyVisitor) decorators(fn *sitter.Node) []string {
	parent := fn.Parent()
	if parent == nil || parent.Type() != "decorated_definition" {
		return nil
	}
	var names []string
	for i := 0; i < int(parent.NamedChildCount()); i++ {
		d := parent.NamedChild(i)
		if d.Type() != "decorator" || d.NamedChildCount() == 0 {
			continue
		}
		expr := d.NamedChild(0)
		if expr.Type() == "call" {
			expr = expr.ChildByFieldName("function")
		}
		if name := v.calleeName(expr); name != "" {
			names = append(names, name)
		}
	}
	return names
}
