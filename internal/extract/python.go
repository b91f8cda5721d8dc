package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Python extracts Python source line by line, scoping by indentation.
type Python struct {
	classRe  *regexp.Regexp
	defRe    *regexp.Regexp
	importRe *regexp.Regexp
	fromRe   *regexp.Regexp
	assignRe *regexp.Regexp
	callRe   *regexp.Regexp
	returnRe *regexp.Regexp
	stringRe *regexp.Regexp
}

func NewPython() *Python {
	return &Python{
		classRe:  regexp.MustCompile(`^class\s+(\w+)\s*(?:\(([^)]*)\))?\s*:`),
		defRe:    regexp.MustCompile(`^(async\s+)?def\s+(\w+)\s*\(`),
		importRe: regexp.MustCompile(`^import\s+(.+)$`),
		fromRe:   regexp.MustCompile(`^from\s+(\.*[\w.]*)\s+import\s+(.+)$`),
		assignRe: regexp.MustCompile(`^([A-Za-z_]\w*)\s*(?::\s*([\w.\[\], ]+?))?\s*=\s*([^=\s].*)$`),
		callRe:   regexp.MustCompile(`([A-Za-z_][\w.]*)\s*\(`),
		returnRe: regexp.MustCompile(`\)\s*->\s*([\w.\[\], ]+?)\s*:\s*$`),
		stringRe: regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`),
	}
}

func (*Python) Language() string     { return "python" }
func (*Python) Extensions() []string { return []string{".py", ".pyi"} }

// pyKeywords look like calls when followed by a parenthesis.
var pyKeywords = map[string]bool{
	"if": true, "elif": true, "while": true, "for": true, "return": true, "and": true,
	"or": true, "not": true, "in": true, "is": true, "with": true, "assert": true,
	"yield": true, "await": true, "lambda": true, "except": true, "del": true,
	"raise": true, "print": true, "super": true, "from": true, "import": true,
}

type pyScope struct {
	indent int
	node   *graph.Node
	class  bool
	last   int
}

func (p *Python) Extract(filePath string, content []byte) (*Extraction, error) {
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	b := newBuilder(filePath, "python", moduleName(filePath), len(lines))

	var (
		scopes     []*pyScope
		decorators []string
		depth      int    // open brackets carried over from previous lines
		triple     string // closing quote of an open multi-line string
		docFor     *graph.Node
		docLines   []string
	)

	current := func() *graph.Node {
		if len(scopes) == 0 {
			return b.file
		}
		return scopes[len(scopes)-1].node
	}
	enclosingClass := func() *graph.Node {
		for i := len(scopes) - 1; i >= 0; i-- {
			if scopes[i].class {
				return scopes[i].node
			}
		}
		return nil
	}
	qualified := func(name string) string {
		parts := []string{moduleName(filePath)}
		for _, s := range scopes {
			parts = append(parts, s.node.Name)
		}
		return join(append(parts, name)...)
	}
	closeScopes := func(indent int) {
		for len(scopes) > 0 && scopes[len(scopes)-1].indent >= indent {
			s := scopes[len(scopes)-1]
			s.node.EndLine = s.last
			scopes = scopes[:len(scopes)-1]
		}
	}

	for i, raw := range lines {
		ln := i + 1

		if triple != "" {
			if idx := strings.Index(raw, triple); idx >= 0 {
				if docFor != nil {
					docLines = append(docLines, raw[:idx])
					docFor.Docstring = cleanDoc(docLines)
					docFor, docLines = nil, nil
				}
				triple = ""
				markLast(scopes, ln)
			} else if docFor != nil {
				docLines = append(docLines, raw)
			}
			continue
		}

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))

		// Continuation lines inside brackets keep the current scope.
		continuation := depth > 0
		code := p.stringRe.ReplaceAllString(trimmed, `""`)
		if i := strings.Index(code, "#"); i >= 0 {
			code = code[:i]
		}
		depth += bracketDelta(code)
		if depth < 0 {
			depth = 0
		}

		if !continuation {
			closeScopes(indent)
		}
		markLast(scopes, ln)

		if docFor != nil {
			if q, body, ok := docOpen(trimmed); ok {
				if end := strings.Index(body, q); end >= 0 {
					docFor.Docstring = strings.TrimSpace(body[:end])
					docFor = nil
				} else {
					docLines = []string{body}
					triple = q
				}
				continue
			}
			docFor = nil
		}
		triple = openTriple(trimmed)

		if continuation {
			p.calls(b, code, ln, current(), enclosingClass())
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "@"):
			decorators = append(decorators, strings.TrimPrefix(trimmed, "@"))
			continue

		case p.classRe.MatchString(trimmed):
			m := p.classRe.FindStringSubmatch(trimmed)
			n := b.add(current(), graph.NodeClass, m[1], qualified(m[1]), ln, ln)
			n.Signature = strings.TrimSuffix(trimmed, ":")
			n.IsExported = !strings.HasPrefix(m[1], "_")
			n.Decorators = decorators
			for _, base := range splitArgs(m[2]) {
				if base == "" || base == "object" || strings.Contains(base, "=") {
					continue
				}
				b.ref(n, base, graph.EdgeExtends, ln, strings.Index(raw, base)+1, nil)
			}
			p.decoratorRefs(b, n, decorators, ln)
			decorators = nil
			scopes = append(scopes, &pyScope{indent: indent, node: n, class: true, last: ln})
			docFor = n

		case p.defRe.MatchString(trimmed):
			m := p.defRe.FindStringSubmatch(trimmed)
			name := m[2]
			kind := graph.NodeFunction
			cls := len(scopes) > 0 && scopes[len(scopes)-1].class
			if cls {
				kind = graph.NodeMethod
			}
			n := b.add(current(), kind, name, qualified(name), ln, ln)
			n.Signature = strings.TrimSuffix(trimmed, ":")
			n.IsAsync = m[1] != ""
			n.IsExported = !strings.HasPrefix(name, "_") || (strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__"))
			n.Decorators = decorators
			for _, d := range decorators {
				switch decoratorBase(d) {
				case "staticmethod", "classmethod":
					n.IsStatic = true
				case "abstractmethod", "abc.abstractmethod":
					n.IsAbstract = true
				}
			}
			if cls {
				n.Metadata = map[string]string{graph.MetaReceiver: scopes[len(scopes)-1].node.Name}
			}
			if r := p.returnRe.FindStringSubmatch(code); r != nil {
				for _, t := range typeNames(r[1]) {
					b.ref(n, t, graph.EdgeReturns, ln, strings.Index(raw, t)+1, nil)
				}
			}
			p.decoratorRefs(b, n, decorators, ln)
			decorators = nil
			scopes = append(scopes, &pyScope{indent: indent, node: n, last: ln})
			docFor = n

		case p.fromRe.MatchString(trimmed):
			m := p.fromRe.FindStringSubmatch(trimmed)
			names := m[2]
			// Parenthesized import lists may span lines.
			for j := i + 1; strings.Contains(names, "(") && !strings.Contains(names, ")") && j < len(lines); j++ {
				names += " " + strings.TrimSpace(lines[j])
			}
			names = strings.Trim(strings.TrimSpace(names), "()")
			for _, item := range splitArgs(names) {
				orig, alias := splitAlias(item)
				if orig == "" || orig == "*" {
					continue
				}
				n := b.add(b.file, graph.NodeImport, alias, "", ln, ln)
				n.Signature = trimmed
				n.Metadata = map[string]string{graph.MetaSource: m[1], graph.MetaImported: orig}
			}
			b.ref(b.file, m[1], graph.EdgeImports, ln, strings.Index(raw, m[1])+1, nil)

		case p.importRe.MatchString(trimmed):
			m := p.importRe.FindStringSubmatch(trimmed)
			for _, item := range splitArgs(m[1]) {
				mod, alias := splitAlias(item)
				if mod == "" {
					continue
				}
				if alias == mod {
					// import a.b binds a
					alias = strings.SplitN(mod, ".", 2)[0]
				}
				n := b.add(b.file, graph.NodeImport, alias, "", ln, ln)
				n.Signature = trimmed
				n.Metadata = map[string]string{graph.MetaSource: mod, graph.MetaImported: "*"}
				b.ref(b.file, mod, graph.EdgeImports, ln, strings.Index(raw, mod)+1, nil)
			}

		case p.assignRe.MatchString(code) && (len(scopes) == 0 || scopes[len(scopes)-1].class):
			m := p.assignRe.FindStringSubmatch(code)
			name := m[1]
			var n *graph.Node
			switch {
			case len(scopes) > 0:
				n = b.add(current(), graph.NodeField, name, qualified(name), ln, ln)
			case isConstantName(name):
				n = b.add(b.file, graph.NodeConstant, name, qualified(name), ln, ln)
			default:
				n = b.add(b.file, graph.NodeVariable, name, qualified(name), ln, ln)
			}
			n.Signature = trimmed
			n.IsExported = !strings.HasPrefix(name, "_")
			for _, t := range typeNames(m[2]) {
				b.ref(n, t, graph.EdgeTypeOf, ln, strings.Index(raw, t)+1, nil)
			}
			p.calls(b, m[3], ln, n, enclosingClass())
			decorators = nil

		default:
			decorators = nil
			p.calls(b, code, ln, current(), enclosingClass())
		}
	}
	closeScopes(0)
	return b.result(), nil
}

// calls records the call references in one line of code.
func (p *Python) calls(b *builder, code string, ln int, from, class *graph.Node) {
	if strings.HasPrefix(code, "def ") || strings.HasPrefix(code, "async def ") || strings.HasPrefix(code, "class ") {
		return
	}
	for _, m := range p.callRe.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		if pyKeywords[name] || strings.HasSuffix(name, ".") {
			continue
		}
		col := m[2] + 1
		recv, method, ok := strings.Cut(name, ".")
		switch {
		case ok && (recv == "self" || recv == "cls") && class != nil && !strings.Contains(method, "."):
			b.ref(from, method, graph.EdgeCalls, ln, col, map[string]string{graph.MetaReceiver: class.Name})
		case ok && (recv == "self" || recv == "cls"):
			b.ref(from, lastDotted(method), graph.EdgeCalls, ln, col, nil)
		default:
			b.ref(from, name, graph.EdgeCalls, ln, col, nil)
		}
	}
}

func (p *Python) decoratorRefs(b *builder, n *graph.Node, decorators []string, ln int) {
	for k, d := range decorators {
		base := decoratorBase(d)
		switch base {
		case "", "staticmethod", "classmethod", "property":
			continue
		}
		// Decorators sit on the lines directly above the definition.
		b.ref(n, base, graph.EdgeDecorates, ln-len(decorators)+k, 2, nil)
	}
}

func decoratorBase(d string) string {
	if i := strings.Index(d, "("); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSpace(d)
}

func markLast(scopes []*pyScope, ln int) {
	for _, s := range scopes {
		s.last = ln
	}
}

// docOpen reports whether s starts with a triple-quoted string and returns the
// quote and the text after it.
func docOpen(s string) (quote, body string, ok bool) {
	s = strings.TrimLeft(s, "rRuUbB")
	for _, q := range []string{`"""`, `'''`} {
		if strings.HasPrefix(s, q) {
			return q, s[len(q):], true
		}
	}
	return "", "", false
}

// openTriple returns the quote of a triple-quoted string left open on this line.
func openTriple(s string) string {
	for _, q := range []string{`"""`, `'''`} {
		if strings.Count(s, q)%2 == 1 {
			return q
		}
	}
	return ""
}

func cleanDoc(lines []string) string {
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func bracketDelta(code string) int {
	d := 0
	for _, r := range code {
		switch r {
		case '(', '[', '{':
			d++
		case ')', ']', '}':
			d--
		}
	}
	return d
}

// splitArgs splits a comma separated list at the top bracket level.
func splitArgs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func splitAlias(item string) (orig, alias string) {
	fields := strings.Fields(item)
	switch {
	case len(fields) == 3 && fields[1] == "as":
		return fields[0], fields[2]
	case len(fields) >= 1:
		return fields[0], fields[0]
	}
	return "", ""
}

// typeNames returns the class-like names in a type annotation.
func typeNames(ann string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(ann, func(r rune) bool {
		return r == '[' || r == ']' || r == ',' || r == ' ' || r == '|'
	}) {
		switch f {
		case "", "None", "int", "str", "float", "bool", "bytes", "list", "dict", "set", "tuple",
			"Any", "Optional", "List", "Dict", "Set", "Tuple", "Union":
			continue
		}
		out = append(out, f)
	}
	return out
}

func isConstantName(name string) bool {
	hasLetter := false
	for _, r := range name {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

func lastDotted(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}
