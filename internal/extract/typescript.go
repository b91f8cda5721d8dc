package extract

import (
	"path"
	"regexp"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// TypeScript extracts TypeScript and JavaScript source line by line, scoping by
// brace depth.
type TypeScript struct {
	functionRe  *regexp.Regexp
	classRe     *regexp.Regexp
	interfaceRe *regexp.Regexp
	typeRe      *regexp.Regexp
	enumRe      *regexp.Regexp
	arrowRe     *regexp.Regexp
	varRe       *regexp.Regexp
	methodRe    *regexp.Regexp
	propertyRe  *regexp.Regexp
	importRe    *regexp.Regexp
	sideRe      *regexp.Regexp
	reexportRe  *regexp.Regexp
	requireRe   *regexp.Regexp
	callRe      *regexp.Regexp
	typeRefRe   *regexp.Regexp
	returnRe    *regexp.Regexp
	stringRe    *regexp.Regexp
}

func NewTypeScript() *TypeScript {
	return &TypeScript{
		functionRe:  regexp.MustCompile(`^(async\s+)?function\s*\*?\s*(\w+)\s*(?:<[^>]*>)?\s*\(`),
		classRe:     regexp.MustCompile(`^(abstract\s+)?class\s+(\w+)(?:\s*<[^>]*>)?(?:\s+extends\s+([\w.]+)(?:<[^>]*>)?)?(?:\s+implements\s+([\w.,\s<>]+?))?\s*\{?\s*$`),
		interfaceRe: regexp.MustCompile(`^interface\s+(\w+)(?:\s*<[^>]*>)?(?:\s+extends\s+([\w.,\s<>]+?))?\s*\{?\s*$`),
		typeRe:      regexp.MustCompile(`^type\s+(\w+)\s*(?:<[^>]*>)?\s*=\s*(.*)$`),
		enumRe:      regexp.MustCompile(`^(?:const\s+)?enum\s+(\w+)`),
		arrowRe:     regexp.MustCompile(`^(?:const|let|var)\s+(\w+)\s*(?::\s*[^=]+)?=\s*(async\s+)?(?:\([^)]*\)|\w+)\s*(?::\s*[^=]+)?=>\s*(.*)$`),
		varRe:       regexp.MustCompile(`^(const|let|var)\s+(\w+)\s*(?::\s*([\w.<>\[\]]+))?\s*(?:=\s*(.*))?$`),
		methodRe:    regexp.MustCompile(`^((?:(?:public|private|protected|static|readonly|async|abstract|override|get|set)\s+)*)(\w+)\s*[?!]?\s*(?:<[^>]*>)?\s*\(`),
		propertyRe:  regexp.MustCompile(`^((?:(?:public|private|protected|static|readonly|declare|override)\s+)*)(\w+)\s*[?!]?\s*(?::\s*([\w.<>\[\]| ]+?))?\s*(?:=\s*(.*?))?;?\s*$`),
		importRe:    regexp.MustCompile(`^import\s+(?:type\s+)?(.+?)\s+from\s+['"]([^'"]+)['"]`),
		sideRe:      regexp.MustCompile(`^import\s+['"]([^'"]+)['"]`),
		reexportRe:  regexp.MustCompile(`^export\s+(?:type\s+)?(?:\*|\{[^}]*\})(?:\s+as\s+\w+)?\s+from\s+['"]([^'"]+)['"]`),
		requireRe:   regexp.MustCompile(`^(?:const|let|var)\s+(\w+)\s*=\s*require\(\s*['"]([^'"]+)['"]\s*\)`),
		callRe:      regexp.MustCompile(`(new\s+)?([A-Za-z_$][\w$.]*)\s*(?:<[\w.,\s<>\[\]]*>)?\s*\(`),
		typeRefRe:   regexp.MustCompile(`:\s*([A-Z][\w.]*)`),
		returnRe:    regexp.MustCompile(`\)\s*:\s*(?:Promise<)?([A-Z][\w.]*)`),
		stringRe:    regexp.MustCompile("\"(?:[^\"\\\\]|\\\\.)*\"|'(?:[^'\\\\]|\\\\.)*'|`(?:[^`\\\\]|\\\\.)*`"),
	}
}

func (*TypeScript) Language() string { return "typescript" }

func (*TypeScript) Extensions() []string {
	return []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs"}
}

var tsKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true, "function": true,
	"return": true, "typeof": true, "await": true, "super": true, "import": true, "do": true,
	"else": true, "with": true, "yield": true, "delete": true, "void": true, "in": true, "of": true,
}

type tsScope struct {
	depth int
	node  *graph.Node
	class bool
}

type tsLine struct {
	raw     string
	code    string // comments removed, strings blanked
	num     int
	col     int // column of the first character of code
	exports bool
}

func (p *TypeScript) Extract(filePath string, content []byte) (*Extraction, error) {
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	lang := "typescript"
	switch strings.ToLower(path.Ext(filePath)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		lang = "javascript"
	}
	mod := moduleName(filePath)
	b := newBuilder(filePath, lang, mod, len(lines))

	var (
		scopes     []*tsScope
		pending    *tsScope
		decorators []string
		depth      int
		inComment  bool
	)

	current := func() *tsScope {
		if len(scopes) == 0 {
			return nil
		}
		return scopes[len(scopes)-1]
	}
	parent := func() *graph.Node {
		if s := current(); s != nil {
			return s.node
		}
		return b.file
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
		parts := []string{mod}
		for _, s := range scopes {
			parts = append(parts, s.node.Name)
		}
		return join(append(parts, name)...)
	}

	for i, raw := range lines {
		ln := i + 1
		code := raw
		if inComment {
			end := strings.Index(code, "*/")
			if end < 0 {
				continue
			}
			code = code[end+2:]
			inComment = false
		}
		code, inComment = p.stripComments(code)
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}

		l := &tsLine{raw: raw, num: ln, col: max(1, strings.Index(raw, trimmed)+1)}
		l.code = trimmed
		for _, kw := range []string{"export ", "default ", "declare "} {
			if strings.HasPrefix(l.code, kw) {
				l.exports = l.exports || kw == "export "
				l.code = strings.TrimSpace(strings.TrimPrefix(l.code, kw))
			}
		}

		before := depth
		depth += bracesDelta(p.stringRe.ReplaceAllString(l.code, `""`))

		var decl *graph.Node
		var class bool
		rest := ""
		switch {
		case strings.HasPrefix(l.code, "@"):
			decorators = append(decorators, strings.TrimPrefix(l.code, "@"))
			continue

		case p.importRe.MatchString(l.code):
			p.imports(b, l, l.code)
		case strings.HasPrefix(l.code, "import ") && strings.HasSuffix(l.code, "{"):
			// Import lists spanning lines.
			joined := l.code
			for j := i + 1; j < len(lines) && !p.importRe.MatchString(joined); j++ {
				joined += " " + strings.TrimSpace(lines[j])
			}
			if p.importRe.MatchString(joined) {
				p.imports(b, l, joined)
			}
		case p.sideRe.MatchString(l.code):
			m := p.sideRe.FindStringSubmatch(l.code)
			b.ref(b.file, m[1], graph.EdgeImports, ln, l.col, nil)
		case p.reexportRe.MatchString(trimmed):
			m := p.reexportRe.FindStringSubmatch(trimmed)
			b.ref(b.file, m[1], graph.EdgeImports, ln, l.col, nil)
		case p.requireRe.MatchString(l.code):
			m := p.requireRe.FindStringSubmatch(l.code)
			n := b.add(b.file, graph.NodeImport, m[1], "", ln, ln)
			n.Signature = trimmed
			n.Metadata = map[string]string{graph.MetaSource: m[2], graph.MetaImported: "default"}
			b.ref(b.file, m[2], graph.EdgeImports, ln, l.col, nil)

		case p.classRe.MatchString(l.code):
			m := p.classRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeClass, m[2], qualified(m[2]), ln, ln)
			decl.IsAbstract = m[1] != ""
			decl.Signature = strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))
			if m[3] != "" {
				b.ref(decl, m[3], graph.EdgeExtends, ln, strings.Index(raw, m[3])+1, nil)
			}
			for _, iface := range splitArgs(stripGenerics(m[4])) {
				b.ref(decl, iface, graph.EdgeImplements, ln, strings.Index(raw, iface)+1, nil)
			}
			class = true

		case p.interfaceRe.MatchString(l.code):
			m := p.interfaceRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeInterface, m[1], qualified(m[1]), ln, ln)
			decl.Signature = strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))
			for _, base := range splitArgs(stripGenerics(m[2])) {
				b.ref(decl, base, graph.EdgeExtends, ln, strings.Index(raw, base)+1, nil)
			}
			class = true

		case p.typeRe.MatchString(l.code):
			m := p.typeRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeTypeAlias, m[1], qualified(m[1]), ln, ln)
			decl.Signature = strings.TrimSuffix(trimmed, ";")
			for _, t := range p.typeRefRe.FindAllStringSubmatch(": "+m[2], -1) {
				b.ref(decl, t[1], graph.EdgeTypeOf, ln, strings.Index(raw, t[1])+1, nil)
			}

		case p.enumRe.MatchString(l.code):
			m := p.enumRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeEnum, m[1], qualified(m[1]), ln, ln)
			decl.Signature = strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))

		case p.functionRe.MatchString(l.code):
			m := p.functionRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeFunction, m[2], qualified(m[2]), ln, ln)
			decl.IsAsync = m[1] != ""
			decl.Signature = signatureOf(trimmed)
			p.typeRefs(b, decl, l)
			rest = afterBrace(l.code)

		case p.arrowRe.MatchString(l.code):
			m := p.arrowRe.FindStringSubmatch(l.code)
			decl = b.add(parent(), graph.NodeFunction, m[1], qualified(m[1]), ln, ln)
			decl.IsAsync = m[2] != ""
			decl.Signature = signatureOf(trimmed)
			p.typeRefs(b, decl, l)
			rest = m[3]

		case current() != nil && current().class && p.methodRe.MatchString(l.code) && !tsKeywords[p.methodRe.FindStringSubmatch(l.code)[2]]:
			m := p.methodRe.FindStringSubmatch(l.code)
			owner := current().node
			decl = b.add(owner, graph.NodeMethod, m[2], qualified(m[2]), ln, ln)
			decl.Signature = signatureOf(trimmed)
			decl.Visibility = visibility(m[1])
			decl.IsStatic = strings.Contains(m[1], "static")
			decl.IsAsync = strings.Contains(m[1], "async")
			decl.IsAbstract = owner.Kind == graph.NodeInterface || strings.Contains(m[1], "abstract")
			decl.IsExported = owner.IsExported && decl.Visibility == "public"
			decl.Metadata = map[string]string{graph.MetaReceiver: owner.Name}
			p.typeRefs(b, decl, l)
			rest = afterBrace(l.code)

		case current() != nil && current().class && p.propertyRe.MatchString(l.code):
			m := p.propertyRe.FindStringSubmatch(l.code)
			owner := current().node
			kind := graph.NodeField
			if strings.Contains(m[4], "=>") {
				kind = graph.NodeMethod
			}
			n := b.add(owner, kind, m[2], qualified(m[2]), ln, ln)
			n.Signature = strings.TrimSuffix(trimmed, ";")
			n.Visibility = visibility(m[1])
			n.IsStatic = strings.Contains(m[1], "static")
			n.IsExported = owner.IsExported && n.Visibility == "public"
			for _, t := range p.typeRefRe.FindAllStringSubmatch(": "+m[3], -1) {
				b.ref(n, t[1], graph.EdgeTypeOf, ln, strings.Index(raw, t[1])+1, nil)
			}
			if kind == graph.NodeMethod {
				// Arrow function properties behave as methods bound to the instance.
				n.Metadata = map[string]string{graph.MetaReceiver: owner.Name}
				decl = n
				_, rest, _ = strings.Cut(m[4], "=>")
				break
			}
			p.calls(b, m[4], l, n, owner)
			decorators = nil

		case current() == nil && p.varRe.MatchString(l.code):
			m := p.varRe.FindStringSubmatch(l.code)
			kind := graph.NodeVariable
			if m[1] == "const" {
				kind = graph.NodeConstant
			}
			n := b.add(b.file, kind, m[2], qualified(m[2]), ln, ln)
			n.Signature = strings.TrimSuffix(trimmed, ";")
			n.IsExported = l.exports
			if m[3] != "" && startsUpper(m[3]) {
				b.ref(n, stripGenerics(m[3]), graph.EdgeTypeOf, ln, strings.Index(raw, m[3])+1, nil)
			}
			p.calls(b, m[4], l, n, nil)

		default:
			decorators = nil
			p.calls(b, l.code, l, parent(), enclosingClass())
		}

		if decl != nil {
			if decl.Kind != graph.NodeMethod {
				decl.IsExported = l.exports
			}
			pending = nil
			decl.Decorators = decorators
			for k, d := range decorators {
				b.ref(decl, decoratorBase(d), graph.EdgeDecorates, ln-len(decorators)+k, 2, nil)
			}
			decorators = nil
			if rest != "" {
				p.calls(b, rest, l, decl, enclosingClass())
			}

			s := &tsScope{depth: before, node: decl, class: class}
			switch {
			case depth > before:
				scopes = append(scopes, s)
			case !strings.HasSuffix(trimmed, ";") && !strings.HasSuffix(trimmed, "}"):
				// Body opens on a later line.
				pending = s
			}
			continue
		}

		if pending != nil {
			if depth > before {
				pending.depth = before
				scopes = append(scopes, pending)
				pending = nil
			} else if strings.HasSuffix(trimmed, ";") {
				pending = nil
			}
		}

		// Pop scopes whose body closed on this line.
		for len(scopes) > 0 && depth <= scopes[len(scopes)-1].depth {
			scopes[len(scopes)-1].node.EndLine = ln
			scopes = scopes[:len(scopes)-1]
		}
	}
	for _, s := range scopes {
		s.node.EndLine = len(lines)
	}
	return b.result(), nil
}

// imports records the bindings and the module reference of one import statement.
func (p *TypeScript) imports(b *builder, l *tsLine, stmt string) {
	m := p.importRe.FindStringSubmatch(stmt)
	clause, spec := m[1], m[2]
	b.ref(b.file, spec, graph.EdgeImports, l.num, strings.Index(l.raw, spec)+1, nil)

	add := func(local, imported string) {
		if local == "" {
			return
		}
		n := b.add(b.file, graph.NodeImport, local, "", l.num, l.num)
		n.Signature = strings.TrimSpace(l.raw)
		n.Metadata = map[string]string{graph.MetaSource: spec, graph.MetaImported: imported}
	}

	clause = strings.TrimSpace(clause)
	if !strings.HasPrefix(clause, "{") && !strings.HasPrefix(clause, "*") {
		def, more, _ := strings.Cut(clause, ",")
		add(strings.TrimSpace(def), "default")
		clause = strings.TrimSpace(more)
	}
	switch {
	case strings.HasPrefix(clause, "*"):
		fields := strings.Fields(clause)
		if len(fields) == 3 && fields[1] == "as" {
			add(fields[2], "*")
		}
	case strings.HasPrefix(clause, "{"):
		for _, item := range splitArgs(strings.Trim(clause, "{} ")) {
			orig, alias := splitAlias(strings.TrimPrefix(item, "type "))
			add(alias, orig)
		}
	}
}

// calls records call and instantiation references in a fragment of code.
func (p *TypeScript) calls(b *builder, code string, l *tsLine, from, class *graph.Node) {
	if code == "" || from == nil {
		return
	}
	code = p.stringRe.ReplaceAllString(code, `""`)
	for _, m := range p.callRe.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[4]:m[5]]
		if tsKeywords[name] || strings.HasSuffix(name, ".") {
			continue
		}
		col := l.col + m[4]
		if m[2] >= 0 {
			b.ref(from, name, graph.EdgeInstantiates, l.num, col, nil)
			continue
		}
		recv, method, ok := strings.Cut(name, ".")
		switch {
		case ok && recv == "this" && class != nil && !strings.Contains(method, "."):
			b.ref(from, method, graph.EdgeCalls, l.num, col, map[string]string{graph.MetaReceiver: class.Name})
		case ok && recv == "this":
			b.ref(from, lastDotted(method), graph.EdgeCalls, l.num, col, nil)
		default:
			b.ref(from, name, graph.EdgeCalls, l.num, col, nil)
		}
	}
}

// typeRefs records parameter and return type references of a declaration line.
func (p *TypeScript) typeRefs(b *builder, n *graph.Node, l *tsLine) {
	sig := signatureOf(l.code)
	open, close := strings.Index(sig, "("), strings.LastIndex(sig, ")")
	if open >= 0 && close > open {
		for _, t := range p.typeRefRe.FindAllStringSubmatch(sig[open:close], -1) {
			b.ref(n, t[1], graph.EdgeTypeOf, l.num, strings.Index(l.raw, t[1])+1, nil)
		}
	}
	if m := p.returnRe.FindStringSubmatch(sig); m != nil {
		b.ref(n, m[1], graph.EdgeReturns, l.num, strings.Index(l.raw, m[1])+1, nil)
	}
}

// stripComments removes line and block comments, reporting whether a block
// comment is still open at the end of the line.
func (p *TypeScript) stripComments(s string) (string, bool) {
	var sb strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			sb.WriteByte(c)
			switch {
			case c == '\\' && i+1 < len(s):
				i++
				sb.WriteByte(s[i])
			case c == quote:
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case strings.HasPrefix(s[i:], "//"):
			return sb.String(), false
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return sb.String(), true
			}
			i += 2 + end + 1
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String(), false
}

func bracesDelta(code string) int {
	d := 0
	for _, r := range code {
		switch r {
		case '{':
			d++
		case '}':
			d--
		}
	}
	return d
}

// signatureOf returns a declaration line up to its body.
func signatureOf(s string) string {
	if i := strings.Index(s, "=>"); i >= 0 {
		s = s[:i]
	} else if i := strings.Index(s, "{"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
}

func afterBrace(s string) string {
	if i := strings.Index(s, "{"); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func stripGenerics(s string) string {
	var sb strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		default:
			if depth == 0 {
				sb.WriteRune(r)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func visibility(mods string) string {
	switch {
	case strings.Contains(mods, "private"):
		return "private"
	case strings.Contains(mods, "protected"):
		return "protected"
	}
	return "public"
}

func startsUpper(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}
