package extract

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strconv"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// Go extracts Go source with the standard library parser.
type Go struct{}

func NewGo() *Go { return &Go{} }

func (*Go) Language() string     { return "go" }
func (*Go) Extensions() []string { return []string{".go"} }

func (g *Go) Extract(filePath string, content []byte) (*Extraction, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filePath, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parsing Go code: %w", err)
	}

	x := &goFile{
		fset:    fset,
		content: content,
		pkg:     file.Name.Name,
		imports: make(map[string]string),
		types:   make(map[string]*graph.Node),
	}
	x.b = newBuilder(filePath, "go", x.pkg, fset.Position(file.End()).Line)

	x.parseImports(file)
	for _, decl := range file.Decls {
		if d, ok := decl.(*ast.GenDecl); ok {
			x.parseGenDecl(d)
		}
	}
	// Methods after types so they nest under same-file receivers.
	for _, decl := range file.Decls {
		if d, ok := decl.(*ast.FuncDecl); ok {
			x.parseFuncDecl(d)
		}
	}
	return x.b.result(), nil
}

type goFile struct {
	fset    *token.FileSet
	content []byte
	pkg     string
	b       *builder

	// imports maps the local package name to its import path.
	imports map[string]string

	// types holds the type declarations of this file by name.
	types map[string]*graph.Node
}

func (x *goFile) line(p token.Pos) int { return x.fset.Position(p).Line }
func (x *goFile) col(p token.Pos) int  { return x.fset.Position(p).Column }

func (x *goFile) text(n ast.Node) string {
	if n == nil {
		return ""
	}
	start := x.fset.Position(n.Pos()).Offset
	end := x.fset.Position(n.End()).Offset
	if start >= 0 && end <= len(x.content) && start <= end {
		return string(x.content[start:end])
	}
	return ""
}

func (x *goFile) parseImports(file *ast.File) {
	for _, imp := range file.Imports {
		spec, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path.Base(spec)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		ln := x.line(imp.Pos())

		if name != "_" && name != "." {
			x.imports[name] = spec
			n := x.b.add(x.b.file, graph.NodeImport, name, "", ln, ln)
			n.Signature = x.text(imp)
			n.Metadata = map[string]string{graph.MetaSource: spec, graph.MetaImported: "*"}
		}
		x.b.ref(x.b.file, spec, graph.EdgeImports, ln, x.col(imp.Path.Pos()), nil)
	}
}

func (x *goFile) parseGenDecl(d *ast.GenDecl) {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			x.parseTypeSpec(d, s)
		case *ast.ValueSpec:
			kind := graph.NodeVariable
			if d.Tok == token.CONST {
				kind = graph.NodeConstant
			}
			for _, id := range s.Names {
				if id.Name == "_" {
					continue
				}
				ln := x.line(id.Pos())
				n := x.b.add(x.b.file, kind, id.Name, join(x.pkg, id.Name), ln, x.line(s.End()))
				n.IsExported = id.IsExported()
				n.Signature = strings.TrimSpace(d.Tok.String() + " " + x.text(s))
				n.Docstring = docText(d.Doc, s.Doc)
				if s.Type != nil {
					x.typeRefs(n, s.Type, graph.EdgeTypeOf)
				}
				for _, v := range s.Values {
					x.bodyRefs(n, v, nil)
				}
			}
		}
	}
}

func (x *goFile) parseTypeSpec(d *ast.GenDecl, s *ast.TypeSpec) {
	name := s.Name.Name
	start, end := x.line(s.Pos()), x.line(s.End())
	qn := join(x.pkg, name)

	var n *graph.Node
	switch t := s.Type.(type) {
	case *ast.StructType:
		n = x.b.add(x.b.file, graph.NodeStruct, name, qn, start, end)
		n.Signature = "type " + name + " struct"
		for _, f := range t.Fields.List {
			if len(f.Names) == 0 {
				// Embedding is the closest Go has to inheritance.
				x.typeRefs(n, f.Type, graph.EdgeExtends)
				continue
			}
			for _, fn := range f.Names {
				ln := x.line(fn.Pos())
				field := x.b.add(n, graph.NodeField, fn.Name, join(qn, fn.Name), ln, ln)
				field.IsExported = fn.IsExported()
				field.Signature = fn.Name + " " + x.text(f.Type)
				x.typeRefs(field, f.Type, graph.EdgeTypeOf)
			}
		}
	case *ast.InterfaceType:
		n = x.b.add(x.b.file, graph.NodeInterface, name, qn, start, end)
		n.Signature = "type " + name + " interface"
		for _, m := range t.Methods.List {
			if len(m.Names) == 0 {
				x.typeRefs(n, m.Type, graph.EdgeExtends)
				continue
			}
			for _, mn := range m.Names {
				ln := x.line(mn.Pos())
				method := x.b.add(n, graph.NodeMethod, mn.Name, join(qn, mn.Name), ln, ln)
				method.IsExported = mn.IsExported()
				method.IsAbstract = true
				method.Signature = mn.Name + strings.TrimPrefix(x.text(m.Type), "func")
			}
		}
	default:
		n = x.b.add(x.b.file, graph.NodeTypeAlias, name, qn, start, end)
		n.Signature = "type " + name + " " + x.text(s.Type)
		x.typeRefs(n, s.Type, graph.EdgeTypeOf)
	}
	n.IsExported = s.Name.IsExported()
	n.Docstring = docText(d.Doc, s.Doc)
	x.types[name] = n
}

func (x *goFile) parseFuncDecl(fn *ast.FuncDecl) {
	name := fn.Name.Name
	start, end := x.line(fn.Pos()), x.line(fn.End())

	parent := x.b.file
	kind := graph.NodeFunction
	qn := join(x.pkg, name)
	locals := make(map[string]string)

	var recv string
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		kind = graph.NodeMethod
		field := fn.Recv.List[0]
		recv = receiverType(field.Type)
		qn = join(x.pkg, recv, name)
		if t, ok := x.types[recv]; ok {
			parent = t
		}
		for _, id := range field.Names {
			locals[id.Name] = recv
		}
	}

	n := x.b.add(parent, kind, name, qn, start, end)
	n.IsExported = fn.Name.IsExported()
	n.Signature = x.signature(fn)
	n.Docstring = docText(fn.Doc)
	if recv != "" {
		n.Metadata = map[string]string{graph.MetaReceiver: recv}
	}

	if fn.Type.Params != nil {
		for _, p := range fn.Type.Params.List {
			x.typeRefs(n, p.Type, graph.EdgeTypeOf)
			t := receiverType(p.Type)
			for _, id := range p.Names {
				locals[id.Name] = t
			}
		}
	}
	if fn.Type.Results != nil {
		for _, r := range fn.Type.Results.List {
			x.typeRefs(n, r.Type, graph.EdgeReturns)
			for _, id := range r.Names {
				locals[id.Name] = receiverType(r.Type)
			}
		}
	}
	if fn.Body != nil {
		x.bodyRefs(n, fn.Body, locals)
	}
}

func (x *goFile) signature(fn *ast.FuncDecl) string {
	var sb strings.Builder
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		sb.WriteString("(" + x.text(fn.Recv.List[0]) + ") ")
	}
	sb.WriteString(fn.Name.Name)

	var params []string
	if fn.Type.Params != nil {
		for _, p := range fn.Type.Params.List {
			params = append(params, x.text(p))
		}
	}
	sb.WriteString("(" + strings.Join(params, ", ") + ")")

	if fn.Type.Results != nil && len(fn.Type.Results.List) > 0 {
		var results []string
		for _, r := range fn.Type.Results.List {
			results = append(results, x.text(r))
		}
		if len(results) == 1 && len(fn.Type.Results.List[0].Names) == 0 {
			sb.WriteString(" " + results[0])
		} else {
			sb.WriteString(" (" + strings.Join(results, ", ") + ")")
		}
	}
	return sb.String()
}

// typeRefs records references to the named types inside expr.
func (x *goFile) typeRefs(from *graph.Node, expr ast.Expr, kind graph.EdgeKind) {
	ast.Inspect(expr, func(n ast.Node) bool {
		switch t := n.(type) {
		case *ast.Ident:
			x.b.ref(from, t.Name, kind, x.line(t.Pos()), x.col(t.Pos()), nil)
			return false
		case *ast.SelectorExpr:
			if pkg, ok := t.X.(*ast.Ident); ok {
				x.b.ref(from, pkg.Name+"."+t.Sel.Name, kind, x.line(t.Pos()), x.col(t.Pos()), x.pkgMeta(pkg.Name))
			}
			return false
		case *ast.FuncType:
			// Function-typed parameters reference their own parameter types.
			return true
		}
		return true
	})
}

// bodyRefs walks a function body or initializer for calls, instantiations and
// function values passed to calls. locals maps in-scope variables to their
// declared type name, which may be empty.
func (x *goFile) bodyRefs(from *graph.Node, body ast.Node, locals map[string]string) {
	if locals == nil {
		locals = make(map[string]string)
	}
	collectLocals(body, locals)

	ast.Inspect(body, func(n ast.Node) bool {
		switch e := n.(type) {
		case *ast.CallExpr:
			x.callRef(from, e, locals)
		case *ast.CompositeLit:
			if e.Type != nil {
				x.typeRefs(from, e.Type, graph.EdgeInstantiates)
			}
		case *ast.FuncLit:
			// Closures share the enclosing function's references.
			return true
		}
		return true
	})
}

func (x *goFile) callRef(from *graph.Node, call *ast.CallExpr, locals map[string]string) {
	ln, col := x.line(call.Pos()), x.col(call.Pos())

	var callee string
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		if _, local := locals[fun.Name]; local {
			return
		}
		callee = fun.Name
		x.b.ref(from, fun.Name, graph.EdgeCalls, ln, col, nil)
	case *ast.SelectorExpr:
		id, ok := fun.X.(*ast.Ident)
		if !ok {
			// Chained calls: only the method name is known.
			callee = fun.Sel.Name
			x.b.ref(from, fun.Sel.Name, graph.EdgeCalls, ln, col, nil)
			break
		}
		callee = id.Name + "." + fun.Sel.Name
		switch typ, local := locals[id.Name]; {
		case local && typ != "":
			x.b.ref(from, fun.Sel.Name, graph.EdgeCalls, ln, col, map[string]string{graph.MetaReceiver: typ})
		case local:
			x.b.ref(from, fun.Sel.Name, graph.EdgeCalls, ln, col, nil)
		default:
			if _, ok := x.imports[id.Name]; ok {
				x.b.ref(from, callee, graph.EdgeCalls, ln, col, x.pkgMeta(id.Name))
			} else {
				// Package-level variable or type: resolve through the qualified name.
				x.b.ref(from, callee, graph.EdgeCalls, ln, col, nil)
			}
		}
	default:
		return
	}

	// Function values handed to a call, e.g. mux.HandleFunc("/", index).
	for _, arg := range call.Args {
		switch a := arg.(type) {
		case *ast.Ident:
			if _, local := locals[a.Name]; local || a.Name == "nil" || a.Name == "true" || a.Name == "false" {
				continue
			}
			x.b.ref(from, a.Name, graph.EdgeReferences, x.line(a.Pos()), x.col(a.Pos()),
				map[string]string{graph.MetaCallee: callee})
		case *ast.SelectorExpr:
			id, ok := a.X.(*ast.Ident)
			if !ok {
				continue
			}
			meta := map[string]string{graph.MetaCallee: callee}
			if typ, local := locals[id.Name]; local {
				if typ == "" {
					continue
				}
				meta[graph.MetaReceiver] = typ
				x.b.ref(from, a.Sel.Name, graph.EdgeReferences, x.line(a.Pos()), x.col(a.Pos()), meta)
				continue
			}
			if pkg, ok := x.imports[id.Name]; ok {
				meta[graph.MetaPackage] = pkg
			}
			x.b.ref(from, id.Name+"."+a.Sel.Name, graph.EdgeReferences, x.line(a.Pos()), x.col(a.Pos()), meta)
		}
	}
}

func (x *goFile) pkgMeta(local string) map[string]string {
	if p, ok := x.imports[local]; ok {
		return map[string]string{graph.MetaPackage: p}
	}
	return nil
}

// collectLocals adds names declared inside body, with their type when it is
// evident from the declaration.
func collectLocals(body ast.Node, locals map[string]string) {
	ast.Inspect(body, func(n ast.Node) bool {
		switch s := n.(type) {
		case *ast.AssignStmt:
			if s.Tok != token.DEFINE {
				return true
			}
			for i, lhs := range s.Lhs {
				id, ok := lhs.(*ast.Ident)
				if !ok || id.Name == "_" {
					continue
				}
				typ := ""
				if len(s.Rhs) == len(s.Lhs) {
					typ = literalType(s.Rhs[i])
				}
				if _, seen := locals[id.Name]; !seen || typ != "" {
					locals[id.Name] = typ
				}
			}
		case *ast.ValueSpec:
			for _, id := range s.Names {
				locals[id.Name] = receiverType(s.Type)
			}
		case *ast.RangeStmt:
			for _, e := range []ast.Expr{s.Key, s.Value} {
				if id, ok := e.(*ast.Ident); ok {
					if _, seen := locals[id.Name]; !seen {
						locals[id.Name] = ""
					}
				}
			}
		case *ast.FuncLit:
			if s.Type.Params != nil {
				for _, p := range s.Type.Params.List {
					for _, id := range p.Names {
						locals[id.Name] = receiverType(p.Type)
					}
				}
			}
		}
		return true
	})
}

// literalType returns the type name of T{}, &T{} and new(T) expressions.
func literalType(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.UnaryExpr:
		if v.Op == token.AND {
			return literalType(v.X)
		}
	case *ast.CompositeLit:
		return receiverType(v.Type)
	case *ast.CallExpr:
		if id, ok := v.Fun.(*ast.Ident); ok && id.Name == "new" && len(v.Args) == 1 {
			return receiverType(v.Args[0])
		}
	}
	return ""
}

// receiverType returns the base type name of a receiver or variable type:
// *T, T and T[P] give T. Other shapes give "".
func receiverType(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

func docText(groups ...*ast.CommentGroup) string {
	for _, g := range groups {
		if g != nil {
			return strings.TrimSpace(g.Text())
		}
	}
	return ""
}
