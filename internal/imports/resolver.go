// Package imports maps module specifiers found in import statements to the
// indexed files and exported symbols they refer to.
package imports

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// extensions are probed in order when a specifier names a file without one.
var extensions = []string{".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".php"}

// indexFiles are probed in order when a specifier names a directory.
var indexFiles = []string{
	"index.ts", "index.tsx", "index.js", "index.jsx", "index.mjs", "index.cjs",
	"__init__.py",
}

// Source is the store surface the resolver reads.
type Source interface {
	Generation(ctx context.Context) (uint64, error)
	Files(ctx context.Context) ([]*graph.FileRecord, error)
	GetNodesByFile(ctx context.Context, path string) ([]*graph.Node, error)
}

// Resolution is the outcome of resolving one specifier.
type Resolution struct {
	// Files are the repo-relative target files, sorted.
	Files []string

	// Exports are the exported symbols of Files, sorted by id.
	Exports []*graph.Node

	// FileNodes are the file nodes of Files, sorted by id.
	FileNodes []*graph.Node
}

// Empty reports whether nothing was found.
func (r Resolution) Empty() bool { return len(r.Files) == 0 }

type cacheKey struct {
	file      string
	specifier string
}

type cacheEntry struct {
	res  Resolution
	err  error
	hash string
	gen  uint64
}

// Stats reports cache effectiveness.
type Stats struct {
	Generation uint64 `json:"generation"`
	Files      int    `json:"files"`
	Entries    int    `json:"entries"`
	Hits       int    `json:"hits"`
	Misses     int    `json:"misses"`
}

// Resolver resolves import specifiers against the indexed file set.
type Resolver struct {
	src    Source
	logger *slog.Logger

	mu    sync.Mutex
	built bool
	gen   uint64
	files map[string]*graph.FileRecord
	lower map[string]string   // lowercased path -> path
	dirs  map[string][]string // directory -> files directly inside it
	cache map[cacheKey]cacheEntry
	hits  int
	miss  int
}

// New creates a resolver over src.
func New(src Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{src: src, logger: logger, cache: make(map[cacheKey]cacheEntry)}
}

// Refresh reloads the file table when the store generation moved.
func (r *Resolver) Refresh(ctx context.Context) error {
	gen, err := r.src.Generation(ctx)
	if err != nil {
		return fmt.Errorf("imports: read generation: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx, gen)
}

func (r *Resolver) refreshLocked(ctx context.Context, gen uint64) error {
	if r.built && r.gen == gen {
		return nil
	}
	recs, err := r.src.Files(ctx)
	if err != nil {
		return fmt.Errorf("imports: list files: %w", err)
	}
	r.files = make(map[string]*graph.FileRecord, len(recs))
	r.lower = make(map[string]string, len(recs))
	r.dirs = make(map[string][]string)
	for _, rec := range recs {
		r.files[rec.Path] = rec
		r.lower[strings.ToLower(rec.Path)] = rec.Path
		dir := path.Dir(rec.Path)
		r.dirs[dir] = append(r.dirs[dir], rec.Path)
	}
	for _, files := range r.dirs {
		slices.Sort(files)
	}
	// Entries from older generations can never validate again.
	clear(r.cache)
	r.gen = gen
	r.built = true
	return nil
}

// Resolve maps specifier, as written in importingFile, to indexed files.
// Specifiers that match nothing (third-party or standard library modules)
// yield an empty Resolution and a nil error. Relative specifiers that climb
// above the project root fail with apperr.ErrPathTraversal.
func (r *Resolver) Resolve(ctx context.Context, importingFile, specifier string) (Resolution, error) {
	gen, err := r.src.Generation(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("imports: read generation: %w", err)
	}

	r.mu.Lock()
	if err := r.refreshLocked(ctx, gen); err != nil {
		r.mu.Unlock()
		return Resolution{}, err
	}
	key := cacheKey{file: importingFile, specifier: specifier}
	hash := r.hashLocked(importingFile)
	if e, ok := r.cache[key]; ok && e.gen == gen && e.hash == hash {
		r.hits++
		r.mu.Unlock()
		return e.res, e.err
	}
	r.miss++
	files, err := r.locateLocked(importingFile, specifier)
	r.mu.Unlock()

	var res Resolution
	if err == nil && len(files) > 0 {
		res, err = r.load(ctx, files)
		if err != nil {
			// Store failures are not cached.
			return Resolution{}, err
		}
	}

	r.mu.Lock()
	if r.gen == gen {
		r.cache[key] = cacheEntry{res: res, err: err, hash: hash, gen: gen}
	}
	r.mu.Unlock()
	return res, err
}

func (r *Resolver) hashLocked(file string) string {
	if rec, ok := r.files[file]; ok {
		return rec.Hash
	}
	return ""
}

// locateLocked finds the target files of specifier without touching nodes.
func (r *Resolver) locateLocked(importingFile, specifier string) ([]string, error) {
	spec := strings.TrimSpace(specifier)
	if spec == "" {
		return nil, nil
	}
	dir := path.Dir(importingFile)

	switch {
	case isRelative(spec):
		target := path.Join(dir, spec)
		if escapes(target) {
			return nil, apperr.NewItemError(apperr.ErrPathTraversal, specifier, nil)
		}
		return r.probeLocked(target), nil

	case strings.HasPrefix(spec, "."):
		target, ok := pythonRelative(dir, spec)
		if !ok {
			return nil, apperr.NewItemError(apperr.ErrPathTraversal, specifier, nil)
		}
		return r.probeLocked(target), nil

	case strings.HasPrefix(spec, "/"):
		return nil, apperr.NewItemError(apperr.ErrPathTraversal, specifier, nil)
	}

	if files := r.probeLocked(path.Clean(spec)); len(files) > 0 {
		return files, nil
	}
	if strings.Contains(spec, "/") {
		if files := r.packageDirLocked(spec); len(files) > 0 {
			return files, nil
		}
	}
	if strings.Contains(spec, ".") && !strings.Contains(spec, "/") {
		if files := r.probeLocked(strings.ReplaceAll(spec, ".", "/")); len(files) > 0 {
			return files, nil
		}
	}
	return nil, nil
}

// probeLocked tries the exact path, extension variants, index files and finally
// a case-insensitive match of each.
func (r *Resolver) probeLocked(target string) []string {
	candidates := []string{target}
	for _, ext := range extensions {
		candidates = append(candidates, target+ext)
	}
	for _, idx := range indexFiles {
		candidates = append(candidates, path.Join(target, idx))
	}

	for _, c := range candidates {
		if _, ok := r.files[c]; ok {
			return []string{c}
		}
	}
	if gf := goFiles(r.dirs[target]); len(gf) > 0 {
		return gf
	}
	for _, c := range candidates {
		if p, ok := r.lower[strings.ToLower(c)]; ok {
			return []string{p}
		}
	}
	return nil
}

// packageDirLocked matches a Go import path against indexed directories by the
// longest trailing run of path segments.
func (r *Resolver) packageDirLocked(spec string) []string {
	parts := strings.Split(spec, "/")
	for i := 0; i < len(parts); i++ {
		suffix := strings.Join(parts[i:], "/")
		if files, ok := r.dirs[suffix]; ok {
			if gf := goFiles(files); len(gf) > 0 {
				return gf
			}
		}
	}
	return nil
}

func goFiles(files []string) []string {
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f, ".go") && !strings.HasSuffix(f, "_test.go") {
			out = append(out, f)
		}
	}
	return out
}

func (r *Resolver) load(ctx context.Context, files []string) (Resolution, error) {
	res := Resolution{Files: slices.Clone(files)}
	slices.Sort(res.Files)
	for _, f := range res.Files {
		nodes, err := r.src.GetNodesByFile(ctx, f)
		if err != nil {
			return Resolution{}, fmt.Errorf("imports: load %s: %w", f, err)
		}
		for _, n := range nodes {
			switch {
			case n.Kind == graph.NodeFile:
				res.FileNodes = append(res.FileNodes, n)
			case n.Kind == graph.NodeImport:
			case n.IsExported:
				res.Exports = append(res.Exports, n)
			}
		}
	}
	byID := func(a, b *graph.Node) int { return strings.Compare(a.ID, b.ID) }
	slices.SortFunc(res.Exports, byID)
	slices.SortFunc(res.FileNodes, byID)
	return res, nil
}

// Stats reports cache counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Generation: r.gen, Files: len(r.files), Entries: len(r.cache), Hits: r.hits, Misses: r.miss}
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func escapes(p string) bool {
	return p == ".." || strings.HasPrefix(p, "../") || path.IsAbs(p)
}

// pythonRelative resolves a dotted relative module such as "..utils.http".
// One leading dot is the importer's package; each further dot climbs a level.
func pythonRelative(dir, spec string) (string, bool) {
	dots := len(spec) - len(strings.TrimLeft(spec, "."))
	rest := strings.ReplaceAll(spec[dots:], ".", "/")
	base := dir
	for i := 1; i < dots; i++ {
		if base == "." {
			return "", false
		}
		base = path.Dir(base)
	}
	target := path.Join(base, rest)
	if escapes(target) {
		return "", false
	}
	return target, true
}
