// Package ingestion keeps the graph store in step with the files of a repository.
package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
	"github.com/southerncoder/codegraph-sub000/internal/extract"
)

// FileEntry is a supported file found on disk.
type FileEntry struct {
	// Path is slash-separated and relative to the repository root.
	Path string

	AbsPath  string
	Language string
	Size     int64

	// Hash is the hex sha256 of the content.
	Hash string
}

// Default patterns to ignore in addition to .gitignore files.
var defaultIgnorePatterns = []string{
	".git/",
	".codegraph/",
	"node_modules/",
	"__pycache__/",
	".venv/",
	"venv/",
	".tox/",
	".eggs/",
	"*.egg-info/",
	".pytest_cache/",
	".mypy_cache/",
	"coverage/",
	"htmlcov/",
	"dist/",
	"*.min.js",
	".DS_Store",
}

// Walker lists the files of a repository that an extractor supports.
type Walker struct {
	Root string

	// Include, when set, restricts files to those matching one of the doublestar globs.
	Include []string
	Exclude []string

	// MaxFileSize skips larger files. Zero means no limit.
	MaxFileSize int64

	Registry *extract.Registry
	Logger   *slog.Logger
}

// Walk returns the supported files under Root in lexical order. Files that could
// not be read are reported in the BatchError and left out of the listing.
func (w *Walker) Walk(ctx context.Context) ([]FileEntry, *apperr.BatchError, error) {
	registry := w.registry()
	var entries []FileEntry
	skipped, err := w.walk(ctx, nil, func(abs, rel string, d fs.DirEntry, skipped *apperr.BatchError) {
		if !w.selected(rel) {
			return
		}
		info, err := d.Info()
		if err != nil {
			skipped.Add(apperr.NewItemError(apperr.ErrExtraction, rel, err))
			return
		}
		if w.MaxFileSize > 0 && info.Size() > w.MaxFileSize {
			w.logger().Debug("skipping large file", "path", rel, "size", info.Size())
			return
		}
		hash, err := hashFile(abs)
		if err != nil {
			skipped.Add(apperr.NewItemError(apperr.ErrExtraction, rel, err))
			return
		}
		ext, _ := registry.ForPath(rel)
		entries = append(entries, FileEntry{
			Path:     rel,
			AbsPath:  abs,
			Language: ext.Language(),
			Size:     info.Size(),
			Hash:     hash,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, skipped, nil
}

// Dirs returns the absolute paths of the directories Walk descends into.
func (w *Walker) Dirs(ctx context.Context) ([]string, error) {
	var dirs []string
	_, err := w.walk(ctx, func(abs string) { dirs = append(dirs, abs) }, nil)
	return dirs, err
}

// walk visits the directories and supported files under Root that no ignore
// pattern excludes.
func (w *Walker) walk(ctx context.Context, onDir func(abs string), onFile func(abs, rel string, d fs.DirEntry, skipped *apperr.BatchError)) (*apperr.BatchError, error) {
	registry := w.registry()
	patterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns))
	for _, p := range defaultIgnorePatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	var skipped apperr.BatchError
	err := filepath.WalkDir(w.Root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if abs == w.Root {
				return err
			}
			skipped.Add(apperr.NewItemError(apperr.ErrExtraction, abs, err))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(w.Root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		parts := splitPath(rel)

		if d.IsDir() {
			if rel == "." {
				parts = nil
			} else if gitignore.NewMatcher(patterns).Match(parts, true) {
				return filepath.SkipDir
			}
			// Nested .gitignore files apply below their own directory.
			local, err := readGitignore(filepath.Join(abs, ".gitignore"), parts)
			if err != nil {
				skipped.Add(apperr.NewItemError(apperr.ErrExtraction, path.Join(rel, ".gitignore"), err))
			}
			patterns = append(patterns, local...)
			if onDir != nil {
				onDir(abs)
			}
			return nil
		}

		if onFile == nil || !d.Type().IsRegular() || !registry.Supported(rel) {
			return nil
		}
		if gitignore.NewMatcher(patterns).Match(parts, false) {
			return nil
		}
		onFile(abs, rel, d, &skipped)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", w.Root, err)
	}
	return &skipped, nil
}

func (w *Walker) registry() *extract.Registry {
	if w.Registry == nil {
		return extract.DefaultRegistry()
	}
	return w.Registry
}

func (w *Walker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// selected applies the include and exclude globs.
func (w *Walker) selected(rel string) bool {
	for _, p := range w.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	if len(w.Include) == 0 {
		return true
	}
	for _, p := range w.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// readGitignore parses a .gitignore file. A missing file yields no patterns.
func readGitignore(file string, domain []string) ([]gitignore.Pattern, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, domain))
	}
	return patterns, scanner.Err()
}

func hashFile(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// splitPath splits a slash-separated path into its components.
func splitPath(p string) []string {
	return strings.Split(p, "/")
}
