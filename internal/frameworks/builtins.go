package frameworks

import (
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

func wordSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// vocabularies lists, per language, names provided by the language runtime.
var vocabularies = map[string]map[string]bool{
	"go": wordSet(`
		append cap clear close complex copy delete imag len make max min new panic print println real recover
		bool byte complex64 complex128 error float32 float64 int int8 int16 int32 int64
		rune string uint uint8 uint16 uint32 uint64 uintptr any comparable iota nil true false`),
	"python": wordSet(`
		abs all any bool breakpoint bytearray bytes callable chr classmethod compile delattr dict dir divmod
		enumerate eval exec filter float format frozenset getattr globals hasattr hash help hex id input int
		isinstance issubclass iter len list locals map max min next object oct open ord pow print property
		range repr reversed round set setattr slice sorted staticmethod str sum super tuple type vars zip
		Exception BaseException ValueError TypeError KeyError IndexError RuntimeError AttributeError
		NotImplementedError StopIteration OSError IOError ImportError AssertionError`),
	"javascript": wordSet(`
		console require module exports setTimeout setInterval clearTimeout clearInterval queueMicrotask
		Promise Array Object JSON Math String Number Boolean Date Error TypeError RangeError Map Set WeakMap
		WeakSet Symbol RegExp BigInt Reflect Proxy parseInt parseFloat isNaN isFinite fetch structuredClone
		encodeURIComponent decodeURIComponent window document globalThis process Buffer`),
	"php": wordSet(`
		echo print isset unset empty array count strlen str_replace explode implode in_array array_map
		array_filter array_merge array_keys array_values sprintf printf json_encode json_decode var_dump
		print_r is_array is_string is_null intval strval trim substr strpos`),
}

func init() {
	vocabularies["typescript"] = vocabularies["javascript"]
}

// Builtins drops references to names the language runtime provides.
type Builtins struct{}

func NewBuiltins() *Builtins { return &Builtins{} }

func (*Builtins) Name() string { return "builtins" }

// Skip reports whether ref names a builtin of its language. Go references
// qualified by a standard library package (an import path whose first
// element has no dot) are skipped as well.
func (*Builtins) Skip(ref *graph.UnresolvedReference) bool {
	vocab := vocabularies[ref.Language]
	if vocab == nil {
		return false
	}
	if vocab[ref.Name] {
		return true
	}
	switch ref.Language {
	case "go":
		if pkg := ref.Metadata[graph.MetaPackage]; pkg != "" {
			first, _, _ := strings.Cut(pkg, "/")
			return !strings.Contains(first, ".")
		}
	case "javascript", "typescript":
		if q := graph.Qualifier(ref.Name); q != "" {
			return vocab[q]
		}
	}
	return false
}
