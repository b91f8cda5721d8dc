package frameworks

import (
	"context"
	"strings"

	"github.com/southerncoder/codegraph-sub000/internal/graph"
)

// ReceiverMethods suggests methods declared on the receiver type a call was made through.
type ReceiverMethods struct{}

func NewReceiverMethods() *ReceiverMethods { return &ReceiverMethods{} }

func (*ReceiverMethods) Name() string { return "receiver-methods" }

func (*ReceiverMethods) Suggest(ctx context.Context, ref *graph.UnresolvedReference, lookup Lookup) ([]string, error) {
	recv := strings.TrimLeft(ref.Metadata[graph.MetaReceiver], "*&")
	if recv == "" {
		return nil, nil
	}
	name := ref.Name
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	suffix := recv + "." + name

	ids, err := lookup.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		n, err := lookup.Node(ctx, id)
		if err != nil {
			return nil, err
		}
		if n == nil || n.Kind != graph.NodeMethod {
			continue
		}
		if n.QualifiedName == suffix || strings.HasSuffix(n.QualifiedName, "."+suffix) {
			out = append(out, id)
		}
	}
	return out, nil
}
