package graph

// Compatibility levels of a candidate node kind for a reference kind.
const (
	CompatNever      = 0
	CompatAcceptable = 1
	CompatPreferred  = 2
)

var typeLikeKinds = map[NodeKind]int{
	NodeClass:     CompatPreferred,
	NodeStruct:    CompatPreferred,
	NodeInterface: CompatPreferred,
	NodeTrait:     CompatPreferred,
	NodeEnum:      CompatPreferred,
	NodeTypeAlias: CompatPreferred,
}

var compatTable = map[EdgeKind]map[NodeKind]int{
	EdgeCalls: {
		NodeFunction: CompatPreferred,
		NodeMethod:   CompatPreferred,
		NodeClass:    CompatAcceptable,
		NodeStruct:   CompatAcceptable,
		NodeVariable: CompatAcceptable,
	},
	EdgeInstantiates: {
		NodeClass:     CompatPreferred,
		NodeStruct:    CompatPreferred,
		NodeTypeAlias: CompatAcceptable,
	},
	EdgeExtends: {
		NodeClass:     CompatPreferred,
		NodeStruct:    CompatPreferred,
		NodeInterface: CompatPreferred,
		NodeTrait:     CompatPreferred,
		NodeTypeAlias: CompatAcceptable,
	},
	EdgeImplements: {
		NodeInterface: CompatPreferred,
		NodeTrait:     CompatPreferred,
		NodeClass:     CompatAcceptable,
	},
	EdgeTypeOf:  typeLikeKinds,
	EdgeReturns: typeLikeKinds,
	EdgeDecorates: {
		NodeFunction: CompatPreferred,
		NodeClass:    CompatPreferred,
		NodeMethod:   CompatAcceptable,
		NodeVariable: CompatAcceptable,
	},
	EdgeOverrides: {
		NodeMethod: CompatPreferred,
	},
	EdgeImports: {
		NodeFile:   CompatPreferred,
		NodeModule: CompatPreferred,
	},
}

// Compatibility scores how well a node of the given kind fits as the target of a
// reference of the given kind. CompatNever excludes the node as a candidate.
func Compatibility(ref EdgeKind, target NodeKind) int {
	if ref == EdgeContains {
		return CompatNever
	}
	if row, ok := compatTable[ref]; ok {
		return row[target]
	}
	// references, exports and anything unknown accept any symbol.
	switch target {
	case NodeFile, NodeImport, NodeModule:
		return CompatNever
	}
	return CompatPreferred
}
