package graph

import (
	"slices"

	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/clgraph/clgraph/types"
)

// Node is the mutable graph unit wrapping an immutable Primitive descriptor
// with live edges, resolved layout and flags.
//
// Nodes are owned exclusively by the Program's id-keyed map; dependency and
// user edges are plain id lists resolved through that map, so there are no
// ownership cycles. The dependency slice is ordered: the slice index is the
// input slot.
type Node struct {
	prim *ops.Primitive

	deps  []string
	users []string

	outputLayout layout.Layout
	layoutValid  bool

	constant bool
	dataFlow bool
	isInput  bool
	isOutput bool

	// optimized marks nodes that became in-place views of a neighbor's buffer
	// (no-op reorders, buffer-fused crops/concats).
	optimized bool

	fused []FusedPrimitive

	// selectedImpl and kernelID are set by the compile stage.
	selectedImpl backends.Implementation
	kernelID     string

	// memDeps is the set of node ids whose device buffer must not be reused
	// for this node's output. Sub-analyses only ever add to it.
	memDeps types.Set[string]
}

// FusedPrimitive records one peer operation absorbed into a node by fusion.
type FusedPrimitive struct {
	// Desc is the absorbed operation's own descriptor.
	Desc *ops.Primitive

	// DepStartIdx is the first dependency slot of the absorbing node that the
	// peer contributed; TotalNumDeps how many dependencies the peer had.
	DepStartIdx  int
	TotalNumDeps int

	// InputLayout and OutputLayout are the peer's layouts at fusion time.
	InputLayout  layout.Layout
	OutputLayout layout.Layout

	// Activation is the at-most-one activation function chained on the peer.
	Activation  ops.Activation
	ActivationA float32
	ActivationB float32

	// Deps lists the peer dependencies re-parented onto the absorbing node,
	// with their new slot indices.
	Deps []FusedDep

	// FusedDeps maps ids of operations that had previously been fused into
	// the peer's users, keeping transitive provenance recoverable.
	FusedDeps map[string]int
}

// FusedDep is one re-parented dependency of a fused peer.
type FusedDep struct {
	ID   string
	Slot int
}

// ID returns the node's identifier, unique within its Program and stable until
// explicitly renamed.
func (n *Node) ID() string { return n.prim.ID }

// Kind returns the operation kind.
func (n *Node) Kind() ops.Kind { return n.prim.Kind }

// Primitive returns the node's immutable descriptor.
func (n *Node) Primitive() *ops.Primitive { return n.prim }

// Dependencies returns the node's dependency ids in input-slot order.
// The returned slice is a copy.
func (n *Node) Dependencies() []string { return slices.Clone(n.deps) }

// Users returns the ids of the nodes consuming this node's output.
// The returned slice is a copy.
func (n *Node) Users() []string { return slices.Clone(n.users) }

// NumDependencies returns the number of dependency edges.
func (n *Node) NumDependencies() int { return len(n.deps) }

// IsInput reports whether the node feeds the graph (no dependencies at
// construction time).
func (n *Node) IsInput() bool { return n.isInput }

// IsOutput reports whether the node's result is requested by the caller.
// Output nodes are never silently deleted.
func (n *Node) IsOutput() bool { return n.isOutput }

// IsConstant reports whether the node and its whole dependency cone are
// constant.
func (n *Node) IsConstant() bool { return n.constant }

// InDataFlow reports whether the node participates in the main data flow (as
// opposed to weight/parameter plumbing).
func (n *Node) InDataFlow() bool { return n.dataFlow }

// IsEndpoint reports whether no node consumes this node's output.
func (n *Node) IsEndpoint() bool { return len(n.users) == 0 }

// IsDangling reports whether the node has neither dependencies nor users.
func (n *Node) IsDangling() bool { return len(n.deps) == 0 && len(n.users) == 0 }

// CanBeOptimized reports whether the node was marked as an in-place view.
func (n *Node) CanBeOptimized() bool { return n.optimized }

// FusedPrimitives returns the peers fused into this node, oldest first.
func (n *Node) FusedPrimitives() []FusedPrimitive { return slices.Clone(n.fused) }

// HasFusedPrimitives reports whether any peer was fused into this node.
func (n *Node) HasFusedPrimitives() bool { return len(n.fused) > 0 }

// SelectedImplementation returns the chosen device implementation, nil before
// the compile stage ran.
func (n *Node) SelectedImplementation() backends.Implementation { return n.selectedImpl }

// MemoryDependencies returns the ids of nodes whose buffers must not alias
// this node's output buffer.
func (n *Node) MemoryDependencies() []string {
	return types.SortedKeys(n.memDeps)
}

// addMemoryDependency records a must-not-alias constraint. It never removes
// one.
func (n *Node) addMemoryDependency(id string) {
	if n.memDeps == nil {
		n.memDeps = types.MakeSet[string]()
	}
	n.memDeps.Insert(id)
}

// OutputLayout returns the node's resolved output layout. It is only valid
// after layout resolution; use Program.ResolveOutputLayout to force it.
func (n *Node) OutputLayout() layout.Layout { return n.outputLayout }

// HasValidOutputLayout reports whether the output layout has been resolved
// since the last invalidating edit.
func (n *Node) HasValidOutputLayout() bool { return n.layoutValid }

// setOutputLayout caches the layout, optionally leaving it marked stale.
func (n *Node) setOutputLayout(l layout.Layout, valid bool) {
	n.outputLayout = l
	n.layoutValid = valid
}

// invalidateLayout marks the cached output layout stale.
func (n *Node) invalidateLayout() { n.layoutValid = false }

// mergeOutputPadding grows the node's output padding to at least the given
// padding.
func (n *Node) mergeOutputPadding(padding layout.Padding) {
	n.outputLayout.DataPadding = layout.Max(n.outputLayout.DataPadding, padding)
}

// dependencySlot returns the first slot at which id appears as a dependency,
// or -1.
func (n *Node) dependencySlot(id string) int {
	return slices.Index(n.deps, id)
}

// hasUser reports whether id consumes this node.
func (n *Node) hasUser(id string) bool {
	return slices.Contains(n.users, id)
}
