package graph

import (
	"slices"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// stridedSliceOptimize removes strided-slice nodes that pass their input
// through unchanged.
func (p *Program) stridedSliceOptimize() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindStridedSlice {
			continue
		}
		if len(n.deps) == 0 || n.HasFusedPrimitives() {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		out, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		if !slices.Equal(input.Dims, out.Dims) || input.DType != out.DType {
			continue
		}
		// The extra begin/end/stride inputs become dangling constants; the
		// constant sweep collects them.
		for len(n.deps) > 1 {
			if err := p.RemoveConnection(n.deps[len(n.deps)-1], id); err != nil {
				return err
			}
		}
		if err := p.ExtractAndRemove(n); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: removed pass-through strided slice %q", p.id, id)
	}
	return nil
}

// handleReshape removes reshapes that do not change the dimensions. A
// count-preserving reshape with different dims stays: it is the consumer's
// view change.
func (p *Program) handleReshape() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindReshape || len(n.deps) != 1 {
			continue
		}
		if n.HasFusedPrimitives() {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		out, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		if !slices.Equal(input.Dims, out.Dims) || !input.DataPadding.IsZero() {
			continue
		}
		if err := p.ExtractAndRemove(n); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: removed identity reshape %q", p.id, id)
	}
	return nil
}

// preparePadding grows producer output padding to what the sliding-window
// kernels read around their input.
func (p *Program) preparePadding() error {
	rf := newReorderFactory(p)
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive {
			continue
		}
		switch n.Kind() {
		case ops.KindConvolution, ops.KindBinaryConvolution, ops.KindDeconvolution,
			ops.KindPooling:
		default:
			continue
		}
		needed := p.neededInputPadding(n)
		if needed.IsZero() || len(n.deps) == 0 {
			continue
		}
		if err := p.applyNeededPadding(rf, n, needed); err != nil {
			return err
		}
	}
	return nil
}

// ApplyNeededPadding grows the padding of the node's first input to at least
// needed: data inputs get an explicit padding reorder (their buffers come from
// the caller and cannot grow), computed producers grow in place.
func (p *Program) ApplyNeededPadding(n *Node, needed layout.Padding) error {
	return p.applyNeededPadding(newReorderFactory(p), n, needed)
}

func (p *Program) applyNeededPadding(rf *reorderFactory, n *Node, needed layout.Padding) error {
	producer := p.nodes[n.deps[0]]
	input, err := p.ResolveOutputLayout(producer)
	if err != nil {
		return err
	}
	if layout.Max(input.DataPadding, needed).Equal(input.DataPadding) {
		return nil
	}
	if producer.Kind().IsDataInput() {
		target := input.Clone()
		target.DataPadding = layout.Max(input.DataPadding, needed)
		if err := rf.insert(n, 0, target); err != nil {
			return err
		}
	} else {
		producer.mergeOutputPadding(needed)
	}
	n.invalidateLayout()
	return nil
}

// neededInputPadding computes the border the node's kernel reads outside the
// logical input: the declared pad elements per spatial axis, symmetric, with
// zero batch and feature components.
func (p *Program) neededInputPadding(n *Node) layout.Padding {
	var pad []int
	switch {
	case n.prim.Conv != nil:
		pad = n.prim.Conv.Pad
	case n.prim.Pool != nil:
		pad = n.prim.Pool.Pad
	default:
		return layout.Padding{}
	}
	if !anyAbove(pad, 0) {
		return layout.Padding{}
	}
	border := make([]int, 2+len(pad))
	copy(border[2:], pad)
	return layout.MakePadding(border, slices.Clone(border))
}
