package graph

import (
	"fmt"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// reorderFactory creates and reuses format-conversion adapter nodes. Two
// consumers needing the same source in the same target layout share one
// adapter.
type reorderFactory struct {
	p     *Program
	cache map[string]string
}

func newReorderFactory(p *Program) *reorderFactory {
	return &reorderFactory{p: p, cache: make(map[string]string)}
}

// get returns a reorder node converting src's output to target, creating it if
// this (source, target) pair was not requested before.
func (rf *reorderFactory) get(srcID string, target layout.Layout) (*Node, bool, error) {
	key := srcID + "|" + target.String()
	if id, found := rf.cache[key]; found {
		if n, alive := rf.p.nodes[id]; alive {
			return n, true, nil
		}
	}
	id := fmt.Sprintf("reorder:%s:%s", srcID, target.Format)
	for rf.p.HasNode(id) {
		id += "_"
	}
	n, err := rf.p.GetOrCreate(&ops.Primitive{
		ID:      id,
		Kind:    ops.KindReorder,
		Reorder: &ops.ReorderParams{Target: target},
	})
	if err != nil {
		return nil, false, err
	}
	rf.cache[key] = id
	return n, false, nil
}

// insert places a (possibly shared) adapter on the edge feeding consumer's
// input slot.
func (rf *reorderFactory) insert(consumer *Node, slot int, target layout.Layout) error {
	srcID := consumer.deps[slot]
	adapter, reused, err := rf.get(srcID, target)
	if err != nil {
		return err
	}
	if reused {
		// The adapter already hangs off the source: just redirect the edge.
		return rf.p.replaceDependency(consumer, slot, adapter.ID())
	}
	return rf.p.AddIntermediate(adapter, consumer, slot, true, false)
}

// reorderInputs materializes the layout optimizer's format preferences:
// every fusion target whose input format differs from the preferred one gets
// a conversion on its first input.
func (p *Program) reorderInputs() error {
	rf := newReorderFactory(p)
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive {
			continue
		}
		format := p.PreferredFormat(id)
		if format == layout.FormatAny || len(n.deps) == 0 {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		if input.Format == format {
			continue
		}
		target := input.WithFormat(format)
		target.DataPadding = layout.Padding{}
		if err := rf.insert(n, 0, target); err != nil {
			return err
		}
		n.invalidateLayout()
		klog.V(2).Infof("program %d: reordering input of %q from %s to %s",
			p.id, id, input.Format, format)
	}
	return nil
}

// addRequiredReorders is the correctness net under the heuristic passes: any
// edge whose producer format the consumer has no kernel for gets a conversion
// to the plain format.
func (p *Program) addRequiredReorders() error {
	rf := newReorderFactory(p)
	selector := p.engine.Selector()
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind().IsDataInput() {
			continue
		}
		for slot := 0; slot < len(n.deps); slot++ {
			input, err := p.depLayout(n, slot)
			if err != nil {
				return err
			}
			if selector.FormatSupported(n.Kind(), input, input.Format) {
				continue
			}
			target := input.Clone()
			target.Format = plainFormatFor(input)
			target.DataPadding = layout.Padding{}
			if err := rf.insert(n, slot, target); err != nil {
				return err
			}
			n.invalidateLayout()
		}
	}
	return nil
}

// plainFormatFor picks the unblocked format of matching spatial rank.
func plainFormatFor(l layout.Layout) layout.Format {
	if l.Format.SpatialRank() == 3 || len(l.Dims) == 5 {
		return layout.FormatBFZYX
	}
	return layout.FormatBFYX
}

// removeRedundantReorders drops identity conversions and collapses chains of
// consecutive conversions into their last element.
func (p *Program) removeRedundantReorders() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindReorder || len(n.deps) != 1 {
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
		if input.Equal(out) {
			if err := p.ExtractAndRemove(n); err != nil {
				return err
			}
			klog.V(2).Infof("program %d: removed identity reorder %q", p.id, id)
			continue
		}

		// reorder -> reorder: the second conversion fully defines the final
		// layout, so a fully-specified one absorbs an exclusive predecessor.
		prev := p.nodes[n.deps[0]]
		if prev.Kind() != ops.KindReorder || len(prev.users) != 1 || prev.isOutput {
			continue
		}
		if prev.HasFusedPrimitives() || !fullySpecifiedReorder(n.prim) {
			continue
		}
		if err := p.ExtractAndRemove(prev); err != nil {
			return err
		}
		n.invalidateLayout()
		klog.V(2).Infof("program %d: collapsed reorder chain into %q", p.id, id)
	}
	return nil
}

// fullySpecifiedReorder reports whether the descriptor pins both format and
// element type of its output, making any preceding conversion irrelevant.
func fullySpecifiedReorder(prim *ops.Primitive) bool {
	if prim.Reorder == nil {
		return false
	}
	target := prim.Reorder.Target
	return target.Format != layout.FormatAny && target.Ok()
}

// postInputReorder feeds host-side implementations from plain-format buffers:
// the host code reads tensors element-wise and has no blocked-format paths.
func (p *Program) postInputReorder() error {
	rf := newReorderFactory(p)
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.selectedImpl == nil || !n.selectedImpl.IsCPU() {
			continue
		}
		if len(n.deps) == 0 {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		if !input.Format.Blocked() {
			continue
		}
		target := input.WithFormat(plainFormatFor(input))
		target.DataPadding = layout.Padding{}
		if err := rf.insert(n, 0, target); err != nil {
			return err
		}
		n.invalidateLayout()
	}
	return nil
}

// postOptimizeWeights converts the weights of blocked-input nodes into the
// matching blocked arrangement. The conversion node inherits the constant flag
// of the weights, so the following constant propagation folds it away into
// baked data.
func (p *Program) postOptimizeWeights() error {
	rf := newReorderFactory(p)
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive {
			continue
		}
		switch n.Kind() {
		case ops.KindConvolution, ops.KindBinaryConvolution, ops.KindDeconvolution,
			ops.KindFullyConnected:
		default:
			continue
		}
		if len(n.deps) < 2 {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		if !input.Format.Blocked() {
			continue
		}
		weights, err := p.depLayout(n, 1)
		if err != nil {
			return err
		}
		if weights.Format == input.Format {
			continue
		}
		target := weights.WithFormat(input.Format)
		target.DataPadding = layout.Padding{}
		if err := rf.insert(n, 1, target); err != nil {
			return err
		}
		n.invalidateLayout()
	}
	return nil
}

// removeOutputReorders splices out trailing output conversions whose result
// matches the producer anyway; the output id migrates to the producer.
func (p *Program) removeOutputReorders() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindReorder || !n.isOutput {
			continue
		}
		if len(n.deps) != 1 || n.HasFusedPrimitives() {
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
		if input.DType != out.DType || input.Format != out.Format {
			continue
		}
		prev := p.nodes[n.deps[0]]
		if prev.isOutput || prev.Kind().IsDataInput() {
			continue
		}
		if err := p.ExtractAndRemove(n); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: output reorder %q folded into %q", p.id, id, prev.ID())
	}
	return nil
}
