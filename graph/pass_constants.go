package graph

import (
	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// propagateConstants folds the constant subgraph: every node whose whole
// dependency cone is constant and that feeds a non-constant consumer (or is an
// output) is replaced by baked data in its resolved layout. The interior of
// the cone then dangles and is swept away.
func (p *Program) propagateConstants() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || !n.constant || n.Kind().IsDataInput() {
			continue
		}
		exit := n.isOutput
		for _, userID := range n.users {
			if !p.nodes[userID].constant {
				exit = true
				break
			}
		}
		if !exit {
			continue
		}
		l, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		for _, depID := range n.Dependencies() {
			if err := p.RemoveConnection(depID, id); err != nil {
				return err
			}
		}
		baked, err := p.GetOrCreate(&ops.Primitive{
			ID:    id + "_baked",
			Kind:  ops.KindData,
			Input: &ops.InputParams{Layout: l},
		})
		if err != nil {
			return err
		}
		if err := p.Replace(n, baked); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: propagated constant cone into %q", p.id, id)
	}

	p.sweepDanglingConstants()
	return nil
}

// sweepDanglingConstants iteratively removes non-output constant endpoints,
// unused baked weights included; each removal may expose new ones further up
// the cone.
func (p *Program) sweepDanglingConstants() {
	for {
		var toRemove []*Node
		for _, id := range sortedNodeIDs(p.nodes) {
			n := p.nodes[id]
			if n.constant && n.IsEndpoint() && !n.isOutput {
				toRemove = append(toRemove, n)
			}
		}
		if len(toRemove) == 0 {
			return
		}
		p.RemoveNodes(toRemove)
	}
}

// prepareBufferFusing marks nodes that can become zero-copy views of a
// neighbor's buffer: padding-free single-consumer crops (a view at an offset)
// and concatenations whose inputs can write directly into the joined buffer.
func (p *Program) prepareBufferFusing() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.isOutput || n.HasFusedPrimitives() {
			continue
		}
		switch n.Kind() {
		case ops.KindCrop:
			if len(n.deps) != 1 {
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
			if input.DataPadding.IsZero() && out.DataPadding.IsZero() &&
				!input.Format.Blocked() {
				n.optimized = true
			}
		case ops.KindConcat:
			out, err := p.ResolveOutputLayout(n)
			if err != nil {
				return err
			}
			if !out.DataPadding.IsZero() || out.Format.Blocked() {
				continue
			}
			fusible := true
			for slot := range n.deps {
				dep := p.nodes[n.deps[slot]]
				input, err := p.depLayout(n, slot)
				if err != nil {
					return err
				}
				if len(dep.users) != 1 || !input.DataPadding.IsZero() ||
					input.Format != out.Format || dep.CanBeOptimized() {
					fusible = false
					break
				}
			}
			if fusible {
				n.optimized = true
			}
		}
	}
	return nil
}

// updateLoopPrimitiveMap re-targets loop id mappings whose referenced node was
// optimized out, following the ledger to the surviving node.
func (p *Program) updateLoopPrimitiveMap() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindLoop || n.prim.Loop == nil {
			continue
		}
		params := n.prim.Loop
		for outerID, bodyID := range params.PrimitiveMap {
			if p.HasNode(outerID) {
				continue
			}
			replacement := p.OptimizedOutReplacement(outerID)
			delete(params.PrimitiveMap, outerID)
			if len(replacement) > 0 && p.HasNode(replacement[0]) {
				params.PrimitiveMap[replacement[0]] = bodyID
			}
		}
	}
	return nil
}
