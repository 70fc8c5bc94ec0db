package graph

import (
	"github.com/clgraph/clgraph/ops"
	"github.com/clgraph/clgraph/types"
	"k8s.io/klog/v2"
)

// trimToOutputs removes every node that no declared output depends on. Debug
// builds keep the whole graph: every intermediate stays queryable.
func (p *Program) trimToOutputs() error {
	if p.config.DebugBuild || len(p.outputs) == 0 {
		return nil
	}
	reachable := types.MakeSet[string]()
	stack := make([]string, 0, len(p.outputs))
	for _, id := range p.outputs {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable.Has(id) {
			continue
		}
		reachable.Insert(id)
		n, alive := p.nodes[id]
		if !alive {
			continue
		}
		stack = append(stack, n.deps...)
	}

	var unreachable []*Node
	for _, id := range sortedNodeIDs(p.nodes) {
		if !reachable.Has(id) {
			unreachable = append(unreachable, p.nodes[id])
		}
	}
	if len(unreachable) > 0 {
		klog.V(1).Infof("program %d: trimming %d nodes unreachable from the outputs", p.id, len(unreachable))
		p.RemoveNodes(unreachable)
		p.order.CalculateBFS(p)
	}
	return nil
}

// handleInputPadding folds descriptor-requested padding on graph inputs into
// their declared layouts, before any pass reads them.
func (p *Program) handleInputPadding() error {
	for _, id := range sortedNodeIDs(p.nodes) {
		n := p.nodes[id]
		if !n.Kind().IsDataInput() || n.prim.OutputPadding.IsZero() {
			continue
		}
		n.mergeOutputPadding(n.prim.OutputPadding)
	}
	return nil
}

// reverseOptionalNodesOutputs drops split outputs that were declared but never
// consumed. The synthesized crop reads nothing anybody needs, so it is spliced
// out and removed.
func (p *Program) reverseOptionalNodesOutputs() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindCrop {
			continue
		}
		if !n.IsEndpoint() || n.isOutput || len(n.deps) != 1 {
			continue
		}
		if p.nodes[n.deps[0]].Kind() != ops.KindSplit && !isSplitOutputID(id) {
			continue
		}
		if err := p.ExtractAndRemove(n); err != nil {
			return err
		}
	}
	return nil
}

// isSplitOutputID recognizes the "<split>:<output>" ids AddSplitOutputs
// synthesizes.
func isSplitOutputID(id string) bool {
	for _, c := range id {
		if c == ':' {
			return true
		}
	}
	return false
}

// analyzeOutputSizes records whether any declared output size disagrees with
// the computed sliding-window one, then force-resolves every layout so that
// later passes find the caches warm and layout errors surface here.
func (p *Program) analyzeOutputSizes() error {
	handling, err := p.analyzeOutputSizeHandling()
	if err != nil {
		return err
	}
	p.outputSizeHandling = handling

	for _, id := range p.order.Nodes() {
		if _, err := p.ResolveOutputLayout(p.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}
