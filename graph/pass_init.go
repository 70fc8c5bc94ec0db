package graph

import (
	"github.com/clgraph/clgraph/kernels"
	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// graphInitializations resolves the declared input layouts, loads the tuning
// cache and computes the initial processing order.
func (p *Program) graphInitializations() error {
	path := p.config.Tuning.CachePath
	if path == "" {
		path = p.engine.Config().TuningCachePath
	}
	if p.config.Tuning.Mode == TuningDisabled {
		path = ""
	}
	p.tuningCache = kernels.LoadTuningCache(path)

	for _, id := range sortedNodeIDs(p.nodes) {
		n := p.nodes[id]
		if n.Kind().IsDataInput() {
			if _, err := p.ResolveOutputLayout(n); err != nil {
				return err
			}
		}
	}
	p.order.CalculateBFS(p)
	return nil
}

// calculatePriorBoxes folds prior_box nodes into constant data: their output
// depends only on statically known shapes, so the result is baked at build
// time. The shape-only inputs are disconnected first and trimmed if nothing
// else reads them.
func (p *Program) calculatePriorBoxes() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindPriorBox {
			continue
		}
		l, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		var former []*Node
		for _, depID := range n.Dependencies() {
			former = append(former, p.nodes[depID])
			if err := p.RemoveConnection(depID, id); err != nil {
				return err
			}
		}
		data, err := p.GetOrCreate(&ops.Primitive{
			ID:    id + "_computed",
			Kind:  ops.KindData,
			Input: &ops.InputParams{Layout: l},
		})
		if err != nil {
			return err
		}
		if err := p.Replace(n, data); err != nil {
			return err
		}
		for _, dep := range former {
			p.RemoveIfDangling(dep)
		}
		klog.V(2).Infof("program %d: folded prior box %q into constant data", p.id, id)
	}
	return nil
}

// markNodes derives the constant and data-flow flags in processing order, so
// every node sees its dependencies already marked.
func (p *Program) markNodes() error {
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		p.markIfConstant(n)
		p.markIfDataFlow(n)
	}
	return nil
}
