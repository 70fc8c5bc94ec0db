package graph

import (
	"github.com/clgraph/clgraph/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// compileGraph selects a device implementation for every executable node and
// queues its kernel source for the batched build. Selection is memoized on the
// node's parameter signature: structurally equal nodes share one choice.
func (p *Program) compileGraph() error {
	selector := p.engine.Selector()
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if n.Kind().IsDataInput() || n.CanBeOptimized() {
			continue
		}
		l, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		sig := p.implSignature(n)
		impl, cached := p.implCache.Get(sig)
		if !cached {
			impl, err = selector.Select(sig)
			if err != nil {
				return errors.Wrapf(err, "selecting implementation for %s", nodeRef(n))
			}
			p.implCache.Put(sig, impl)
		}
		n.selectedImpl = impl
		if source := impl.Source(); source != "" {
			n.kernelID = p.kernelsCache.Add(source)
		}
		klog.V(3).Infof("program %d: node %q -> %s (%s)", p.id, id, impl.KernelName(), l)
	}
	return nil
}

// implSignature builds the memoization key for one node's implementation
// selection, folding in the tuning hint and any forced choice.
func (p *Program) implSignature(n *Node) backends.ImplSignature {
	sig := backends.ImplSignature{
		Kind:   n.Kind(),
		Layout: n.outputLayout.String(),
		Forced: p.config.ForceImplementations[n.ID()],
	}
	if p.tuningCache != nil && p.config.Tuning.Mode != TuningDisabled {
		if hint, found := p.tuningCache.Hint(sig.Kind.String() + "__" + sig.Layout); found {
			sig.Config = hint
		}
	}
	return sig
}
