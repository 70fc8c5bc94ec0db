package graph

import (
	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// fuseTransparent reports whether the kind only rearranges its input, so a
// fusible peer behind it can move up through it.
func fuseTransparent(k ops.Kind) bool {
	switch k {
	case ops.KindReorder, ops.KindReshape, ops.KindCrop, ops.KindPermute:
		return true
	}
	return false
}

// preparePrimitiveFusingThrough moves single-input activations up through
// chains of transparent single-user nodes so they sit directly on a fusion
// target and the main fusing pass can absorb them.
func (p *Program) preparePrimitiveFusingThrough() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindActivation {
			continue
		}
		if len(n.deps) != 1 || n.isOutput {
			continue
		}
		// Walk down the transparent chain to the real producer.
		through := p.nodes[n.deps[0]]
		if !fuseTransparent(through.Kind()) {
			continue
		}
		producer := through
		for fuseTransparent(producer.Kind()) && len(producer.users) == 1 && len(producer.deps) == 1 {
			through = producer
			producer = p.nodes[producer.deps[0]]
		}
		if !producer.Kind().FusionTarget() || len(producer.users) != 1 {
			continue
		}
		if err := p.MoveNode(n, producer.ID(), through); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: moved %q through to producer %q for fusing", p.id, id, producer.ID())
	}
	return nil
}

// preReplaceDeconv rewrites unit-stride ungrouped deconvolutions as plain
// convolutions; the convolution kernels cover that case and fuse better.
func (p *Program) preReplaceDeconv() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindDeconvolution {
			continue
		}
		conv := n.prim.Conv
		if conv == nil || conv.Groups > 1 || conv.Split > 1 || conv.DeformableMode {
			continue
		}
		unitStride := true
		for _, st := range conv.Stride {
			if st != 1 {
				unitStride = false
				break
			}
		}
		if !unitStride {
			continue
		}
		replacement := n.prim.Clone()
		replacement.ID = id + "_as_conv"
		replacement.Kind = ops.KindConvolution
		replacement.Inputs = nil
		asConv, err := p.GetOrCreate(replacement)
		if err != nil {
			return err
		}
		if err := p.Replace(n, asConv); err != nil {
			return err
		}
		klog.V(2).Infof("program %d: replaced deconvolution %q with a convolution", p.id, id)
	}
	return nil
}

// fusiblePeer reports whether the node can be absorbed into its first
// dependency by the fusing pass.
func (p *Program) fusiblePeer(n *Node) bool {
	if len(n.deps) == 0 {
		return false
	}
	switch n.Kind() {
	case ops.KindActivation:
		return n.prim.Activation != nil && n.prim.Activation.Func.FusibleIntoConvolution() &&
			len(n.deps) == 1
	case ops.KindQuantize:
		return n.prim.Quantize.ScaleShiftOpt
	case ops.KindEltwise:
		if len(n.deps) != 2 {
			return false
		}
		mode := n.prim.Eltwise
		return mode == nil || mode.Mode == ops.EltwiseSum || mode.Mode == ops.EltwiseProd
	}
	return false
}

// preparePrimitiveFusing absorbs fusible peers into the producer feeding their
// first input: the producer must be a fusion target exclusively consumed by
// the peer. Peers already carrying a chained activation absorb at most one
// more level; the chain depth limit lives in FuseNodes' descriptor shape
// (a single Activation slot per fused entry).
func (p *Program) preparePrimitiveFusing() error {
	for _, id := range p.order.Nodes() {
		peer, alive := p.nodes[id]
		if !alive || !peer.Kind().FusiblePeer() || !p.fusiblePeer(peer) {
			continue
		}
		target, alive := p.nodes[peer.deps[0]]
		if !alive || !target.Kind().FusionTarget() {
			continue
		}
		if len(target.users) != 1 || target.isOutput {
			continue
		}
		if err := p.FuseNodes(target, peer); err != nil {
			return err
		}
		if peer.isOutput {
			// The peer's external id stays resolvable through the
			// optimized-out ledger; the target becomes the output.
			peer.isOutput = false
			p.fixOutputsList()
			if !target.isOutput {
				target.isOutput = true
				p.outputs = append(p.outputs, target.ID())
			}
		}
		p.RemoveIfDangling(peer)
		klog.V(2).Infof("program %d: fused %q into %q", p.id, id, target.ID())
	}
	return nil
}
