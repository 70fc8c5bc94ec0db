package graph

import (
	"slices"

	"github.com/clgraph/clgraph/ops"
	"k8s.io/klog/v2"
)

// eltwiseShrinking moves a stride shared by every consuming 1x1 convolution
// up into the eltwise itself: the eltwise then computes only the elements the
// convolutions would sample, and the convolutions run at unit stride.
func (p *Program) eltwiseShrinking() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindEltwise || n.isOutput {
			continue
		}
		if n.prim.Eltwise != nil && len(n.prim.Eltwise.Stride) > 0 {
			continue
		}
		if len(n.users) == 0 {
			continue
		}

		var stride []int
		eligible := true
		for _, userID := range n.users {
			user := p.nodes[userID]
			if user.Kind() != ops.KindConvolution || user.prim.Conv == nil {
				eligible = false
				break
			}
			conv := user.prim.Conv
			if !allEqual(conv.Pad, 0) || conv.WithOutputSize {
				eligible = false
				break
			}
			if !p.has1x1Weights(user) {
				eligible = false
				break
			}
			if !anyAbove(conv.Stride, 1) {
				eligible = false
				break
			}
			if stride == nil {
				stride = conv.Stride
			} else if !slices.Equal(stride, conv.Stride) {
				eligible = false
				break
			}
		}
		if !eligible || stride == nil {
			continue
		}

		if n.prim.Eltwise == nil {
			n.prim.Eltwise = &ops.EltwiseParams{}
		}
		n.prim.Eltwise.Stride = slices.Clone(stride)
		for _, userID := range n.users {
			conv := p.nodes[userID].prim.Conv
			conv.Stride = onesLike(conv.Stride)
			p.nodes[userID].invalidateLayout()
		}
		n.invalidateLayout()
		klog.V(2).Infof("program %d: moved stride %v from consumers into eltwise %q", p.id, stride, id)
	}
	return nil
}

// eltwiseRemoveStride pushes an eltwise's stride down into the 1x1
// convolutions producing its inputs, so no kernel has to subsample.
func (p *Program) eltwiseRemoveStride() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindEltwise {
			continue
		}
		params := n.prim.Eltwise
		if params == nil || !anyAbove(params.Stride, 1) {
			continue
		}

		eligible := true
		for _, depID := range n.deps {
			dep := p.nodes[depID]
			if dep.Kind() != ops.KindConvolution || dep.prim.Conv == nil ||
				len(dep.users) != 1 || !p.has1x1Weights(dep) ||
				!allEqual(dep.prim.Conv.Stride, 1) {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}

		for _, depID := range n.deps {
			conv := p.nodes[depID].prim.Conv
			conv.Stride = slices.Clone(params.Stride)
			p.nodes[depID].invalidateLayout()
		}
		params.Stride = nil
		n.invalidateLayout()
		klog.V(2).Infof("program %d: pushed eltwise %q stride into its producers", p.id, id)
	}
	return nil
}

// has1x1Weights reports whether the node's weights (slot 1) have unit spatial
// extent.
func (p *Program) has1x1Weights(n *Node) bool {
	if len(n.deps) < 2 {
		return false
	}
	weights, err := p.depLayout(n, 1)
	if err != nil {
		return false
	}
	for _, dim := range weights.Spatial() {
		if dim != 1 {
			return false
		}
	}
	return true
}

// allEqual reports whether every element equals want; an empty slice counts as
// all-want (defaulted axes).
func allEqual(s []int, want int) bool {
	for _, v := range s {
		if v != want {
			return false
		}
	}
	return true
}

// anyAbove reports whether any element exceeds the limit.
func anyAbove(s []int, limit int) bool {
	for _, v := range s {
		if v > limit {
			return true
		}
	}
	return false
}
