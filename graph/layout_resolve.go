package graph

import (
	"slices"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ResolveOutputLayout returns the node's output layout, computing and caching
// it from the node's descriptor and its dependencies' layouts if the cache is
// stale. Passes call it eagerly over the processing order so that layout
// errors surface close to the node that caused them.
func (p *Program) ResolveOutputLayout(n *Node) (layout.Layout, error) {
	if n.layoutValid {
		return n.outputLayout, nil
	}
	l, err := p.calcOutputLayout(n)
	if err != nil {
		return layout.Invalid(), err
	}
	// Padding already accumulated on the node survives recomputation.
	l.DataPadding = layout.Max(l.DataPadding, n.outputLayout.DataPadding)
	l.DataPadding = layout.Max(l.DataPadding, n.prim.OutputPadding)
	n.setOutputLayout(l, true)
	return l, nil
}

func (p *Program) calcOutputLayout(n *Node) (layout.Layout, error) {
	prim := n.prim
	if prim.Kind.IsDataInput() {
		return prim.Input.Layout.Clone(), nil
	}
	if len(n.deps) == 0 {
		return layout.Invalid(), errors.Wrapf(ErrGraphIntegrity,
			"node %s has no dependencies to derive a layout from", nodeRef(n))
	}
	first, err := p.node(n.deps[0])
	if err != nil {
		return layout.Invalid(), err
	}
	input, err := p.ResolveOutputLayout(first)
	if err != nil {
		return layout.Invalid(), err
	}

	out := input.Clone()
	out.DataPadding = layout.Padding{}
	if prim.OutputDType != dtypes.InvalidDType {
		out.DType = prim.OutputDType
	}

	switch prim.Kind {
	case ops.KindConvolution, ops.KindBinaryConvolution, ops.KindDeconvolution:
		return p.calcSlidingWindowLayout(n, input, out)

	case ops.KindPooling:
		pool := prim.Pool
		if pool == nil {
			return out, nil
		}
		if pool.WithOutputSize {
			out.Dims = append(out.Dims[:2:2], pool.OutputSize...)
			return out, nil
		}
		spatial := slidingWindowOutput(input.Spatial(), pool.Size, onesLike(pool.Size), pool.Pad, pool.Stride)
		out.Dims = append(out.Dims[:2:2], spatial...)
		return out, nil

	case ops.KindFullyConnected:
		weights, err := p.depLayout(n, 1)
		if err != nil {
			return layout.Invalid(), err
		}
		out.Dims = []int{input.Batch(), weights.Batch()}
		return out, nil

	case ops.KindReshape:
		if prim.Reshape != nil {
			out.Dims = slices.Clone(prim.Reshape.Dims)
		}
		return out, nil

	case ops.KindReorder:
		if prim.Reorder != nil {
			target := prim.Reorder.Target
			out.Format = target.Format
			if target.DType != dtypes.InvalidDType {
				out.DType = target.DType
			}
			if len(target.Dims) > 0 {
				out.Dims = slices.Clone(target.Dims)
			}
			out.DataPadding = target.DataPadding.Clone()
		}
		return out, nil

	case ops.KindCrop:
		if prim.Crop != nil && len(prim.Crop.Dims) > 0 {
			out.Dims = slices.Clone(prim.Crop.Dims)
		}
		return out, nil

	case ops.KindConcat:
		features := 0
		for slot := range n.deps {
			dep, err := p.depLayout(n, slot)
			if err != nil {
				return layout.Invalid(), err
			}
			features += dep.Feature()
		}
		out.Dims = slices.Clone(input.Dims)
		if len(out.Dims) > 1 {
			out.Dims[1] = features
		}
		return out, nil

	case ops.KindEltwise:
		if prim.Eltwise != nil && len(prim.Eltwise.Stride) > 0 {
			out.Dims = append(out.Dims[:2:2], stridedSpatial(input.Spatial(), prim.Eltwise.Stride)...)
		}
		return out, nil

	default:
		// Shape-preserving by default: activations, softmax, mvn, permute
		// and friends inherit the first dependency's layout.
		return out, nil
	}
}

// calcSlidingWindowLayout computes convolution-family output layouts.
func (p *Program) calcSlidingWindowLayout(n *Node, input, out layout.Layout) (layout.Layout, error) {
	conv := n.prim.Conv
	if conv == nil {
		return out, nil
	}
	weights, err := p.depLayout(n, 1)
	if err != nil {
		return layout.Invalid(), err
	}
	if conv.OutputFeatures > 0 {
		out.Dims = slices.Clone(out.Dims)
		if len(out.Dims) > 1 {
			out.Dims[1] = conv.OutputFeatures
		}
	}
	if conv.WithOutputSize {
		out.Dims = append(out.Dims[:2:2], conv.OutputSize...)
		return out, nil
	}
	var spatial []int
	if n.prim.Kind == ops.KindDeconvolution {
		spatial = slidingWindowNeededInput(input.Spatial(), weights.Spatial(), conv.Pad, conv.Stride)
	} else {
		spatial = slidingWindowOutput(input.Spatial(), weights.Spatial(), conv.Dilation, conv.Pad, conv.Stride)
	}
	out.Dims = append(out.Dims[:2:2], spatial...)
	return out, nil
}

// depLayout resolves the layout of the dependency at the given slot.
func (p *Program) depLayout(n *Node, slot int) (layout.Layout, error) {
	if slot >= len(n.deps) {
		return layout.Invalid(), errors.Wrapf(ErrGraphIntegrity,
			"node %s needs a dependency at slot %d but has %d", nodeRef(n), slot, len(n.deps))
	}
	dep, err := p.node(n.deps[slot])
	if err != nil {
		return layout.Invalid(), err
	}
	return p.ResolveOutputLayout(dep)
}

// slidingWindowOutput computes, per spatial axis,
// (input + 2*pad - dilation*(filter-1) - 1) / stride + 1, clamped at 1.
func slidingWindowOutput(input, filter, dilation, pad, stride []int) []int {
	out := make([]int, len(input))
	for axis := range input {
		f, d, pd, st := at(filter, axis, 1), at(dilation, axis, 1), at(pad, axis, 0), at(stride, axis, 1)
		effective := d*(f-1) + 1
		size := (input[axis]+2*pd-effective)/st + 1
		if size < 1 {
			size = 1
		}
		out[axis] = size
	}
	return out
}

// slidingWindowNeededInput is the deconvolution inverse: the input range the
// forward window would have needed, (input-1)*stride - 2*pad + filter.
func slidingWindowNeededInput(input, filter, pad, stride []int) []int {
	out := make([]int, len(input))
	for axis := range input {
		f, pd, st := at(filter, axis, 1), at(pad, axis, 0), at(stride, axis, 1)
		size := (input[axis]-1)*st - 2*pd + f
		if size < 1 {
			size = 1
		}
		out[axis] = size
	}
	return out
}

func stridedSpatial(input, stride []int) []int {
	out := make([]int, len(input))
	for axis := range input {
		st := at(stride, axis, 1)
		out[axis] = (input[axis] + st - 1) / st
	}
	return out
}

func onesLike(s []int) []int {
	out := make([]int, len(s))
	for i := range out {
		out[i] = 1
	}
	return out
}

func at(s []int, i, def int) int {
	if i < len(s) {
		return s[i]
	}
	return def
}

// analyzeOutputSizeHandling reports whether any descriptor's declared output
// size disagrees with the computed sliding-window one, in which case the
// padding passes must preserve the declared sizes.
func (p *Program) analyzeOutputSizeHandling() (bool, error) {
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if !n.Kind().SupportsOutputSizeOverride() {
			continue
		}
		var declared []int
		var computed []int
		switch {
		case n.prim.Conv != nil && n.prim.Conv.WithOutputSize:
			declared = n.prim.Conv.OutputSize
			input, err := p.depLayout(n, 0)
			if err != nil {
				return false, err
			}
			weights, err := p.depLayout(n, 1)
			if err != nil {
				return false, err
			}
			if n.Kind() == ops.KindDeconvolution {
				computed = slidingWindowNeededInput(input.Spatial(), weights.Spatial(), n.prim.Conv.Pad, n.prim.Conv.Stride)
			} else {
				computed = slidingWindowOutput(input.Spatial(), weights.Spatial(), n.prim.Conv.Dilation, n.prim.Conv.Pad, n.prim.Conv.Stride)
			}
		case n.prim.Pool != nil && n.prim.Pool.WithOutputSize:
			declared = n.prim.Pool.OutputSize
			input, err := p.depLayout(n, 0)
			if err != nil {
				return false, err
			}
			computed = slidingWindowOutput(input.Spatial(), n.prim.Pool.Size, onesLike(n.prim.Pool.Size), n.prim.Pool.Pad, n.prim.Pool.Stride)
		default:
			continue
		}
		if !slices.Equal(declared, computed) {
			return true, nil
		}
	}
	return false, nil
}
