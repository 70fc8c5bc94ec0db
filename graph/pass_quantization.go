package graph

import (
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// prepareQuantization pre-shapes 256-level quantize nodes into the scale-shift
// form the fused kernels consume, deriving the need-flags from the declared
// per-tensor ranges. Nodes without per-tensor ranges keep every flag set: the
// kernel then reads the full range tensors.
func (p *Program) prepareQuantization() error {
	for _, id := range p.order.Nodes() {
		n, alive := p.nodes[id]
		if !alive || n.Kind() != ops.KindQuantize {
			continue
		}
		q := n.prim.Quantize
		if q.Levels != 256 {
			continue
		}
		q.ScaleShiftOpt = true

		out, err := p.ResolveOutputLayout(n)
		if err != nil {
			return err
		}
		if out.DType == dtypes.Float16 {
			// The kernels evaluate the range arithmetic in the output
			// precision; pre-round the scalar ranges so the host-side and
			// device-side values agree.
			q.InLo = float16.Fromfloat32(q.InLo).Float32()
			q.InHi = float16.Fromfloat32(q.InHi).Float32()
			q.OutLo = float16.Fromfloat32(q.OutLo).Float32()
			q.OutHi = float16.Fromfloat32(q.OutHi).Float32()
		}

		span := float32(q.Levels - 1)
		if q.PerTensorInputRange {
			q.NeedPreShift = q.InLo != 0
		} else {
			q.NeedPreShift = true
		}
		if q.PerTensorOutputRange {
			q.NeedPostScale = q.OutHi-q.OutLo != span
			q.NeedPostShift = q.OutLo != 0
		} else {
			q.NeedPostScale = true
			q.NeedPostShift = true
		}
		// Saturating 8-bit output types clamp for free.
		full8bit := (out.DType == dtypes.Int8 || out.DType == dtypes.Uint8) &&
			q.PerTensorOutputRange && !q.NeedPostScale && !q.NeedPostShift
		q.NeedClamp = !full8bit
	}
	return nil
}
