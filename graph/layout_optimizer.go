package graph

import (
	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// layoutOptimizer aggregates whole-graph statistics and decides which blocked
// memory formats the network should run in. The decision is global: blocked
// formats only pay off when most of the data flow stays in them, so a single
// unfriendly node disqualifies a format network-wide.
type layoutOptimizer struct {
	p        *Program
	selector backends.Selector

	totalConvs          int
	groupedConvs        int
	depthwiseConvs      int
	depthwiseSplitConvs int
	conv1x1             int
	asymQuantizedConvs  int

	optimizedConvsFsv16      int
	optimizedConvsBsv16Fsv16 int
	optimizedDeconvsFsv16    int

	cropCount    int
	int8Quantize bool

	canUseFsv16      bool
	canUseBsv16Fsv16 bool

	preferred map[string]layout.Format
}

func newLayoutOptimizer(p *Program) *layoutOptimizer {
	return &layoutOptimizer{
		p:         p,
		selector:  p.engine.Selector(),
		preferred: make(map[string]layout.Format),
	}
}

// scan walks the processing order once, filling the counters and the
// format allow-list verdicts.
func (lo *layoutOptimizer) scan() error {
	lo.canUseFsv16 = true
	lo.canUseBsv16Fsv16 = true

	for _, id := range lo.p.order.Nodes() {
		n := lo.p.nodes[id]
		input, err := lo.nodeInputLayout(n)
		if err != nil {
			return err
		}

		if n.dataFlow {
			if !n.Kind().FSV16Friendly() || !lo.fsv16FriendlyRefined(n) {
				lo.canUseFsv16 = false
			}
			if !n.Kind().BSV16FSV16Friendly() {
				lo.canUseBsv16Fsv16 = false
			}
		}

		switch n.Kind() {
		case ops.KindDeconvolution:
			if lo.selector.FormatOptimized(n.Kind(), input, layout.FormatBFsYXFsv16) ||
				lo.selector.FormatOptimized(n.Kind(), input, layout.FormatBFsZYXFsv16) {
				lo.optimizedDeconvsFsv16++
			}
		case ops.KindConvolution:
			lo.scanConvolution(n, input)
		case ops.KindCrop:
			lo.cropCount++
		case ops.KindQuantize:
			out, err := lo.p.ResolveOutputLayout(n)
			if err != nil {
				return err
			}
			if out.DType == dtypes.Int8 || out.DType == dtypes.Uint8 {
				lo.int8Quantize = true
			}
		}
	}
	return nil
}

func (lo *layoutOptimizer) scanConvolution(n *Node, input layout.Layout) {
	lo.totalConvs++
	conv := n.prim.Conv
	if conv == nil {
		return
	}
	features := input.Feature()
	switch {
	case conv.Groups == features && features > 1:
		if features >= 16 {
			lo.depthwiseConvs++
		} else {
			lo.depthwiseSplitConvs++
		}
	case conv.Groups > 1 || conv.Split > 1:
		lo.groupedConvs++
	}
	// 1x1 means the input feature map, not the kernel.
	if spatial := input.Spatial(); len(spatial) > 0 {
		oneByOne := true
		for _, dim := range spatial {
			if dim != 1 {
				oneByOne = false
				break
			}
		}
		if oneByOne {
			lo.conv1x1++
		}
	}
	if conv.WeightsZeroPoints || conv.ActivationsZeroPoints {
		lo.asymQuantizedConvs++
	}
	if lo.selector.FormatOptimized(n.Kind(), input, layout.FormatBFsYXFsv16) {
		lo.optimizedConvsFsv16++
	}
	if lo.selector.FormatOptimized(n.Kind(), input, layout.FormatBsFsYXBsv16Fsv16) {
		lo.optimizedConvsBsv16Fsv16++
	}
}

// fsv16FriendlyRefined narrows the kind-level allow-list with per-node checks.
func (lo *layoutOptimizer) fsv16FriendlyRefined(n *Node) bool {
	// The fsv16 kernel set has no MVN variant.
	return n.Kind() != ops.KindMVN
}

func (lo *layoutOptimizer) nodeInputLayout(n *Node) (layout.Layout, error) {
	if len(n.deps) == 0 {
		return lo.p.ResolveOutputLayout(n)
	}
	return lo.p.depLayout(n, 0)
}

// The threshold constants below separate "a few convolutions" from "a
// convolution network": blocked formats pay their reorder cost back only past
// these sizes and ratios.
const (
	manyConvolutions    = 11
	fsv16OptimizedRatio = 0.5
	oneByOneRatioLimit  = 0.8
)

func (lo *layoutOptimizer) shouldUseFsv16() bool {
	if lo.int8Quantize {
		return true
	}
	if !lo.canUseFsv16 || lo.totalConvs <= manyConvolutions {
		return false
	}
	ratio := float64(lo.optimizedConvsFsv16) / float64(lo.totalConvs)
	if ratio <= fsv16OptimizedRatio && lo.optimizedDeconvsFsv16 < 1 {
		return false
	}
	// Crops force unblocking; a crop-heavy graph spends more on reorders than
	// the blocked kernels save.
	return lo.optimizedConvsFsv16*2 > lo.cropCount
}

func (lo *layoutOptimizer) shouldUseFsv32() bool {
	return lo.totalConvs > manyConvolutions && lo.groupedConvs == 0 &&
		float64(lo.conv1x1)/float64(lo.totalConvs) < oneByOneRatioLimit
}

func (lo *layoutOptimizer) shouldUseZyxFsv32() bool {
	return lo.asymQuantizedConvs > 1
}

func (lo *layoutOptimizer) shouldUseBsv16Fsv16() bool {
	return lo.canUseBsv16Fsv16 && lo.totalConvs > manyConvolutions &&
		lo.optimizedConvsBsv16Fsv16 == lo.totalConvs &&
		lo.groupedConvs == 0 && lo.depthwiseConvs == 0 && lo.depthwiseSplitConvs == 0
}

// preferredFormat decides the target format for one fusion-target node given
// the whole-graph verdicts. FormatAny means no preference: the node keeps
// whatever its producer provides.
func (lo *layoutOptimizer) preferredFormat(n *Node, input layout.Layout) layout.Format {
	if input.Format.SpatialRank() == 3 || len(input.Dims) == 5 {
		if lo.shouldUseZyxFsv32() {
			return layout.FormatBFsZYXFsv32
		}
		if lo.shouldUseFsv16() {
			return layout.FormatBFsZYXFsv16
		}
		return layout.FormatBFZYX
	}
	if lo.shouldUseBsv16Fsv16() && input.Batch() >= 16 {
		return layout.FormatBsFsYXBsv16Fsv16
	}
	if lo.shouldUseFsv16() {
		return layout.FormatBFsYXFsv16
	}
	if input.DType == dtypes.Float16 && lo.shouldUseFsv32() {
		return layout.FormatFsBYXFsv32
	}
	return layout.FormatBFYX
}

// selectPreferredFormats runs the whole-graph scan and records the preferred
// memory format of every fusion target; reorder_inputs materializes the
// conversions.
func (p *Program) selectPreferredFormats() error {
	p.lo = newLayoutOptimizer(p)
	if err := p.lo.scan(); err != nil {
		return err
	}
	klog.V(1).Infof(
		"program %d: layout scan: convs=%d (grouped=%d dw=%d 1x1=%d asym=%d) fsv16=%v bsv16fsv16=%v",
		p.id, p.lo.totalConvs, p.lo.groupedConvs, p.lo.depthwiseConvs, p.lo.conv1x1,
		p.lo.asymQuantizedConvs, p.lo.shouldUseFsv16(), p.lo.shouldUseBsv16Fsv16())

	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		if !n.Kind().FusionTarget() || !n.dataFlow || len(n.deps) == 0 {
			continue
		}
		input, err := p.depLayout(n, 0)
		if err != nil {
			return err
		}
		format := p.lo.preferredFormat(n, input)
		if format != layout.FormatAny && format != input.Format {
			p.lo.preferred[id] = format
		}
	}
	return nil
}

// PreferredFormat returns the format the layout heuristics chose for the
// node's input, FormatAny when no preference was recorded.
func (p *Program) PreferredFormat(id string) layout.Format {
	if p.lo == nil {
		return layout.FormatAny
	}
	return p.lo.preferred[id]
}
