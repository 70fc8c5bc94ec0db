package ops

import (
	"slices"

	"github.com/clgraph/clgraph/layout"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Primitive is the immutable descriptor of one operation: its kind, static
// parameters and the ids of the operations it consumes, in input-slot order.
//
// A Primitive never changes after it is handed to the graph; the graph clones
// it on registration so later descriptor reuse by the caller is safe. The one
// exception is the id, which the graph renames through its own primitives to
// preserve external identifier continuity.
type Primitive struct {
	ID     string
	Kind   Kind
	Inputs []string

	// OutputDType optionally forces the element type of the output; when
	// InvalidDType it is inherited from the first input.
	OutputDType dtypes.DType

	// OutputPadding is the padding the descriptor requests for its output.
	OutputPadding layout.Padding

	// Kind-specific parameters. At most the one matching Kind is set.
	Input      *InputParams
	Conv       *ConvParams
	Pool       *PoolParams
	Activation *ActivationParams
	Eltwise    *EltwiseParams
	Quantize   *QuantizeParams
	Reorder    *ReorderParams
	Reshape    *ReshapeParams
	Split      *SplitParams
	Crop       *CropParams
	MVN        *MVNParams
	Loop       *LoopParams
}

// InputParams declares the layout of a graph input or constant data node.
type InputParams struct {
	Layout layout.Layout
}

// ConvParams parameterizes convolution, binary_convolution and deconvolution.
type ConvParams struct {
	Groups   int
	Split    int
	Stride   []int
	Dilation []int
	Pad      []int

	DeformableMode bool

	// WithOutputSize requests the declared OutputSize (spatial dims) instead of
	// the sliding-window computed one.
	WithOutputSize bool
	OutputSize     []int

	// Asymmetric-quantization side inputs.
	WeightsZeroPoints     bool
	ActivationsZeroPoints bool

	// OutputFeatures is the number of output channels (taken from the weights).
	OutputFeatures int
}

// PoolParams parameterizes pooling.
type PoolParams struct {
	Size   []int
	Stride []int
	Pad    []int

	WithOutputSize bool
	OutputSize     []int

	MaxPooling bool
}

// ActivationParams parameterizes a standalone activation operation.
type ActivationParams struct {
	Func Activation
	A, B float32
}

// EltwiseMode selects the element-wise operation of an eltwise node.
type EltwiseMode int

const (
	EltwiseSum EltwiseMode = iota
	EltwiseProd
	EltwiseMax
	EltwiseSub
)

// EltwiseParams parameterizes eltwise.
type EltwiseParams struct {
	Mode   EltwiseMode
	Stride []int
}

// QuantizeParams parameterizes quantize. The boolean scale-shift flags are
// filled in by the quantization pre-shaping pass, not by the caller.
type QuantizeParams struct {
	Levels int

	// ScaleShiftOpt marks that the node was pre-shaped into the scale-shift
	// form, enabling fusion with dependency elision.
	ScaleShiftOpt bool

	PerTensorInputRange  bool
	PerTensorOutputRange bool
	InLo, InHi           float32
	OutLo, OutHi         float32

	NeedClamp     bool
	NeedPreShift  bool
	NeedPostScale bool
	NeedPostShift bool

	PerTensorInputScale  bool
	PerTensorInputShift  bool
	PerTensorOutputScale bool
	PerTensorOutputShift bool
}

// ReorderParams parameterizes an explicit format/type conversion.
type ReorderParams struct {
	Target layout.Layout
}

// ReshapeParams parameterizes reshape.
type ReshapeParams struct {
	Dims []int
}

// SplitParams declares the outputs of a split node: one output id and one
// static input offset per declared output.
type SplitParams struct {
	OutputIDs     []string
	OutputOffsets [][]int
}

// CropParams reads a sub-region of the single input at a static offset.
type CropParams struct {
	Dims    []int
	Offsets []int
}

// MVNParams parameterizes mean-variance normalization.
type MVNParams struct {
	AcrossChannels bool
}

// LoopParams parameterizes a loop construct whose body is a compiled sub-graph.
// PrimitiveMap maps ids of this graph to the ids of the body graph; the graph
// keeps it updated when surrounding nodes are optimized out.
type LoopParams struct {
	TripCount    int
	PrimitiveMap map[string]string
}

// Validate checks the descriptor is well-formed. It is the only failure mode of
// node creation.
func (p *Primitive) Validate() error {
	if p == nil {
		return errors.New("nil primitive descriptor")
	}
	if p.ID == "" {
		return errors.Errorf("%s primitive with empty id", p.Kind)
	}
	if !p.Kind.IsValid() {
		return errors.Errorf("primitive %q has invalid kind", p.ID)
	}
	for slot, input := range p.Inputs {
		if input == "" {
			return errors.Errorf("primitive %q has empty dependency id at slot %d", p.ID, slot)
		}
	}
	switch p.Kind {
	case KindInput, KindData, KindMutableData:
		if p.Input == nil || !p.Input.Layout.Ok() {
			return errors.Errorf("%s primitive %q requires a valid declared layout", p.Kind, p.ID)
		}
	case KindSplit:
		if p.Split == nil || len(p.Split.OutputIDs) == 0 {
			return errors.Errorf("split primitive %q declares no outputs", p.ID)
		}
		if len(p.Split.OutputIDs) != len(p.Split.OutputOffsets) {
			return errors.Errorf("split primitive %q declares %d outputs but %d offsets",
				p.ID, len(p.Split.OutputIDs), len(p.Split.OutputOffsets))
		}
	case KindQuantize:
		if p.Quantize == nil || p.Quantize.Levels < 2 {
			return errors.Errorf("quantize primitive %q requires levels >= 2", p.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (p *Primitive) Clone() *Primitive {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Inputs = slices.Clone(p.Inputs)
	clone.OutputPadding = p.OutputPadding.Clone()
	clone.Input = cloneParams(p.Input)
	clone.Conv = cloneConv(p.Conv)
	clone.Pool = clonePool(p.Pool)
	clone.Activation = cloneParams(p.Activation)
	clone.Eltwise = cloneEltwise(p.Eltwise)
	clone.Quantize = cloneParams(p.Quantize)
	clone.Reorder = cloneParams(p.Reorder)
	clone.Reshape = cloneReshape(p.Reshape)
	clone.Split = cloneSplit(p.Split)
	clone.Crop = cloneCrop(p.Crop)
	clone.MVN = cloneParams(p.MVN)
	clone.Loop = cloneLoop(p.Loop)
	return &clone
}

func cloneParams[T any](p *T) *T {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func cloneConv(p *ConvParams) *ConvParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Stride = slices.Clone(p.Stride)
	clone.Dilation = slices.Clone(p.Dilation)
	clone.Pad = slices.Clone(p.Pad)
	clone.OutputSize = slices.Clone(p.OutputSize)
	return &clone
}

func clonePool(p *PoolParams) *PoolParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Size = slices.Clone(p.Size)
	clone.Stride = slices.Clone(p.Stride)
	clone.Pad = slices.Clone(p.Pad)
	clone.OutputSize = slices.Clone(p.OutputSize)
	return &clone
}

func cloneEltwise(p *EltwiseParams) *EltwiseParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Stride = slices.Clone(p.Stride)
	return &clone
}

func cloneReshape(p *ReshapeParams) *ReshapeParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Dims = slices.Clone(p.Dims)
	return &clone
}

func cloneSplit(p *SplitParams) *SplitParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.OutputIDs = slices.Clone(p.OutputIDs)
	clone.OutputOffsets = make([][]int, len(p.OutputOffsets))
	for i, offsets := range p.OutputOffsets {
		clone.OutputOffsets[i] = slices.Clone(offsets)
	}
	return &clone
}

func cloneCrop(p *CropParams) *CropParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Dims = slices.Clone(p.Dims)
	clone.Offsets = slices.Clone(p.Offsets)
	return &clone
}

func cloneLoop(p *LoopParams) *LoopParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.PrimitiveMap = make(map[string]string, len(p.PrimitiveMap))
	for k, v := range p.PrimitiveMap {
		clone.PrimitiveMap[k] = v
	}
	return &clone
}
