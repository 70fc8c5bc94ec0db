// Package ops defines the closed set of operation kinds the graph compiler
// understands, the immutable Primitive descriptor that specifies one operation,
// and the capability queries the optimization passes dispatch on.
//
// Kind is a closed tagged enum: passes never type-switch on descriptor parameter
// structs directly, they ask capability questions (NeverConstant,
// SupportsOutputSizeOverride, FSV16Friendly, ...) so that adding a kind means
// updating the tables here, not hunting down type-check chains.
package ops

// Kind identifies one operation kind.
type Kind int

const (
	KindInvalid Kind = iota
	KindInput
	KindData
	KindMutableData
	KindConvolution
	KindBinaryConvolution
	KindDeconvolution
	KindFullyConnected
	KindGemm
	KindPooling
	KindAdaptivePooling
	KindActivation
	KindEltwise
	KindQuantize
	KindReorder
	KindReshape
	KindPermute
	KindConcat
	KindCrop
	KindSplit
	KindSoftmax
	KindDetectionOutput
	KindProposal
	KindGenerateProposals
	KindPriorBox
	KindROIPooling
	KindResample
	KindRegionYolo
	KindReorgYolo
	KindMVN
	KindNormalize
	KindReduce
	KindStridedSlice
	KindBorder
	KindDepthToSpace
	KindShuffleChannels
	KindArgMaxMin
	KindGather
	KindBroadcast
	KindLoop
	KindAssign
	KindReadValue
	KindReverse
	KindCustom

	numKinds // keep last
)

var kindNames = [...]string{
	KindInvalid:           "invalid",
	KindInput:             "input",
	KindData:              "data",
	KindMutableData:       "mutable_data",
	KindConvolution:       "convolution",
	KindBinaryConvolution: "binary_convolution",
	KindDeconvolution:     "deconvolution",
	KindFullyConnected:    "fully_connected",
	KindGemm:              "gemm",
	KindPooling:           "pooling",
	KindAdaptivePooling:   "adaptive_pooling",
	KindActivation:        "activation",
	KindEltwise:           "eltwise",
	KindQuantize:          "quantize",
	KindReorder:           "reorder",
	KindReshape:           "reshape",
	KindPermute:           "permute",
	KindConcat:            "concatenation",
	KindCrop:              "crop",
	KindSplit:             "split",
	KindSoftmax:           "softmax",
	KindDetectionOutput:   "detection_output",
	KindProposal:          "proposal",
	KindGenerateProposals: "generate_proposals",
	KindPriorBox:          "prior_box",
	KindROIPooling:        "roi_pooling",
	KindResample:          "resample",
	KindRegionYolo:        "region_yolo",
	KindReorgYolo:         "reorg_yolo",
	KindMVN:               "mvn",
	KindNormalize:         "normalize",
	KindReduce:            "reduce",
	KindStridedSlice:      "strided_slice",
	KindBorder:            "border",
	KindDepthToSpace:      "depth_to_space",
	KindShuffleChannels:   "shuffle_channels",
	KindArgMaxMin:         "arg_max_min",
	KindGather:            "gather",
	KindBroadcast:         "broadcast",
	KindLoop:              "loop",
	KindAssign:            "assign",
	KindReadValue:         "read_value",
	KindReverse:           "reverse",
	KindCustom:            "custom",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k <= KindInvalid || k >= numKinds {
		return kindNames[KindInvalid]
	}
	return kindNames[k]
}

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool { return k > KindInvalid && k < numKinds }

// NeverConstant reports whether a node of this kind must never be folded into
// the constant subgraph, regardless of its dependencies: these kinds either
// hold state across executions or are resolved by dedicated init passes.
func (k Kind) NeverConstant() bool {
	switch k {
	case KindPriorBox, KindAssign, KindReadValue:
		return true
	}
	return false
}

// SupportsOutputSizeOverride reports whether the descriptor may carry an
// explicit output size overriding the computed sliding-window size.
func (k Kind) SupportsOutputSizeOverride() bool {
	switch k {
	case KindConvolution, KindBinaryConvolution, KindDeconvolution, KindPooling:
		return true
	}
	return false
}

// IsDataInput reports whether nodes of this kind feed the graph from outside
// (no computed dependencies).
func (k Kind) IsDataInput() bool {
	switch k {
	case KindInput, KindData, KindMutableData:
		return true
	}
	return false
}

// FusiblePeer reports whether nodes of this kind may be absorbed into a
// producer by the fusion engine.
func (k Kind) FusiblePeer() bool {
	switch k {
	case KindActivation, KindQuantize, KindEltwise:
		return true
	}
	return false
}

// FusionTarget reports whether nodes of this kind may absorb fusible peers.
func (k Kind) FusionTarget() bool {
	switch k {
	case KindConvolution, KindBinaryConvolution, KindDeconvolution,
		KindFullyConnected, KindGemm, KindPooling, KindMVN, KindResample:
		return true
	}
	return false
}

// fsv16Friendly lists the kinds that have b_fs_yx_fsv16 kernels: a single
// data-flow node outside this set disqualifies the blocked layout network-wide.
var fsv16Friendly = kindSet(
	KindConvolution, KindDeconvolution, KindActivation, KindPooling, KindEltwise,
	KindPermute, KindReshape, KindDetectionOutput, KindBinaryConvolution,
	KindQuantize, KindCustom, KindConcat, KindFullyConnected, KindReorder,
	KindInput, KindSoftmax, KindPriorBox, KindBorder, KindResample, KindCrop,
	KindDepthToSpace, KindShuffleChannels, KindMVN, KindArgMaxMin,
	KindMutableData, KindReduce, KindStridedSlice, KindRegionYolo, KindNormalize,
	KindGather, KindBroadcast, KindAdaptivePooling, KindGenerateProposals,
	KindReverse, KindReorgYolo,
)

// bsv16Fsv16Friendly is the same style of allow-list for bs_fs_yx_bsv16_fsv16.
// It is narrower: notably deconvolution is not in it.
var bsv16Fsv16Friendly = kindSet(
	KindConvolution, KindPooling, KindEltwise, KindReorder, KindPermute,
	KindReshape, KindInput, KindActivation, KindSoftmax, KindFullyConnected,
	KindQuantize, KindBroadcast, KindResample, KindPriorBox, KindGenerateProposals,
	KindReverse, KindReorgYolo, KindAdaptivePooling,
)

func kindSet(kinds ...Kind) [numKinds]bool {
	var set [numKinds]bool
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// FSV16Friendly reports whether the kind has channel-blocked fsv16 kernels.
func (k Kind) FSV16Friendly() bool {
	return k.IsValid() && fsv16Friendly[k]
}

// BSV16FSV16Friendly reports whether the kind has batch-and-channel-blocked
// bsv16_fsv16 kernels.
func (k Kind) BSV16FSV16Friendly() bool {
	return k.IsValid() && bsv16Fsv16Friendly[k]
}
