package ops

// Activation enumerates the activation functions that can be chained onto a
// node, either standalone (KindActivation) or carried along by fusion.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationReLUNegativeSlope
	ActivationClamp
	ActivationSigmoid
	ActivationTanh
	ActivationELU
	ActivationSwish
	ActivationHSigmoid
	ActivationMish
	ActivationAbs
)

var activationNames = [...]string{
	ActivationNone:              "none",
	ActivationReLU:              "relu",
	ActivationReLUNegativeSlope: "relu_negative_slope",
	ActivationClamp:             "clamp",
	ActivationSigmoid:           "sigmoid",
	ActivationTanh:              "tanh",
	ActivationELU:               "elu",
	ActivationSwish:             "swish",
	ActivationHSigmoid:          "hsigmoid",
	ActivationMish:              "mish",
	ActivationAbs:               "abs",
}

// String implements fmt.Stringer.
func (a Activation) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return "invalid_activation"
	}
	return activationNames[a]
}

// FusibleIntoConvolution reports whether device kernels implement this
// activation as a fused epilogue.
func (a Activation) FusibleIntoConvolution() bool {
	switch a {
	case ActivationNone, ActivationReLU, ActivationReLUNegativeSlope,
		ActivationClamp, ActivationSigmoid, ActivationTanh, ActivationELU,
		ActivationSwish, ActivationHSigmoid:
		return true
	}
	return false
}
