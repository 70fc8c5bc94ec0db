package graph

import (
	"slices"
	"strings"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NodeInfo is one node's introspection record: a value snapshot, detached from
// the live graph.
type NodeInfo struct {
	ID           string
	Kind         ops.Kind
	Dependencies []string
	Users        []string
	FusedFrom    []string
	Layout       layout.Layout
	FormatStr    string
	ImplName     string
	Precision    dtypes.DType
	IsCPU        bool
	ExecIdx      int
}

// PassSnapshot is the node table as it stood right after one named pass.
type PassSnapshot struct {
	Name  string
	Nodes []NodeInfo
}

// currentStageInfo snapshots every live node in processing order.
func (p *Program) currentStageInfo() []NodeInfo {
	ids := p.order.Nodes()
	infos := make([]NodeInfo, 0, len(ids))
	for i, id := range ids {
		n := p.nodes[id]
		info := NodeInfo{
			ID:           id,
			Kind:         n.Kind(),
			Dependencies: n.Dependencies(),
			Users:        n.Users(),
			Layout:       n.outputLayout.Clone(),
			FormatStr:    n.outputLayout.Format.String(),
			ExecIdx:      i,
		}
		for _, fused := range n.fused {
			info.FusedFrom = append(info.FusedFrom, fused.Desc.ID)
		}
		if precision, err := p.inferencePrecision(n); err == nil {
			info.Precision = precision
		}
		if n.selectedImpl != nil {
			info.ImplName = n.selectedImpl.KernelName()
			info.IsCPU = n.selectedImpl.IsCPU()
		}
		infos = append(infos, info)
	}
	return infos
}

// savePassInfo appends a per-pass snapshot; a no-op unless graph dumps were
// requested, snapshotting every pass is not free.
func (p *Program) savePassInfo(name string) {
	if p.config.GraphDumpsDir == "" {
		return
	}
	p.passesInfo = append(p.passesInfo, PassSnapshot{Name: name, Nodes: p.currentStageInfo()})
}

// NodesInfo returns the final node table of the build.
func (p *Program) NodesInfo() []NodeInfo { return slices.Clone(p.nodesInfo) }

// OptimizerPassesInfo returns the per-pass snapshots; empty unless the build
// ran with GraphDumpsDir set.
func (p *Program) OptimizerPassesInfo() []PassSnapshot { return slices.Clone(p.passesInfo) }

// inferencePrecision derives the numeric precision a node effectively computes
// in, for reporting. Mixed-input nodes report the widest input type, except
// that a fully quantized compute node reports its quantized input type.
func (p *Program) inferencePrecision(n *Node) (dtypes.DType, error) {
	inputDType := func(slot int) dtypes.DType {
		if slot >= len(n.deps) {
			return dtypes.InvalidDType
		}
		if dep, alive := p.nodes[n.deps[slot]]; alive && dep.layoutValid {
			return dep.outputLayout.DType
		}
		return dtypes.InvalidDType
	}

	switch n.Kind() {
	case ops.KindInput, ops.KindData, ops.KindMutableData:
		return n.outputLayout.DType, nil

	case ops.KindReorder:
		return maxDType(inputDType(0), n.outputLayout.DType), nil

	case ops.KindQuantize:
		out := n.outputLayout.DType
		if isQuantized(out) {
			return out, nil
		}
		return maxDType(inputDType(0), out), nil

	case ops.KindEltwise:
		precision := dtypes.InvalidDType
		for slot := range n.deps {
			precision = maxDType(precision, inputDType(slot))
		}
		if precision == dtypes.InvalidDType {
			precision = dtypes.Float32
		}
		return precision, nil

	case ops.KindConvolution, ops.KindBinaryConvolution, ops.KindDeconvolution,
		ops.KindFullyConnected, ops.KindGemm:
		if len(n.deps) < 2 {
			return dtypes.InvalidDType, errors.Wrapf(ErrGraphIntegrity,
				"%s node %q needs data and weights to derive a precision", n.Kind(), n.ID())
		}
		data, weights := inputDType(0), inputDType(1)
		if isQuantized(data) && isQuantized(weights) {
			return data, nil
		}
		return maxDType(data, weights), nil
	}

	if precision := inputDType(0); precision != dtypes.InvalidDType {
		return precision, nil
	}
	return dtypes.Float32, nil
}

// isQuantized reports whether the type is an 8-bit quantized representation.
func isQuantized(d dtypes.DType) bool {
	return d == dtypes.Int8 || d == dtypes.Uint8
}

// maxDType returns the wider of two element types by byte size, preferring
// floats on ties.
func maxDType(a, b dtypes.DType) dtypes.DType {
	if a == dtypes.InvalidDType {
		return b
	}
	if b == dtypes.InvalidDType {
		return a
	}
	am, bm := a.Memory(), b.Memory()
	if am > bm {
		return a
	}
	if bm > am {
		return b
	}
	if a.IsFloat() {
		return a
	}
	return b
}

// GetImplementationInfo reports the selected implementation of a node as
// "<kernel>__<precision>", or "undef" before selection ran.
func (p *Program) GetImplementationInfo(id string) (string, error) {
	n, err := p.node(id)
	if err != nil {
		return "", err
	}
	if n.selectedImpl == nil {
		return "undef", nil
	}
	precision, err := p.inferencePrecision(n)
	if err != nil {
		return "", err
	}
	return n.selectedImpl.KernelName() + "__" + strings.ToLower(precision.String()), nil
}

// MemoryDependenciesString renders a node's must-not-alias set for dumps, ids
// sorted and comma-separated.
func MemoryDependenciesString(n *Node) string {
	return strings.Join(n.MemoryDependencies(), ", ")
}
