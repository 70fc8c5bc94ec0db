package graph

import (
	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/pkg/errors"
)

// FuseNodes absorbs peer into target: the peer's descriptor is appended to the
// target's fused list, the peer's other dependencies are re-parented onto the
// target with new sequential slot indices, the peer's users are redirected to
// the target and the peer's padding is merged in (element-wise maximum).
//
// The peer node itself is left dangling; removing it is the caller's
// responsibility (RemoveIfDangling).
//
// For quantize peers already pre-shaped to the scale-shift form, input slots
// whose information is subsumed by another retained slot or by a per-tensor
// scalar parameter are elided instead of re-parented; see canDropQuantizeInput
// for the exact table.
func (p *Program) FuseNodes(target, peer *Node) error {
	peerLayout, err := p.ResolveOutputLayout(peer)
	if err != nil {
		return err
	}
	if target.dependencySlot(peer.ID()) >= 0 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot fuse %s into its own dependency %s", nodeRef(peer), nodeRef(target))
	}
	if peer.dependencySlot(target.ID()) < 0 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot fuse %s into %s: peer does not consume the target", nodeRef(peer), nodeRef(target))
	}

	desc := FusedPrimitive{
		Desc:         peer.prim.Clone(),
		DepStartIdx:  len(target.deps),
		TotalNumDeps: len(peer.deps),
		OutputLayout: peerLayout.Clone(),
	}
	if inputLayout, err := p.ResolveOutputLayout(p.nodes[peer.deps[0]]); err == nil {
		desc.InputLayout = inputLayout.Clone()
	}
	if peer.Kind() == ops.KindActivation && peer.prim.Activation != nil {
		// At most one chained activation function is carried forward.
		desc.Activation = peer.prim.Activation.Func
		desc.ActivationA = peer.prim.Activation.A
		desc.ActivationB = peer.prim.Activation.B
	}

	targetLayout, err := p.ResolveOutputLayout(target)
	if err != nil {
		return err
	}
	neededPadding := layout.Max(peerLayout.DataPadding, targetLayout.DataPadding)

	// Transitive provenance: operations fused into the peer earlier stay
	// recoverable from the target's fused list.
	if history, found := p.fusingHistory[peer.ID()]; found {
		desc.FusedDeps = make(map[string]int, len(history))
		for _, entry := range history {
			desc.FusedDeps[entry.peerID] = entry.slot
		}
	}

	// Re-parent the peer's other dependencies onto the target.
	depsIdx := 0
	for slot, depID := range peer.Dependencies() {
		if depID == target.ID() {
			depsIdx++
			continue
		}
		if peer.Kind() == ops.KindQuantize && canDropQuantizeInput(peer.prim.Quantize, slot) {
			continue
		}
		dep, err := p.node(depID)
		if err != nil {
			return err
		}
		target.deps = append(target.deps, depID)
		dep.users = append(dep.users, target.ID())
		desc.Deps = append(desc.Deps, FusedDep{ID: depID, Slot: depsIdx})
		depsIdx++
	}
	desc.TotalNumDeps = min(desc.TotalNumDeps, depsIdx)

	target.fused = append(target.fused, desc)
	if peer.HasFusedPrimitives() {
		target.fused = append(target.fused, peer.fused...)
	}
	p.addOptimizedPrimitive(peer.ID(), []string{target.ID()})

	// Record, per user of the peer, which dependency slot the peer occupied,
	// so later fusions of those users keep the chain recoverable.
	for _, userID := range peer.users {
		user, alive := p.nodes[userID]
		if !alive {
			continue
		}
		slot := user.dependencySlot(peer.ID())
		p.fusingHistory[userID] = append(p.fusingHistory[userID], fusedDep{peerID: peer.ID(), slot: slot})
	}

	// Remove all edges into the peer, then hand its users to the target.
	for len(peer.deps) > 0 {
		depID := peer.deps[len(peer.deps)-1]
		if err := p.RemoveConnection(depID, peer.ID()); err != nil {
			return err
		}
	}
	if err := p.ReplaceAllUsages(peer, target); err != nil {
		return err
	}
	peer.users = nil

	// The target's output takes over the peer's layout; only padding needs
	// recomputing.
	target.mergeOutputPadding(neededPadding)
	target.setOutputLayout(peerLayout.WithPadding(target.outputLayout.DataPadding), true)
	return nil
}

// canDropQuantizeInput is the slot-elision table for scale-shift-optimized
// quantize peers: an input slot is dropped when its information is subsumed by
// another retained slot or by a per-tensor scalar parameter.
//
// Slots of a quantize node: 0=data, 1=input_low, 2=input_high, 3=output_low,
// 4=output_high, 5=input_scale, 6=input_shift, 7=output_scale, 8=output_shift.
//
// The slot 3/4 rule overlaps the slot 1/2 rule (both drop when the per-tensor
// output range is usable); the table is kept as a per-slot disjunction rather
// than simplified, since the kernels consume exactly this shape.
func canDropQuantizeInput(q *ops.QuantizeParams, slot int) bool {
	if q == nil || !q.ScaleShiftOpt {
		return false
	}
	outRangeUsage := q.PerTensorOutputRange && q.OutLo < q.OutHi
	switch slot {
	case 1, 2:
		// Input range: subsumed by the per-tensor output range, or unused
		// when no clamping is needed.
		return outRangeUsage || !q.NeedClamp
	case 3, 4:
		// Output range: never consumed by the scale-shift kernel.
		return true
	case 5:
		return q.PerTensorInputScale
	case 6:
		return !q.NeedPreShift || q.PerTensorInputShift
	case 7:
		return !q.NeedPostScale || q.PerTensorOutputScale
	case 8:
		return !q.NeedPostShift || q.PerTensorOutputShift
	}
	return false
}
