package graph

import (
	"slices"

	"github.com/clgraph/clgraph/ops"
	"github.com/pkg/errors"
)

// This file holds the structural-editing primitives of the graph. Every edge
// is kept symmetric: a dependency entry on one side always has a matching user
// entry on the other. Primitives that take ids resolve them through the owning
// node map and fail with ErrGraphIntegrity on unknown ids.

// AddConnection adds one dependency edge prev -> next (next consumes prev).
// The new dependency occupies the next free input slot.
func (p *Program) AddConnection(prevID, nextID string) error {
	prev, err := p.node(prevID)
	if err != nil {
		return err
	}
	next, err := p.node(nextID)
	if err != nil {
		return err
	}
	prev.users = append(prev.users, nextID)
	next.deps = append(next.deps, prevID)
	next.invalidateLayout()
	return nil
}

// RemoveConnection removes every dependency edge between prev and next,
// keeping both sides consistent. Removing a non-existent edge is a no-op.
func (p *Program) RemoveConnection(prevID, nextID string) error {
	prev, err := p.node(prevID)
	if err != nil {
		return err
	}
	next, err := p.node(nextID)
	if err != nil {
		return err
	}
	prev.users = slices.DeleteFunc(prev.users, func(id string) bool { return id == nextID })
	next.deps = slices.DeleteFunc(next.deps, func(id string) bool { return id == prevID })
	next.invalidateLayout()
	return nil
}

// removeAllConnections detaches the node from both sides of every edge.
func (p *Program) removeAllConnections(n *Node) {
	for _, userID := range n.users {
		if user, alive := p.nodes[userID]; alive {
			user.deps = slices.DeleteFunc(user.deps, func(id string) bool { return id == n.ID() })
			user.invalidateLayout()
		}
	}
	for _, depID := range n.deps {
		if dep, alive := p.nodes[depID]; alive {
			dep.users = slices.DeleteFunc(dep.users, func(id string) bool { return id == n.ID() })
		}
	}
	n.deps = nil
	n.users = nil
}

// ReverseConnection turns the edge dep -> user around. It fails if the nodes
// are not connected in that direction.
func (p *Program) ReverseConnection(depID, userID string) error {
	dep, err := p.node(depID)
	if err != nil {
		return err
	}
	if !dep.hasUser(userID) {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot reverse connection %q -> %q: nodes are not connected this way", depID, userID)
	}
	if err := p.RemoveConnection(depID, userID); err != nil {
		return err
	}
	return p.AddConnection(userID, depID)
}

// replaceDependency redirects the given input slot of node to newDep,
// updating both reverse edges.
func (p *Program) replaceDependency(n *Node, slot int, newDepID string) error {
	if slot < 0 || slot >= len(n.deps) {
		return errors.Wrapf(ErrStructuralPrecondition,
			"node %s has no dependency slot %d", nodeRef(n), slot)
	}
	newDep, err := p.node(newDepID)
	if err != nil {
		return err
	}
	oldDepID := n.deps[slot]
	n.deps[slot] = newDepID
	newDep.users = append(newDep.users, n.ID())
	if oldDep, alive := p.nodes[oldDepID]; alive {
		// Drop exactly one reverse edge: the node may consume oldDep in
		// other slots too.
		if idx := slices.Index(oldDep.users, n.ID()); idx >= 0 {
			oldDep.users = slices.Delete(oldDep.users, idx, idx+1)
		}
	}
	n.invalidateLayout()
	return nil
}

// AddIntermediate inserts newNode on the edge feeding consumer's input slot.
//
// With spliceIntoOldEdge the old producer becomes newNode's dependency;
// newNode must then be a fresh adapter without dependencies of its own. With
// migrateOtherUsers every other user of the old producer is redirected to
// consume newNode instead, and constant/data-flow flags are re-derived on both
// sides; otherwise only the single consumer edge is redirected and the flags
// are copied forward.
func (p *Program) AddIntermediate(newNode *Node, consumer *Node, slot int,
	spliceIntoOldEdge, migrateOtherUsers bool) error {
	if spliceIntoOldEdge && len(newNode.deps) > 0 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"node %s is about to be added in between two other nodes and must not have existing dependencies",
			nodeRef(newNode))
	}
	if slot < 0 || slot >= len(consumer.deps) {
		return errors.Wrapf(ErrStructuralPrecondition,
			"node %s has no dependency slot %d", nodeRef(consumer), slot)
	}
	prevID := consumer.deps[slot]
	prev, err := p.node(prevID)
	if err != nil {
		return err
	}

	// Connect first, then redirect, so prev never becomes dangling in
	// between.
	if spliceIntoOldEdge {
		if err := p.AddConnection(prevID, newNode.ID()); err != nil {
			return err
		}
		if p.order.Len() != 0 {
			p.order.InsertNext(prevID, newNode.ID())
		}
	}

	if migrateOtherUsers {
		for _, userID := range prev.Users() {
			if userID == newNode.ID() {
				continue
			}
			user := p.nodes[userID]
			for depSlot, depID := range user.deps {
				if depID == prevID {
					if err := p.replaceDependency(user, depSlot, newNode.ID()); err != nil {
						return err
					}
				}
			}
		}
		p.markIfConstant(prev)
		p.markIfConstant(newNode)
		p.markIfDataFlow(prev)
		p.markIfDataFlow(newNode)
	} else {
		if err := p.replaceDependency(consumer, slot, newNode.ID()); err != nil {
			return err
		}
		newNode.constant = prev.constant
		newNode.dataFlow = prev.dataFlow
	}
	return nil
}

// AddIntermediateBetween is AddIntermediate locating the input slot by the
// previous producer's id. It fails if consumer does not actually consume prev.
func (p *Program) AddIntermediateBetween(newNode *Node, consumer *Node, prevID string,
	spliceIntoOldEdge, migrateOtherUsers bool) error {
	slot := consumer.dependencySlot(prevID)
	if slot < 0 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot add intermediate node between %s and dependency %q: they are not connected this way",
			nodeRef(consumer), prevID)
	}
	return p.AddIntermediate(newNode, consumer, slot, spliceIntoOldEdge, migrateOtherUsers)
}

// Rename changes a node's identifier. It fails on id collisions and on output
// nodes (their external identifier must stay resolvable).
func (p *Program) Rename(n *Node, newID string) error {
	if p.HasNode(newID) {
		return errors.Wrapf(ErrGraphIntegrity, "cannot rename %q: node %q already exists", n.ID(), newID)
	}
	if n.isOutput {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot rename output node %q; clear the output flag first", n.ID())
	}
	oldID := n.ID()
	delete(p.nodes, oldID)
	p.nodes[newID] = n
	n.prim.ID = newID

	// Edges reference nodes by id, so both sides of every edge follow the
	// rename.
	for _, depID := range n.deps {
		if dep, alive := p.nodes[depID]; alive {
			for i, userID := range dep.users {
				if userID == oldID {
					dep.users[i] = newID
				}
			}
		}
	}
	for _, userID := range n.users {
		if user, alive := p.nodes[userID]; alive {
			for i, depID := range user.deps {
				if depID == oldID {
					user.deps[i] = newID
				}
			}
		}
	}
	if idx := slices.Index(p.inputs, oldID); idx >= 0 {
		p.inputs[idx] = newID
	}
	p.order.rename(oldID, newID)
	return nil
}

// fixOutputsList re-derives the outputs id list from node flags, preserving
// order of first appearance.
func (p *Program) fixOutputsList() {
	live := p.outputs[:0]
	for _, id := range p.outputs {
		if n, alive := p.nodes[id]; alive && n.isOutput {
			live = append(live, id)
		}
	}
	p.outputs = live
}

// ReplaceAllUsages redirects every user of oldNode to consume newNode instead.
func (p *Program) ReplaceAllUsages(oldNode, newNode *Node) error {
	for _, userID := range oldNode.Users() {
		user, err := p.node(userID)
		if err != nil {
			return err
		}
		for slot, depID := range user.deps {
			if depID == oldNode.ID() {
				if err := p.replaceDependency(user, slot, newNode.ID()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Replace substitutes newNode for oldNode: newNode takes over oldNode's
// edges, cached output layout, flags, input/output membership, processing
// order position and, finally, oldNode's identifier. newNode must be fully
// detached and not already marked output.
func (p *Program) Replace(oldNode, newNode *Node) error {
	if len(newNode.deps) > 0 || len(newNode.users) > 0 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"replacement node %s must be detached", nodeRef(newNode))
	}
	if newNode.isOutput {
		return errors.Wrapf(ErrStructuralPrecondition,
			"replacement node %s must not be marked as an output: such nodes cannot be renamed",
			nodeRef(newNode))
	}

	oldID := oldNode.ID()
	newNode.outputLayout = oldNode.outputLayout
	newNode.layoutValid = oldNode.layoutValid

	// Move dependencies over.
	for len(oldNode.deps) > 0 {
		depID := oldNode.deps[0]
		if err := p.AddConnection(depID, newNode.ID()); err != nil {
			return err
		}
		if err := p.RemoveConnection(depID, oldID); err != nil {
			return err
		}
	}

	// Append users, rewriting their dependency slots in place.
	for _, userID := range oldNode.users {
		user, err := p.node(userID)
		if err != nil {
			return err
		}
		newNode.users = append(newNode.users, userID)
		for slot, depID := range user.deps {
			if depID == oldID {
				user.deps[slot] = newNode.ID()
			}
		}
	}
	oldNode.users = nil

	oldWasOutput := oldNode.isOutput
	if oldWasOutput {
		oldNode.isOutput = false
		p.fixOutputsList()
	}
	if oldNode.isInput {
		newNode.isInput = true
		if idx := slices.Index(p.inputs, oldID); idx >= 0 {
			p.inputs = slices.Delete(p.inputs, idx, idx+1)
		}
		p.inputs = append(p.inputs, newNode.ID())
	}
	newNode.constant = oldNode.constant
	newNode.dataFlow = oldNode.dataFlow

	p.order.Insert(oldID, newNode.ID())
	p.order.Erase(oldID)
	delete(p.nodes, oldID)
	if err := p.Rename(newNode, oldID); err != nil {
		return err
	}
	if oldWasOutput {
		newNode.isOutput = true
		p.outputs = append(p.outputs, oldID)
	}
	return nil
}

// RemoveIfDangling removes the node if it has neither users nor dependencies.
// Output nodes survive unless this is a debug build. It reports whether the
// node is (now) gone.
func (p *Program) RemoveIfDangling(n *Node) bool {
	if !n.IsDangling() {
		return false
	}
	if n.isOutput && !p.config.DebugBuild {
		return true
	}
	if n.isInput {
		if idx := slices.Index(p.inputs, n.ID()); idx >= 0 {
			p.inputs = slices.Delete(p.inputs, idx, idx+1)
		}
	}
	p.order.Erase(n.ID())
	p.addOptimizedPrimitive(n.ID(), nil)
	delete(p.nodes, n.ID())
	return true
}

// Extract splices a single-dependency node out of the graph, reconnecting its
// sole dependency directly to its users. If the node was an output, output
// status transfers to the former dependency through a rename dance so the
// external identifier is preserved. It fails without mutation if the node's
// dependency count is not exactly 1.
func (p *Program) Extract(n *Node) error {
	if len(n.deps) != 1 {
		return errors.Wrapf(ErrStructuralPrecondition,
			"cannot extract node %s: it has %d dependencies, want exactly 1", nodeRef(n), len(n.deps))
	}

	if n.isOutput && !p.config.DebugBuild {
		prev, err := p.node(n.deps[0])
		if err != nil {
			return err
		}
		nodeID := n.ID()
		n.isOutput = false
		p.fixOutputsList()
		if err := p.Rename(n, "_clgraph_tmp_"+nodeID); err != nil {
			return err
		}
		if err := p.Rename(prev, nodeID); err != nil {
			return err
		}
		prev.isOutput = true
		p.outputs = append(p.outputs, nodeID)
	}

	input, err := p.node(n.deps[0])
	if err != nil {
		return err
	}

	// Loop constructs track surrounding ids: keep their mappings in sync.
	for _, userID := range n.users {
		if user := p.nodes[userID]; user != nil && user.Kind() == ops.KindLoop {
			updateLoopPrimitiveMapping(user, n.ID(), input.ID())
		}
	}

	input.users = slices.DeleteFunc(input.users, func(id string) bool { return id == n.ID() })
	n.deps = nil

	if !n.IsEndpoint() {
		if err := p.ReplaceAllUsages(n, input); err != nil {
			return err
		}
		n.users = nil
	}
	p.order.Erase(n.ID())
	return nil
}

// ExtractAndRemove extracts the node and removes it if it ended up dangling.
func (p *Program) ExtractAndRemove(n *Node) error {
	replacedWith := n.Dependencies()
	if err := p.Extract(n); err != nil {
		return err
	}
	if n.IsDangling() {
		if n.isInput {
			if idx := slices.Index(p.inputs, n.ID()); idx >= 0 {
				p.inputs = slices.Delete(p.inputs, idx, idx+1)
			}
		}
		p.addOptimizedPrimitive(n.ID(), replacedWith)
		delete(p.nodes, n.ID())
	}
	return nil
}

// MoveNode extracts the node from its current position and re-inserts it on
// the edge between newPrev and newNext.
func (p *Program) MoveNode(n *Node, newPrevID string, newNext *Node) error {
	if err := p.Extract(n); err != nil {
		return err
	}
	return p.AddIntermediateBetween(n, newNext, newPrevID, true, false)
}

// RemoveNodes bulk-removes nodes, fixing up all referencing edges and
// recording each removal in the optimized-out ledger.
func (p *Program) RemoveNodes(toRemove []*Node) {
	for _, n := range toRemove {
		p.removeAllConnections(n)
		if n.isInput {
			if idx := slices.Index(p.inputs, n.ID()); idx >= 0 {
				p.inputs = slices.Delete(p.inputs, idx, idx+1)
			}
		}
		p.order.Erase(n.ID())
		p.addOptimizedPrimitive(n.ID(), nil)
		delete(p.nodes, n.ID())
	}
}

// markIfConstant marks the node constant if every dependency is constant,
// assuming dependencies are marked already. Kinds that hold state never become
// constant; dependency-free nodes keep their creation-time marking.
func (p *Program) markIfConstant(n *Node) {
	if len(n.deps) == 0 || n.Kind().NeverConstant() {
		return
	}
	n.constant = true
	for _, depID := range n.deps {
		if dep, alive := p.nodes[depID]; alive && !dep.constant {
			n.constant = false
			return
		}
	}
}

// markIfDataFlow marks whether the node participates in the main data flow,
// assuming dependencies are marked already.
func (p *Program) markIfDataFlow(n *Node) {
	switch n.Kind() {
	case ops.KindInput, ops.KindMutableData:
		n.dataFlow = true
		return
	}
	n.dataFlow = false
	inputsCount := len(n.deps)
	// detection_output and proposal carry prior-box plumbing in their third
	// input, which is not data flow.
	if n.Kind() == ops.KindDetectionOutput || n.Kind() == ops.KindProposal {
		inputsCount = min(inputsCount, 2)
	}
	for slot := 0; slot < inputsCount; slot++ {
		if dep, alive := p.nodes[n.deps[slot]]; alive && dep.dataFlow {
			n.dataFlow = true
			return
		}
	}
}

// AddSplitOutputs synthesizes, for every split node, one crop node per
// declared output, each reading the split's sole input at its declared static
// offset.
func (p *Program) AddSplitOutputs() error {
	for _, id := range sortedNodeIDs(p.nodes) {
		n := p.nodes[id]
		if n.Kind() != ops.KindSplit {
			continue
		}
		split := n.prim.Split
		if len(n.prim.Inputs) != 1 {
			return errors.Wrapf(ErrGraphIntegrity,
				"split node %q must have exactly 1 input, got %d", id, len(n.prim.Inputs))
		}
		inputID := n.prim.Inputs[0]
		for i, outputID := range split.OutputIDs {
			cropID := id + ":" + outputID
			crop := &ops.Primitive{
				ID:     cropID,
				Kind:   ops.KindCrop,
				Inputs: []string{inputID},
				Crop: &ops.CropParams{
					Offsets: slices.Clone(split.OutputOffsets[i]),
				},
			}
			if _, err := p.GetOrCreate(crop); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateLoopPrimitiveMapping redirects a loop construct's external id mapping
// when the node it referenced is spliced out.
func updateLoopPrimitiveMapping(loop *Node, oldID, newID string) {
	params := loop.prim.Loop
	if params == nil {
		return
	}
	if bodyID, found := params.PrimitiveMap[oldID]; found {
		delete(params.PrimitiveMap, oldID)
		params.PrimitiveMap[newID] = bodyID
	}
}
