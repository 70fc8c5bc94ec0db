package graph

// Memory-dependency analysis feeds the engine's buffer reuse: two nodes with a
// recorded dependency must never share a device buffer. The sub-analyses are
// conservative and only ever add constraints, so running them in any order or
// repeatedly yields the same set.

// execIndexes returns each live node's position in the processing order.
func (p *Program) execIndexes() map[string]int {
	idx := make(map[string]int, len(p.nodes))
	for i, id := range p.order.Nodes() {
		idx[id] = i
	}
	return idx
}

// liveRange returns the execution interval over which the node's output buffer
// is needed: from its own slot to its last consumer's.
func liveRange(n *Node, idx map[string]int) (int, int) {
	start := idx[n.ID()]
	end := start
	for _, userID := range n.users {
		if userIdx, found := idx[userID]; found && userIdx > end {
			end = userIdx
		}
	}
	return start, end
}

// basicMemoryDependencies records a mutual constraint between every pair of
// nodes whose output live ranges overlap: both buffers are needed at the same
// point of the schedule.
func (p *Program) basicMemoryDependencies() error {
	idx := p.execIndexes()
	ids := p.order.Nodes()
	type span struct {
		n          *Node
		start, end int
	}
	spans := make([]span, 0, len(ids))
	for _, id := range ids {
		n := p.nodes[id]
		start, end := liveRange(n, idx)
		spans = append(spans, span{n: n, start: start, end: end})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[j].start > spans[i].end {
				break
			}
			spans[i].n.addMemoryDependency(spans[j].n.ID())
			spans[j].n.addMemoryDependency(spans[i].n.ID())
		}
	}
	return nil
}

// skippedBranchMemoryDependencies keeps a producer's buffer alive across
// scheduling gaps: anything scheduled between the producer and one of its
// consumers might otherwise be handed the producer's buffer while the consumer
// still has to read it.
func (p *Program) skippedBranchMemoryDependencies() error {
	idx := p.execIndexes()
	ids := p.order.Nodes()
	for _, id := range ids {
		n := p.nodes[id]
		start, end := liveRange(n, idx)
		for between := start + 1; between < end; between++ {
			m := p.nodes[ids[between]]
			if m.dependencySlot(id) >= 0 {
				continue
			}
			n.addMemoryDependency(m.ID())
			m.addMemoryDependency(id)
		}
	}
	return nil
}

// oooqMemoryDependencies covers out-of-order queues: nodes at the same
// dependency depth may run concurrently, so their buffers must not alias even
// when their live ranges look disjoint in the linear order.
func (p *Program) oooqMemoryDependencies() error {
	if !p.engine.Device().OutOfOrderQueue {
		return nil
	}
	depths := p.dependencyDepths()
	byDepth := make(map[int][]*Node)
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		byDepth[depths[id]] = append(byDepth[depths[id]], n)
	}
	for _, group := range byDepth {
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				group[i].addMemoryDependency(group[j].ID())
				group[j].addMemoryDependency(group[i].ID())
			}
		}
	}
	return nil
}

// dependencyDepths computes each node's dependency depth: the longest path
// from a dependency-free node, the wave number of the breadth-first order.
func (p *Program) dependencyDepths() map[string]int {
	depths := make(map[string]int, len(p.nodes))
	for _, id := range p.order.Nodes() {
		n := p.nodes[id]
		depth := 0
		for _, depID := range n.deps {
			if d, found := depths[depID]; found && d+1 > depth {
				depth = d + 1
			}
		}
		depths[id] = depth
	}
	return depths
}
