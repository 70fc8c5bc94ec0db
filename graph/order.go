package graph

import (
	"container/list"
)

// ProcessingOrder is the maintained topological sequence of live node ids.
//
// It is computed by a breadth-first traversal from the graph inputs rather
// than depth-first: the order models an out-of-order execution queue, where
// siblings at the same dependency depth may run concurrently and should stay
// grouped. Local edits keep it valid without a full recompute.
type ProcessingOrder struct {
	order *list.List
	elems map[string]*list.Element
}

func newProcessingOrder() *ProcessingOrder {
	return &ProcessingOrder{
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
}

// Len returns the number of nodes in the order.
func (po *ProcessingOrder) Len() int { return po.order.Len() }

// Contains reports whether the node id is part of the order.
func (po *ProcessingOrder) Contains(id string) bool {
	_, found := po.elems[id]
	return found
}

// Nodes returns a snapshot of the order, front to back.
func (po *ProcessingOrder) Nodes() []string {
	ids := make([]string, 0, po.order.Len())
	for e := po.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}

// Index returns the position of id in the order, or -1. It is O(n) and meant
// for tests and diagnostics; passes use iteration snapshots instead.
func (po *ProcessingOrder) Index(id string) int {
	idx := 0
	for e := po.order.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == id {
			return idx
		}
		idx++
	}
	return -1
}

// clear drops the whole order.
func (po *ProcessingOrder) clear() {
	po.order.Init()
	po.elems = make(map[string]*list.Element)
}

// pushBack appends id at the end of the order.
func (po *ProcessingOrder) pushBack(id string) {
	if po.Contains(id) {
		return
	}
	po.elems[id] = po.order.PushBack(id)
}

// InsertNext places node right after the given node, a local insertion that
// avoids a full recompute. If after is not part of the order the node is
// appended at the front (it has no scheduled predecessor).
func (po *ProcessingOrder) InsertNext(after, node string) {
	if po.Contains(node) {
		po.Erase(node)
	}
	if elem, found := po.elems[after]; found {
		po.elems[node] = po.order.InsertAfter(node, elem)
		return
	}
	po.elems[node] = po.order.PushFront(node)
}

// Insert places node right before the given node; used by Replace so the
// replacement occupies the replaced node's position. If before is not part of
// the order the node is appended at the back.
func (po *ProcessingOrder) Insert(before, node string) {
	if po.Contains(node) {
		po.Erase(node)
	}
	if elem, found := po.elems[before]; found {
		po.elems[node] = po.order.InsertBefore(node, elem)
		return
	}
	po.elems[node] = po.order.PushBack(node)
}

// Erase removes the node from the order. Unknown ids are a no-op.
func (po *ProcessingOrder) Erase(id string) {
	if elem, found := po.elems[id]; found {
		po.order.Remove(elem)
		delete(po.elems, id)
	}
}

// rename keeps the order intact across a node rename.
func (po *ProcessingOrder) rename(oldID, newID string) {
	elem, found := po.elems[oldID]
	if !found {
		return
	}
	elem.Value = newID
	delete(po.elems, oldID)
	po.elems[newID] = elem
}

// CalculateBFS recomputes the order from scratch: nodes are grouped by their
// dependency depth (longest path from an input), siblings keep their discovery
// order within a group.
func (po *ProcessingOrder) CalculateBFS(p *Program) {
	po.clear()

	// Kahn-style scheduling over user edges; each frontier wave is one
	// dependency-depth group.
	remaining := make(map[string]int, len(p.nodes))
	var frontier []string
	for id, n := range p.nodes {
		remaining[id] = len(n.deps)
	}
	// Seed with the declared inputs first so the front of the order matches
	// the graph's input list, then any other dependency-free node.
	seeded := make(map[string]bool, len(p.inputs))
	for _, id := range p.inputs {
		if _, alive := p.nodes[id]; alive && remaining[id] == 0 {
			frontier = append(frontier, id)
			seeded[id] = true
		}
	}
	for _, id := range sortedNodeIDs(p.nodes) {
		if remaining[id] == 0 && !seeded[id] {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			po.pushBack(id)
			// The users list holds one entry per edge, so each visit
			// accounts for exactly one dependency slot.
			for _, userID := range p.nodes[id].users {
				if _, alive := p.nodes[userID]; !alive {
					continue
				}
				remaining[userID]--
				if remaining[userID] == 0 {
					next = append(next, userID)
				}
			}
		}
		frontier = next
	}
}

// IsCorrect reports whether the order contains exactly the live node set, with
// no node preceding any of its dependencies.
func (po *ProcessingOrder) IsCorrect(p *Program) bool {
	if po.Len() != len(p.nodes) {
		return false
	}
	position := make(map[string]int, po.Len())
	idx := 0
	for e := po.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(string)
		if _, alive := p.nodes[id]; !alive {
			return false
		}
		position[id] = idx
		idx++
	}
	for id, n := range p.nodes {
		for _, depID := range n.deps {
			depPos, found := position[depID]
			if !found || depPos >= position[id] {
				return false
			}
		}
	}
	return true
}
