// Package tree indexes folder hierarchies by parent pointer.
//
// Nodes live in one slice and refer to each other by index, so walking up
// to the root or down through a subtree never depends on how ids are
// spelled.
package tree

// Item is one folder and its parent.
type Item[T comparable] struct {
	ID       T
	ParentID T
}

type node[T comparable] struct {
	id       T
	parent   int // -1 when the parent is outside the index
	children []int
}

// Index is an immutable parent-pointer tree.
type Index[T comparable] struct {
	nodes []node[T]
	byID  map[T]int
}

// Build indexes items. Items whose parent is not itself an item become
// top-level nodes.
func Build[T comparable](items []Item[T]) *Index[T] {
	x := &Index[T]{
		nodes: make([]node[T], len(items)),
		byID:  make(map[T]int, len(items)),
	}
	for i, it := range items {
		x.nodes[i] = node[T]{id: it.ID, parent: -1}
		x.byID[it.ID] = i
	}
	for i, it := range items {
		if p, ok := x.byID[it.ParentID]; ok && p != i {
			x.nodes[i].parent = p
			x.nodes[p].children = append(x.nodes[p].children, i)
		}
	}
	return x
}

// Len returns the number of nodes.
func (x *Index[T]) Len() int { return len(x.nodes) }

// Contains reports whether id is indexed.
func (x *Index[T]) Contains(id T) bool {
	_, ok := x.byID[id]
	return ok
}

// Parent returns the indexed parent of id.
func (x *Index[T]) Parent(id T) (T, bool) {
	var zero T
	i, ok := x.byID[id]
	if !ok || x.nodes[i].parent < 0 {
		return zero, false
	}
	return x.nodes[x.nodes[i].parent].id, true
}

// Ancestors returns the ids above id, nearest first.
func (x *Index[T]) Ancestors(id T) []T {
	i, ok := x.byID[id]
	if !ok {
		return nil
	}
	var out []T
	seen := map[int]bool{i: true}
	for p := x.nodes[i].parent; p >= 0 && !seen[p]; p = x.nodes[p].parent {
		seen[p] = true
		out = append(out, x.nodes[p].id)
	}
	return out
}

// IsAncestor reports whether anc is id or lies above it.
func (x *Index[T]) IsAncestor(anc, id T) bool {
	if anc == id {
		return true
	}
	for _, a := range x.Ancestors(id) {
		if a == anc {
			return true
		}
	}
	return false
}

// Descendants returns every id below id in pre-order, parents before their
// children. id itself is not included.
func (x *Index[T]) Descendants(id T) []T {
	i, ok := x.byID[id]
	if !ok {
		return nil
	}
	var out []T
	stack := append([]int(nil), x.nodes[i].children...)
	seen := map[int]bool{i: true}
	for len(stack) > 0 {
		n := stack[0]
		stack = stack[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, x.nodes[n].id)
		stack = append(append([]int(nil), x.nodes[n].children...), stack...)
	}
	return out
}

// Depth returns the number of indexed ancestors of id.
func (x *Index[T]) Depth(id T) int {
	return len(x.Ancestors(id))
}
