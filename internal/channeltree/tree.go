// Package channeltree keeps channels as an arena keyed by id with parent
// pointers. All walks are iterative and stop on cycles, so a corrupt
// parent chain can never hang a caller.
package channeltree

import "errors"

var ErrCycle = errors.New("channel parent chain contains a cycle")

type Tree struct {
	parent   map[string]string
	children map[string]map[string]struct{}
}

func New() *Tree {
	return &Tree{
		parent:   make(map[string]string),
		children: make(map[string]map[string]struct{}),
	}
}

// Put inserts id or moves it under parentID ("" for a root).
func (t *Tree) Put(id, parentID string) {
	if old, ok := t.parent[id]; ok {
		if set := t.children[old]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(t.children, old)
			}
		}
	}
	t.parent[id] = parentID
	if parentID == "" {
		return
	}
	set := t.children[parentID]
	if set == nil {
		set = make(map[string]struct{})
		t.children[parentID] = set
	}
	set[id] = struct{}{}
}

func (t *Tree) Has(id string) bool {
	_, ok := t.parent[id]
	return ok
}

func (t *Tree) Parent(id string) string { return t.parent[id] }

func (t *Tree) Len() int { return len(t.parent) }

// Rename re-keys oldID as newID, keeping its parent and children. Used
// when a temporary channel id is promoted.
func (t *Tree) Rename(oldID, newID string) {
	if oldID == newID || !t.Has(oldID) {
		return
	}
	parentID := t.parent[oldID]
	kids := t.children[oldID]
	t.Remove(oldID)
	t.Put(newID, parentID)
	for kid := range kids {
		t.Put(kid, newID)
	}
}

// Remove drops id only. Its children become roots.
func (t *Tree) Remove(id string) {
	parentID, ok := t.parent[id]
	if !ok {
		return
	}
	if set := t.children[parentID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.children, parentID)
		}
	}
	for kid := range t.children[id] {
		t.parent[kid] = ""
	}
	delete(t.children, id)
	delete(t.parent, id)
}

// Ancestors returns the parent chain of id, nearest first. Unknown
// parents end the chain.
func (t *Tree) Ancestors(id string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{id: {}}
	cur := t.parent[id]
	for cur != "" {
		if _, dup := seen[cur]; dup {
			return out, ErrCycle
		}
		seen[cur] = struct{}{}
		out = append(out, cur)
		if !t.Has(cur) {
			break
		}
		cur = t.parent[cur]
	}
	return out, nil
}

// Depth is the number of ancestors of id; a root channel has depth 0.
func (t *Tree) Depth(id string) (int, error) {
	anc, err := t.Ancestors(id)
	return len(anc), err
}

// Descendants returns every channel below id, breadth first.
func (t *Tree) Descendants(id string) []string {
	var out []string
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for kid := range t.children[cur] {
			if _, dup := seen[kid]; dup {
				continue
			}
			seen[kid] = struct{}{}
			out = append(out, kid)
			queue = append(queue, kid)
		}
	}
	return out
}

// WouldCycle reports whether making parentID the parent of id would put
// id on its own ancestor chain.
func (t *Tree) WouldCycle(id, parentID string) bool {
	if parentID == "" {
		return false
	}
	if parentID == id {
		return true
	}
	anc, err := t.Ancestors(parentID)
	if err != nil {
		return true
	}
	for _, a := range anc {
		if a == id {
			return true
		}
	}
	return false
}

// RemoveSubtree drops id and all of its descendants and returns the
// removed ids, id first.
func (t *Tree) RemoveSubtree(id string) []string {
	if !t.Has(id) {
		return nil
	}
	removed := append([]string{id}, t.Descendants(id)...)
	for i := len(removed) - 1; i >= 0; i-- {
		t.Remove(removed[i])
	}
	return removed
}
