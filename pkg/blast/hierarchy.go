package blast

import "fmt"

// inputTree is the chunk hierarchy in descriptor order, plus the canonical
// depth-first order derived from it.
type inputTree struct {
	offsets []uint32
	kids    []uint32
	roots   []uint32
	order   []uint32 // canonical index -> descriptor index
}

// newInputTree validates parent links and computes the preorder. A chunk that
// is not reachable from any root sits on a parent cycle.
func newInputTree(chunks []ChunkDesc) (*inputTree, error) {
	n := len(chunks)
	t := &inputTree{
		offsets: make([]uint32, n+1),
	}

	for i, c := range chunks {
		p := c.Parent
		if p == InvalidIndex {
			t.roots = append(t.roots, uint32(i))
			continue
		}
		if uint64(p) >= uint64(n) {
			return nil, fmt.Errorf("%w: chunk %d has parent %d out of range", ErrInvalidHierarchy, i, p)
		}
		t.offsets[p+1]++
	}
	for i := 0; i < n; i++ {
		t.offsets[i+1] += t.offsets[i]
	}

	t.kids = make([]uint32, t.offsets[n])
	cursor := make([]uint32, n)
	copy(cursor, t.offsets[:n])
	for i, c := range chunks {
		if c.Parent == InvalidIndex {
			continue
		}
		t.kids[cursor[c.Parent]] = uint32(i)
		cursor[c.Parent]++
	}

	t.order = make([]uint32, 0, n)
	stack := make([]uint32, 0, n)
	for r := len(t.roots) - 1; r >= 0; r-- {
		stack = append(stack, t.roots[r])
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t.order = append(t.order, c)

		kids := t.childrenOf(c)
		for k := len(kids) - 1; k >= 0; k-- {
			stack = append(stack, kids[k])
		}
	}

	if len(t.order) != n {
		return nil, fmt.Errorf("%w: %d chunks lie on a parent cycle", ErrInvalidHierarchy, n-len(t.order))
	}
	return t, nil
}

func (t *inputTree) childrenOf(i uint32) []uint32 {
	return t.kids[t.offsets[i]:t.offsets[i+1]]
}

// EnsureExactSupportCoverage adjusts support flags in place so that every
// leaf-to-root chain holds exactly one support chunk. Where a chain holds
// several, the highest is kept; where it holds none, the highest chunk on it
// without support descendants is flagged. It returns the number of chunks
// whose flag changed.
func EnsureExactSupportCoverage(chunks []ChunkDesc) (int, error) {
	t, err := newInputTree(chunks)
	if err != nil {
		return 0, err
	}
	return t.ensureExactSupportCoverage(chunks), nil
}

func (t *inputTree) ensureExactSupportCoverage(chunks []ChunkDesc) int {
	changed := 0

	for i := range chunks {
		if len(t.childrenOf(uint32(i))) != 0 {
			continue
		}
		highest := InvalidIndex
		for c := uint32(i); c != InvalidIndex; c = chunks[c].Parent {
			if chunks[c].IsSupport() {
				highest = c
			}
		}
		if highest == InvalidIndex {
			continue
		}
		for c := uint32(i); c != highest; c = chunks[c].Parent {
			if chunks[c].IsSupport() {
				chunks[c].Flags &^= ChunkSupport
				changed++
			}
		}
	}

	// Children follow their parents in preorder, so walking it backwards
	// sees every subtree before its root.
	below := make([]bool, len(chunks))
	for k := len(t.order) - 1; k >= 0; k-- {
		c := t.order[k]
		for _, child := range t.childrenOf(c) {
			if below[child] || chunks[child].IsSupport() {
				below[c] = true
				break
			}
		}
	}

	for i := range chunks {
		if len(t.childrenOf(uint32(i))) != 0 {
			continue
		}
		covered := false
		for c := uint32(i); c != InvalidIndex; c = chunks[c].Parent {
			if chunks[c].IsSupport() {
				covered = true
				break
			}
		}
		if covered {
			continue
		}

		top := uint32(i)
		for p := chunks[top].Parent; p != InvalidIndex && !below[p]; p = chunks[p].Parent {
			top = p
		}
		chunks[top].Flags |= ChunkSupport
		changed++
		for p := chunks[top].Parent; p != InvalidIndex; p = chunks[p].Parent {
			below[p] = true
		}
	}

	return changed
}
