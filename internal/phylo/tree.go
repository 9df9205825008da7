// Package phylo holds the rooted tree and posterior-probability tensor that
// the rest of grand-convergence operates over.
package phylo

import (
	"errors"
	"fmt"

	gotree "github.com/evolbioinfo/gotree/tree"
)

// ErrInvalidTree wraps every malformed-tree condition surfaced while
// building a Tree from an upstream rooted Newick string.
var ErrInvalidTree = errors.New("invalid tree")

// Node is one vertex of the rooted tree. Ids are dense: leaves occupy
// [0, NLeaf), internal nodes occupy [NLeaf, len(Nodes)).
type Node struct {
	ID       int
	Father   int // -1 iff this is the root
	Children []int
	Branch   float64 // 0 at the root
	Name     string  // only set for leaves
}

// Tree is the in-memory rooted tree described in spec §3.
type Tree struct {
	Nodes []Node
	NLeaf int
	Root  int
}

func (t *Tree) NNode() int { return len(t.Nodes) }

// IsRoot reports whether id is the tree's root.
func (t *Tree) IsRoot(id int) bool { return id == t.Root }

// IsLeaf reports whether id names a leaf (dense in [0, NLeaf) by construction).
func (t *Tree) IsLeaf(id int) bool { return id >= 0 && id < t.NLeaf }

// FromGotree builds a Tree from a parsed gotree.Tree, renumbering node ids so
// that leaves are dense in [0, nleaf) and internal nodes dense in
// [nleaf, nnode), as required by spec §3. gotree assigns ids in parse order,
// which does not have this property, so every node is relabeled here via one
// post-order counting pass, the same traversal-then-derive idiom
// internal/graphs/treedata.go uses for leafsets, depths, and the id-to-node
// map.
func FromGotree(tre *gotree.Tree) (*Tree, error) {
	if tre == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrInvalidTree)
	}
	if !tre.Rooted() {
		return nil, fmt.Errorf("%w: tree is not rooted", ErrInvalidTree)
	}
	if err := tre.UpdateTipIndex(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTree, err)
	}
	nLeaves, err := tre.NbTips()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTree, err)
	}
	all := tre.Nodes()
	nnode := len(all)

	idOf := make(map[*gotree.Node]int, nnode)
	leafNext, internalNext := 0, nLeaves
	tre.PostOrder(func(cur, prev *gotree.Node, e *gotree.Edge) (keep bool) {
		if cur.Tip() {
			idOf[cur] = leafNext
			leafNext++
		} else {
			idOf[cur] = internalNext
			internalNext++
		}
		return true
	})
	if leafNext != nLeaves || internalNext != nnode {
		panic(fmt.Sprintf("node renumbering invariant broken: leaves %d/%d, nodes %d/%d", leafNext, nLeaves, internalNext, nnode))
	}

	nodes := make([]Node, nnode)
	for _, n := range all {
		id := idOf[n]
		father := -1
		if p, perr := n.Parent(); perr == nil && p != nil {
			father = idOf[p]
		}
		branch := 0.0
		if pe, eerr := n.ParentEdge(); eerr == nil && pe != nil {
			if l := pe.Length(); l != gotree.NIL_LENGTH {
				branch = l
			}
		}
		var name string
		if n.Tip() {
			name = n.Name()
		}
		nodes[id] = Node{
			ID:       id,
			Father:   father,
			Children: childIDs(n, idOf),
			Branch:   branch,
			Name:     name,
		}
	}
	return &Tree{Nodes: nodes, NLeaf: nLeaves, Root: idOf[tre.Root()]}, nil
}

// childIDs mirrors internal/graphs/treedata.go's GetChildren: a node's
// children are its neighbors other than its parent.
func childIDs(n *gotree.Node, idOf map[*gotree.Node]int) []int {
	var parent *gotree.Node
	if p, err := n.Parent(); err == nil {
		parent = p
	}
	children := make([]int, 0, 2)
	for _, neigh := range n.Neigh() {
		if neigh != parent {
			children = append(children, idOf[neigh])
		}
	}
	return children
}

// Validate checks the structural invariants from spec §3: dense leaf/internal
// id ranges, exactly one root, every non-root node appearing once as a child
// of its father.
func (t *Tree) Validate() error {
	n := len(t.Nodes)
	if t.Root < 0 || t.Root >= n {
		return fmt.Errorf("%w: root id %d out of range [0,%d)", ErrInvalidTree, t.Root, n)
	}
	childOf := make([]int, n)
	for i := range childOf {
		childOf[i] = -1
	}
	for id, nd := range t.Nodes {
		if nd.ID != id {
			return fmt.Errorf("%w: node at slot %d has id %d", ErrInvalidTree, id, nd.ID)
		}
		if id == t.Root {
			if nd.Father != -1 {
				return fmt.Errorf("%w: root %d has a father", ErrInvalidTree, id)
			}
		} else if nd.Father < 0 || nd.Father >= n {
			return fmt.Errorf("%w: node %d has out-of-range father %d", ErrInvalidTree, id, nd.Father)
		}
		for _, c := range nd.Children {
			if c < 0 || c >= n {
				return fmt.Errorf("%w: node %d has out-of-range child %d", ErrInvalidTree, id, c)
			}
			if childOf[c] != -1 {
				return fmt.Errorf("%w: node %d claimed as child of both %d and %d", ErrInvalidTree, c, childOf[c], id)
			}
			childOf[c] = id
		}
	}
	for id := 0; id < t.NLeaf; id++ {
		if len(t.Nodes[id].Children) != 0 {
			return fmt.Errorf("%w: leaf %d has children", ErrInvalidTree, id)
		}
	}
	for id, nd := range t.Nodes {
		if id >= t.NLeaf && len(nd.Children) == 0 {
			return fmt.Errorf("%w: internal node %d has no children", ErrInvalidTree, id)
		}
		if id != t.Root && childOf[id] != nd.Father {
			return fmt.Errorf("%w: node %d is not listed as a child of its father %d", ErrInvalidTree, id, nd.Father)
		}
	}
	return nil
}
