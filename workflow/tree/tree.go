// Package tree implements the node arena and id-space addressing model
// used to give activity tree nodes stable, recomputable identifiers.
//
// Nodes and id spaces are stored in flat arenas and reference each
// other by index, so the parent/child/back-reference graph carries no
// cyclic pointers. An id space assigns sequential 1-based local ids to
// the nodes of one nesting level; the fully qualified id of a node is
// the dotted concatenation of local ids walking down from the root
// space. Because ids are assigned in allocation order and never
// reused, qualified ids are stable across a persist/reload cycle as
// long as the tree shape is rebuilt deterministically.
package tree

import (
	"errors"
	"strconv"
	"strings"
)

// NodeID is an arena index for a node. Valid ids are >= 0.
type NodeID int

// SpaceID is an arena index for an id space. Valid ids are >= 0.
type SpaceID int

// None marks an absent node or space reference.
const None = -1

var (
	ErrUnknownNode  = errors.New("unknown node")
	ErrUnknownSpace = errors.New("unknown id space")
)

type node struct {
	localID int // 1-based id within the owning space
	space   SpaceID
}

type space struct {
	parent  SpaceID // None for the root space
	owner   NodeID  // node that owns this space; None for the root
	nextID  int     // allocation counter; never decreases while alive
	members int
}

// Arena owns the nodes and id spaces of one activity tree.
// Not safe for concurrent use; ownership follows the instance's turn.
type Arena struct {
	nodes  []node
	spaces []space
}

// New creates an arena containing only the root id space.
func New() *Arena {
	return &Arena{
		spaces: []space{{parent: None, owner: None}},
	}
}

// RootSpace returns the root id space.
func (a *Arena) RootSpace() SpaceID { return 0 }

// NewSpace creates a child id space owned by node owner.
// The new space's parent is the space owner belongs to.
func (a *Arena) NewSpace(owner NodeID) (SpaceID, error) {
	if int(owner) < 0 || int(owner) >= len(a.nodes) {
		return None, ErrUnknownNode
	}
	a.spaces = append(a.spaces, space{
		parent: a.nodes[owner].space,
		owner:  owner,
	})
	return SpaceID(len(a.spaces) - 1), nil
}

// Alloc creates a node within s, assigning the next sequential
// 1-based local id for that space.
func (a *Arena) Alloc(s SpaceID) (NodeID, error) {
	if int(s) < 0 || int(s) >= len(a.spaces) {
		return None, ErrUnknownSpace
	}
	sp := &a.spaces[s]
	sp.nextID++
	sp.members++
	a.nodes = append(a.nodes, node{localID: sp.nextID, space: s})
	return NodeID(len(a.nodes) - 1), nil
}

// LocalID returns n's 1-based id within its owning space.
func (a *Arena) LocalID(n NodeID) (int, error) {
	if int(n) < 0 || int(n) >= len(a.nodes) {
		return 0, ErrUnknownNode
	}
	return a.nodes[n].localID, nil
}

// Space returns the id space n belongs to.
func (a *Arena) Space(n NodeID) (SpaceID, error) {
	if int(n) < 0 || int(n) >= len(a.nodes) {
		return None, ErrUnknownNode
	}
	return a.nodes[n].space, nil
}

// Owner returns the node owning space s, or None for the root space.
func (a *Arena) Owner(s SpaceID) (NodeID, error) {
	if int(s) < 0 || int(s) >= len(a.spaces) {
		return None, ErrUnknownSpace
	}
	return a.spaces[s].owner, nil
}

// Members returns the live allocation count of s.
func (a *Arena) Members(s SpaceID) (int, error) {
	if int(s) < 0 || int(s) >= len(a.spaces) {
		return 0, ErrUnknownSpace
	}
	return a.spaces[s].members, nil
}

// QualifiedID computes n's fully qualified id: the dotted join of
// local ids from the root space down to n (e.g. "1.3.2"). No path
// strings are stored on nodes; the chain of owning nodes rebuilds the
// address on demand.
func (a *Arena) QualifiedID(n NodeID) (string, error) {
	if int(n) < 0 || int(n) >= len(a.nodes) {
		return "", ErrUnknownNode
	}
	var parts []string
	cur := n
	for {
		nd := a.nodes[cur]
		parts = append(parts, strconv.Itoa(nd.localID))
		owner := a.spaces[nd.space].owner
		if owner == None {
			break
		}
		cur = owner
	}
	// parts were collected leaf-first
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "."), nil
}

// Len returns the node count of the arena.
func (a *Arena) Len() int { return len(a.nodes) }
