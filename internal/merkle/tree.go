// Package merkle builds the deterministic Merkle tree over a
// snapshot of the key-value state and produces/verifies inclusion
// proofs.
//
// Construction is order-independent: pairs are sorted by key before
// any hashing happens, so any two replicas holding the same {(k,v)}
// set produce identical root hashes regardless of insertion order.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// Proof is an inclusion proof for a single key: the sibling hash and
// direction bit recorded at every level walking from the leaf to the
// root.
type Proof struct {
	Key        []byte
	Value      []byte
	Siblings   [][]byte
	Directions []bool // false = we are the left child, true = right child
}

type node struct {
	hash  []byte
	left  *node
	right *node
	// leaf-only
	key   []byte
	value []byte
	leaf  bool
}

// Tree is a built Merkle tree plus the sorted leaves it was built from.
type Tree struct {
	root   *node
	leaves []*node // sorted by key ascending, leaf nodes only
}

func hashLeaf(key, value []byte) []byte {
	h := sha256.New()
	h.Write([]byte("leaf:"))
	h.Write(key)
	h.Write([]byte(":"))
	h.Write(value)
	return h.Sum(nil)
}

func hashInternal(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte("internal:"))
	h.Write(left)
	h.Write([]byte(":"))
	h.Write(right)
	return h.Sum(nil)
}

// Build constructs a tree from an unordered set of key-value pairs.
// An empty input yields a Tree with no root (RootHash returns nil).
func Build(pairs map[string][]byte) *Tree {
	if len(pairs) == 0 {
		return &Tree{}
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	level := make([]*node, 0, len(keys))
	for _, k := range keys {
		v := pairs[k]
		level = append(level, &node{
			hash:  hashLeaf([]byte(k), v),
			key:   []byte(k),
			value: v,
			leaf:  true,
		})
	}
	leaves := append([]*node(nil), level...)

	for len(level) > 1 {
		next := make([]*node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				l, r := level[i], level[i+1]
				next = append(next, &node{hash: hashInternal(l.hash, r.hash), left: l, right: r})
			} else {
				l := level[i]
				next = append(next, &node{hash: hashInternal(l.hash, l.hash), left: l, right: l})
			}
		}
		level = next
	}

	return &Tree{root: level[0], leaves: leaves}
}

// RootHash returns the tree's root hash, or nil if the tree is empty.
func (t *Tree) RootHash() []byte {
	if t.root == nil {
		return nil
	}
	return t.root.hash
}

// Proof builds the inclusion proof for key, or returns (nil, false) if
// the key is absent from the tree.
func (t *Tree) Proof(key []byte) (*Proof, bool) {
	if t.root == nil {
		return nil, false
	}

	idx := -1
	for i, l := range t.leaves {
		if bytes.Equal(l.key, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	leaf := t.leaves[idx]

	if len(t.leaves) == 1 {
		return &Proof{Key: leaf.key, Value: leaf.value}, true
	}

	// Re-walk the pairing levels, tracking which node at each level is
	// on the path to our leaf, recording its sibling at every level.
	level := make([]*node, len(t.leaves))
	copy(level, t.leaves)
	pos := idx

	var siblings [][]byte
	var directions []bool

	for len(level) > 1 {
		next := make([]*node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var l, r *node
			if i+1 < len(level) {
				l, r = level[i], level[i+1]
			} else {
				l, r = level[i], level[i]
			}
			next = append(next, &node{hash: hashInternal(l.hash, r.hash)})
		}

		if pos%2 == 0 {
			// we are the left child; sibling is the right child, or
			// ourselves if we were the odd one out and got duplicated.
			if pos+1 < len(level) {
				siblings = append(siblings, level[pos+1].hash)
			} else {
				siblings = append(siblings, level[pos].hash)
			}
			directions = append(directions, false)
		} else {
			siblings = append(siblings, level[pos-1].hash)
			directions = append(directions, true)
		}

		level = next
		pos = pos / 2
	}

	return &Proof{Key: leaf.key, Value: leaf.value, Siblings: siblings, Directions: directions}, true
}

// Verify recomputes the root hash implied by proof and reports whether
// it equals root. It rejects immediately if the sibling and direction
// slices have mismatched lengths.
func Verify(proof *Proof, root []byte) bool {
	if len(proof.Siblings) != len(proof.Directions) {
		return false
	}
	h := hashLeaf(proof.Key, proof.Value)
	for i, sib := range proof.Siblings {
		if proof.Directions[i] {
			h = hashInternal(sib, h)
		} else {
			h = hashInternal(h, sib)
		}
	}
	return bytes.Equal(h, root)
}
