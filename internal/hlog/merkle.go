package hlog

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// emptyRoot is the root of a log with no records.
var emptyRoot = Hash(blake3.Sum256(nil))

// LeafHash hashes a record as a Merkle leaf.
func LeafHash(record []byte) Hash {
	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, 0x00)
	buf = append(buf, record...)

	return blake3.Sum256(buf)
}

// parentHash hashes two child nodes.
func parentHash(left, right Hash) Hash {
	var buf [65]byte
	buf[0] = 0x01
	copy(buf[1:33], left[:])
	copy(buf[33:], right[:])

	return blake3.Sum256(buf[:])
}

// rootPayload builds the bytes signed for a root: root || length || fork.
func rootPayload(root Hash, length, fork uint64) []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, root[:]...)
	buf = binary.BigEndian.AppendUint64(buf, length)
	buf = binary.BigEndian.AppendUint64(buf, fork)

	return buf
}

// tree is an in-memory Merkle tree over leaf hashes.
// Hashes of complete power-of-two subtrees are memoized since they never
// change until a truncate removes one of their leaves.
type tree struct {
	leaves []Hash
	nodes  map[[2]uint64]Hash // nodes maps (start, size) to a subtree hash
}

// newTree creates a tree over the given leaves.
func newTree(leaves []Hash) *tree {
	return &tree{leaves: leaves, nodes: make(map[[2]uint64]Hash)}
}

// root returns the tree hash over the first n leaves.
func (t *tree) root(n uint64) Hash {
	if n == 0 {
		return emptyRoot
	}

	return t.subtree(0, n)
}

// subtree hashes leaves [start, start+n).
func (t *tree) subtree(start, n uint64) Hash {
	if n == 1 {
		return t.leaves[start]
	}

	full := n&(n-1) == 0
	if full {
		if h, ok := t.nodes[[2]uint64{start, n}]; ok {
			return h
		}
	}

	k := split(n)
	h := parentHash(t.subtree(start, k), t.subtree(start+k, n-k))

	if full {
		t.nodes[[2]uint64{start, n}] = h
	}

	return h
}

// truncate drops every leaf at or beyond n.
func (t *tree) truncate(n uint64) {
	if n >= uint64(len(t.leaves)) {
		return
	}

	t.leaves = t.leaves[:n]

	for k := range t.nodes {
		if k[0]+k[1] > n {
			delete(t.nodes, k)
		}
	}
}

// branch returns a copy of the tree keeping only the first n leaves.
func (t *tree) branch(n uint64) *tree {
	if n > uint64(len(t.leaves)) {
		n = uint64(len(t.leaves))
	}

	leaves := make([]Hash, n)
	copy(leaves, t.leaves[:n])

	b := newTree(leaves)
	for k, h := range t.nodes {
		if k[0]+k[1] <= n {
			b.nodes[k] = h
		}
	}

	return b
}

// split returns the largest power of two strictly less than n.
func split(n uint64) uint64 {
	k := uint64(1)
	for k<<1 < n {
		k <<= 1
	}

	return k
}
