// Package merkle builds deterministic SHA-256 Merkle trees over
// hex-encoded leaf hashes and produces per-leaf inclusion proofs that
// verify offline against the root alone.
//
// Pair hashing is commutative: parents hash the byte-wise smaller
// child before the larger one, so two verifiers always reconstruct
// the same parent regardless of which side a sibling sat on. Proof
// steps still record the sibling's original side for callers that
// rebuild the tree layout.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Tree is a fully materialized Merkle tree. Levels[0] holds the leaf
// hashes after odd-level duplication; the last level holds only the
// root. All hashes are lowercase hex SHA-256.
type Tree struct {
	Levels [][]string `json:"levels"`
	Root   string     `json:"root"`
}

// Build constructs a tree over the given leaf hashes. Leaves must be
// non-empty lowercase hex SHA-256 digests; order is preserved, so the
// caller fixes the leaf order before building. A level with an odd
// number of nodes duplicates its trailing node before pairing.
func Build(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, fmt.Errorf("merkle: cannot build tree over zero leaves")
	}
	for i, h := range leafHashes {
		if err := checkHash(h); err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
	}

	level := make([]string, len(leafHashes))
	copy(level, leafHashes)

	levels := make([][]string, 0, 4)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		levels = append(levels, level)

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, PairHash(level[i], level[i+1]))
		}
		level = next
	}
	levels = append(levels, level)

	return &Tree{Levels: levels, Root: level[0]}, nil
}

// PairHash combines two node hashes commutatively: the byte-wise
// smaller hash is concatenated before the larger one, then hashed.
// PairHash(a, b) == PairHash(b, a) for all a, b.
func PairHash(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + hi))
	return hex.EncodeToString(sum[:])
}

// LeafCount reports the number of leaves in the built tree, including
// any trailing duplicate added to make the level even.
func (t *Tree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// Depth reports the number of levels including the root level. A
// single-leaf tree has depth 1.
func (t *Tree) Depth() int {
	return len(t.Levels)
}

func checkHash(h string) error {
	if h == "" {
		return fmt.Errorf("empty hash")
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return fmt.Errorf("hash %q is not hex: %w", h, err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("hash %q is %d bytes, want %d", h, len(raw), sha256.Size)
	}
	return nil
}
