package merkle

import "fmt"

// Sibling sides as they sat in the built tree. Verification does not
// need them because pair hashing is commutative, but proofs carry
// them so a caller can reconstruct the tree layout.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// Step is one rung of an inclusion proof: the sibling hash at that
// level and which side of the pair the sibling occupied.
type Step struct {
	Sibling string `json:"sibling"`
	Side    string `json:"side"`
}

// Proof demonstrates that a leaf hash is included under a Merkle
// root. It is self-contained: a verifier needs only the proof and a
// trusted root, never the tree.
type Proof struct {
	LeafHash string `json:"leaf_hash"`
	Root     string `json:"root"`
	Steps    []Step `json:"steps"`
}

// ProofFor produces the inclusion proof for the leaf at the given
// index in Levels[0]. When a level was padded with a duplicate of its
// trailing node, the duplicate appears as the sibling in the proof;
// the verifier folds it in like any other step.
func (t *Tree) ProofFor(index int) (*Proof, error) {
	if len(t.Levels) == 0 {
		return nil, fmt.Errorf("merkle: empty tree")
	}
	leaves := t.Levels[0]
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}

	steps := make([]Step, 0, len(t.Levels)-1)
	idx := index
	for l := 0; l < len(t.Levels)-1; l++ {
		level := t.Levels[l]
		sibIdx := idx ^ 1
		side := SideLeft
		if sibIdx > idx {
			side = SideRight
		}
		steps = append(steps, Step{Sibling: level[sibIdx], Side: side})
		idx /= 2
	}

	return &Proof{LeafHash: leaves[index], Root: t.Root, Steps: steps}, nil
}

// Verify folds the proof steps over the leaf hash and compares the
// result to root. Malformed hashes fail closed.
func Verify(leafHash string, steps []Step, root string) bool {
	if checkHash(leafHash) != nil || checkHash(root) != nil {
		return false
	}
	cur := leafHash
	for _, s := range steps {
		if checkHash(s.Sibling) != nil {
			return false
		}
		cur = PairHash(cur, s.Sibling)
	}
	return cur == root
}

// VerifyAgainst checks the proof against an externally trusted root,
// ignoring the root recorded inside the proof.
func (p *Proof) VerifyAgainst(root string) bool {
	return Verify(p.LeafHash, p.Steps, root)
}

// Verify checks the proof against its own recorded root.
func (p *Proof) Verify() bool {
	return p.VerifyAgainst(p.Root)
}
