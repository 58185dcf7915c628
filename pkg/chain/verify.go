package chain

import "fmt"

// Report is the outcome of verifying a chain.
//
// BrokenAt is the position of the first block whose hash or link is wrong;
// linkage checking stops there. SoulErrors holds every SOUL violation across the
// whole chain. Valid is true only when neither fired.
type Report struct {
	Valid      bool     `json:"valid"`
	BrokenAt   *int     `json:"broken_at,omitempty"`
	SoulErrors []string `json:"soul_errors"`
}

// LinkageError describes a hash mismatch or broken predecessor link.
type LinkageError struct {
	Index  int
	Reason string
}

func (e *LinkageError) Error() string {
	return fmt.Sprintf("chain: linkage broken at block %d: %s", e.Index, e.Reason)
}

// VerifyBlock recomputes the hash of b and checks its link to prev (the zero
// hash when prev is nil).
func VerifyBlock(b Block, prev *Block) bool {
	return checkLinkage(b, prev) == ""
}

// checkLinkage returns an empty string when b is intact and linked.
func checkLinkage(b Block, prev *Block) string {
	h, err := ComputeHash(b)
	if err != nil {
		return err.Error()
	}
	if h != b.Hash {
		return fmt.Sprintf("hash mismatch: stored %s, computed %s", b.Hash, h)
	}
	want := ZeroHash
	if prev != nil {
		want = prev.Hash
	}
	if b.PrevHash != want {
		return fmt.Sprintf("prev_hash %s does not match %s", b.PrevHash, want)
	}
	return ""
}

// VerifyChain checks hash linkage and SOUL rules across blocks. An empty chain
// is valid.
func VerifyChain(blocks []Block) Report {
	v := NewVerifier()
	for i := range blocks {
		v.Step(blocks[i])
	}
	return v.Report()
}

// Verifier checks a chain incrementally, one position at a time.
type Verifier struct {
	pos    int
	prev   *Block
	orphan bool
	chain  string

	linkErr      *LinkageError
	firstFailure int
	soul         []string
	errs         []string
}

// NewVerifier returns a Verifier positioned before the genesis block.
func NewVerifier() *Verifier {
	return &Verifier{firstFailure: -1}
}

// ExpectChain makes the verifier flag any block that starts a run (the genesis
// block, or the first readable block after an unreadable one) whose chain
// field is not name. Later blocks are held to their predecessor's chain.
func (v *Verifier) ExpectChain(name string) *Verifier {
	v.chain = name
	return v
}

// Step checks the next block of the chain.
func (v *Verifier) Step(b Block) {
	v.step(&b, -1, nil)
}

// StepRecord checks the next persisted record. fileIndex is the index encoded in
// the record's file name (negative if unknown); decodeErr is non-nil when the
// record could not be parsed, which counts as a linkage failure.
func (v *Verifier) StepRecord(fileIndex int, b *Block, decodeErr error) {
	v.step(b, fileIndex, decodeErr)
}

func (v *Verifier) step(b *Block, fileIndex int, decodeErr error) {
	pos := v.pos
	v.pos++

	if decodeErr != nil || b == nil {
		reason := "unparsable record"
		if decodeErr != nil {
			reason = fmt.Sprintf("unparsable record: %v", decodeErr)
		}
		v.errs = append(v.errs, fmt.Sprintf("block %d: %s", pos, reason))
		v.breakLink(pos, reason)
		v.fail(pos)
		v.prev = nil
		v.orphan = true
		return
	}

	failed := false
	if v.linkErr == nil {
		if reason := linkageFaultFor(*b, v.prev, v.orphan); reason != "" {
			v.errs = append(v.errs, fmt.Sprintf("block %d: %s", pos, reason))
			v.breakLink(pos, reason)
			failed = true
		}
	}

	violations := validate(*b, v.prev, v.orphan)
	if v.chain != "" && v.prev == nil && b.Chain != v.chain {
		violations = append(violations, Violation{
			Index:   b.Index,
			Rule:    RuleChain,
			Message: fmt.Sprintf("chain %q stored under chain %q", b.Chain, v.chain),
		})
	}
	if fileIndex >= 0 && fileIndex != b.Index {
		violations = append(violations, Violation{
			Index:   b.Index,
			Rule:    RuleIndex,
			Message: fmt.Sprintf("stored in file for index %d", fileIndex),
		})
	}
	for _, viol := range violations {
		msg := viol.String()
		v.soul = append(v.soul, msg)
		v.errs = append(v.errs, msg)
		failed = true
	}
	if failed {
		v.fail(pos)
	}

	v.prev = b
	v.orphan = false
}

// linkageFaultFor checks only the hash when the predecessor is unreadable.
func linkageFaultFor(b Block, prev *Block, orphan bool) string {
	if !orphan {
		return checkLinkage(b, prev)
	}
	h, err := ComputeHash(b)
	if err != nil {
		return err.Error()
	}
	if h != b.Hash {
		return fmt.Sprintf("hash mismatch: stored %s, computed %s", b.Hash, h)
	}
	return ""
}

func (v *Verifier) breakLink(pos int, reason string) {
	if v.linkErr == nil {
		v.linkErr = &LinkageError{Index: pos, Reason: reason}
	}
}

func (v *Verifier) fail(pos int) {
	if v.firstFailure < 0 {
		v.firstFailure = pos
	}
}

// Report summarises what has been checked so far.
func (v *Verifier) Report() Report {
	r := Report{SoulErrors: append([]string{}, v.soul...)}
	if v.linkErr != nil {
		at := v.linkErr.Index
		r.BrokenAt = &at
	}
	r.Valid = r.BrokenAt == nil && len(r.SoulErrors) == 0
	return r
}

// LinkageErr returns the first linkage failure, or nil.
func (v *Verifier) LinkageErr() error {
	if v.linkErr == nil {
		return nil
	}
	return v.linkErr
}

// FirstFailure returns the first position with any failure: linkage, SOUL
// violation or unparsable record.
func (v *Verifier) FirstFailure() (int, bool) {
	return v.firstFailure, v.firstFailure >= 0
}

// Errors returns every failure message in chain order.
func (v *Verifier) Errors() []string {
	return append([]string{}, v.errs...)
}

// Checked returns the number of positions stepped.
func (v *Verifier) Checked() int {
	return v.pos
}
