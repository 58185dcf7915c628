package chain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ClockSkewTolerance is how far a block's timestamp may run behind its predecessor.
const ClockSkewTolerance = 1000 * time.Millisecond

// Rule names a SOUL invariant.
type Rule string

const (
	RuleHashFormat Rule = "hash-format"
	RuleLink       Rule = "link"
	RuleTimestamp  Rule = "timestamp"
	RuleContent    Rule = "content"
	RuleType       Rule = "type"
	RuleTags       Rule = "tags"
	RuleIndex      Rule = "index"
	RuleChain      Rule = "chain"
	RuleVault      Rule = "vault"
	RuleCredential Rule = "credential"
	RuleVariant    Rule = "variant"
)

// Violation is one broken SOUL rule.
type Violation struct {
	Index   int
	Rule    Rule
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("block %d: %s: %s", v.Index, v.Rule, v.Message)
}

// ValidationError carries the complete violation list of a rejected block.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return "chain: soul validation failed: " + strings.Join(msgs, "; ")
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate checks b against every SOUL rule, given its immediate predecessor
// (nil for a genesis block), and returns all violations found.
func Validate(b Block, prev *Block) []Violation {
	return validate(b, prev, false)
}

// validate with orphan set skips every rule that needs the predecessor; it is
// used when the record before b could not be read.
func validate(b Block, prev *Block, orphan bool) []Violation {
	var out []Violation
	add := func(rule Rule, format string, args ...interface{}) {
		out = append(out, Violation{Index: b.Index, Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	if !hexHash.MatchString(b.Hash) {
		add(RuleHashFormat, "hash %q is not 64 lowercase hex characters", b.Hash)
	}
	if !hexHash.MatchString(b.PrevHash) {
		add(RuleHashFormat, "prev_hash %q is not 64 lowercase hex characters", b.PrevHash)
	}

	switch {
	case orphan:
	case prev == nil:
		if b.PrevHash != ZeroHash {
			add(RuleLink, "genesis prev_hash must be the zero hash")
		}
		if !b.IsGenesis() {
			add(RuleIndex, "block without predecessor must have index 0, got %d", b.Index)
		}
	default:
		if b.PrevHash != prev.Hash {
			add(RuleLink, "prev_hash does not match hash of block %d", prev.Index)
		}
		if b.Index != prev.Index+1 {
			add(RuleIndex, "expected index %d, got %d", prev.Index+1, b.Index)
		}
		if b.Chain != prev.Chain {
			add(RuleChain, "chain %q differs from predecessor chain %q", b.Chain, prev.Chain)
		}
	}

	ts, err := b.Time()
	if err != nil {
		add(RuleTimestamp, "unparsable timestamp %q", b.Timestamp)
	} else if prev != nil && !orphan {
		if prevTS, err := prev.Time(); err == nil && ts.Before(prevTS.Add(-ClockSkewTolerance)) {
			add(RuleTimestamp, "timestamp %s is more than %s before predecessor %s",
				b.Timestamp, ClockSkewTolerance, prev.Timestamp)
		}
	}

	if strings.TrimSpace(b.Data.Content) == "" {
		add(RuleContent, "content is empty")
	}
	if !b.Data.Type.Valid() {
		add(RuleType, "unknown type %q", b.Data.Type)
	}
	if b.Data.Tags == nil {
		add(RuleTags, "tags must be a list")
	}
	for i, tag := range b.Data.Tags {
		if strings.TrimSpace(tag) == "" {
			add(RuleTags, "tag %d is empty", i)
		}
	}

	switch b.Data.Type {
	case TypeVault:
		if b.Index > 0 && (b.Data.Vault == nil || b.Data.Vault.Encrypted == "" || b.Data.Vault.IV == "") {
			add(RuleVault, "vault block requires encrypted and iv")
		}
	case TypeCredential:
		c := b.Data.Credential
		if c == nil || c.Schema == "" || c.Issuer == "" || c.Holder == "" {
			add(RuleCredential, "credential block requires schema, issuer and holder")
		}
	}
	if b.Data.Vault != nil && b.Data.Type != TypeVault {
		add(RuleVariant, "vault fields on %s block", b.Data.Type)
	}
	if b.Data.Credential != nil && b.Data.Type != TypeCredential {
		add(RuleVariant, "credential fields on %s block", b.Data.Type)
	}

	return out
}
