package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rules(violations []Violation) []Rule {
	out := make([]Rule, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Rule)
	}
	return out
}

func TestValidateWellFormedChain(t *testing.T) {
	blocks := buildChain(t, "journal", 4)
	for i := range blocks {
		var prev *Block
		if i > 0 {
			prev = &blocks[i-1]
		}
		assert.Empty(t, Validate(blocks[i], prev), "block %d", i)
	}
}

func TestValidateRules(t *testing.T) {
	chainBlocks := buildChain(t, "journal", 2)
	genesis, second := chainBlocks[0], chainBlocks[1]

	tests := []struct {
		name   string
		mutate func(b *Block)
		prev   *Block
		want   Rule
	}{
		{
			name:   "bad hash format",
			mutate: func(b *Block) { b.Hash = "ABC" },
			prev:   &genesis,
			want:   RuleHashFormat,
		},
		{
			name:   "uppercase prev hash",
			mutate: func(b *Block) { b.PrevHash = "A" + b.PrevHash[1:] },
			prev:   &genesis,
			want:   RuleHashFormat,
		},
		{
			name:   "broken link",
			mutate: func(b *Block) { b.PrevHash = ZeroHash },
			prev:   &genesis,
			want:   RuleLink,
		},
		{
			name:   "genesis with non-zero link",
			mutate: func(b *Block) { b.Index = 0 },
			prev:   nil,
			want:   RuleLink,
		},
		{
			name:   "genesis with non-zero index",
			mutate: func(b *Block) { b.PrevHash = ZeroHash },
			prev:   nil,
			want:   RuleIndex,
		},
		{
			name:   "index gap",
			mutate: func(b *Block) { b.Index = 5 },
			prev:   &genesis,
			want:   RuleIndex,
		},
		{
			name:   "unparsable timestamp",
			mutate: func(b *Block) { b.Timestamp = "yesterday" },
			prev:   &genesis,
			want:   RuleTimestamp,
		},
		{
			name: "timestamp far behind predecessor",
			mutate: func(b *Block) {
				b.Timestamp = FormatTimestamp(baseTime.Add(-1500 * time.Millisecond))
			},
			prev: &genesis,
			want: RuleTimestamp,
		},
		{
			name:   "blank content",
			mutate: func(b *Block) { b.Data.Content = "  \n\t" },
			prev:   &genesis,
			want:   RuleContent,
		},
		{
			name:   "unknown type",
			mutate: func(b *Block) { b.Data.Type = "diary" },
			prev:   &genesis,
			want:   RuleType,
		},
		{
			name:   "absent tags",
			mutate: func(b *Block) { b.Data.Tags = nil },
			prev:   &genesis,
			want:   RuleTags,
		},
		{
			name:   "empty tag",
			mutate: func(b *Block) { b.Data.Tags = []string{"ok", " "} },
			prev:   &genesis,
			want:   RuleTags,
		},
		{
			name:   "chain mismatch",
			mutate: func(b *Block) { b.Chain = "other" },
			prev:   &genesis,
			want:   RuleChain,
		},
		{
			name:   "vault without payload",
			mutate: func(b *Block) { b.Data.Type = TypeVault },
			prev:   &genesis,
			want:   RuleVault,
		},
		{
			name: "vault with empty iv",
			mutate: func(b *Block) {
				b.Data = Vault("secret", VaultPayload{Encrypted: "abc"})
			},
			prev: &genesis,
			want: RuleVault,
		},
		{
			name: "credential missing holder",
			mutate: func(b *Block) {
				b.Data = Credential("id", CredentialPayload{Schema: "s", Issuer: "i"})
			},
			prev: &genesis,
			want: RuleCredential,
		},
		{
			name: "vault payload on journal",
			mutate: func(b *Block) {
				b.Data.Vault = &VaultPayload{Encrypted: "a", IV: "b"}
			},
			prev: &genesis,
			want: RuleVariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := second
			b.Data.Tags = append([]string{}, second.Data.Tags...)
			tt.mutate(&b)
			assert.Contains(t, rules(Validate(b, tt.prev)), tt.want)
		})
	}
}

func TestValidateWithinSkewTolerance(t *testing.T) {
	blocks := buildChain(t, "journal", 1)
	b := Block{
		Index:     1,
		Chain:     "journal",
		Timestamp: FormatTimestamp(baseTime.Add(-900 * time.Millisecond)),
		Data:      Journal("late but tolerated"),
		PrevHash:  blocks[0].Hash,
	}
	require.NoError(t, Seal(&b))
	assert.Empty(t, Validate(b, &blocks[0]))
}

func TestValidateGenesisVaultNeedsNoPayload(t *testing.T) {
	b := Block{
		Index:     0,
		Chain:     "vault",
		Timestamp: FormatTimestamp(baseTime),
		Data:      NewData(TypeVault, "vault initialised"),
		PrevHash:  ZeroHash,
	}
	require.NoError(t, Seal(&b))
	assert.Empty(t, Validate(b, nil))
}

func TestValidateReportsEveryViolation(t *testing.T) {
	b := Block{
		Index:     3,
		Chain:     "journal",
		Timestamp: "not-a-time",
		Data:      BlockData{Type: "diary", Content: ""},
		PrevHash:  "zz",
		Hash:      "",
	}
	got := rules(Validate(b, nil))
	for _, want := range []Rule{RuleHashFormat, RuleLink, RuleIndex, RuleTimestamp, RuleContent, RuleType, RuleTags} {
		assert.Contains(t, got, want)
	}

	err := &ValidationError{Violations: Validate(b, nil)}
	assert.Contains(t, err.Error(), "block 3: type: unknown type")
}
