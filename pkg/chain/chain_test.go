package chain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

// buildChain links n sealed journal blocks one second apart.
func buildChain(t *testing.T, name string, n int) []Block {
	t.Helper()
	blocks := make([]Block, 0, n)
	prevHash := ZeroHash
	for i := 0; i < n; i++ {
		b := Block{
			Index:     i,
			Chain:     name,
			Timestamp: FormatTimestamp(baseTime.Add(time.Duration(i) * time.Second)),
			Data:      Journal("entry "+strings.Repeat("x", i+1), "daily"),
			PrevHash:  prevHash,
		}
		require.NoError(t, Seal(&b))
		blocks = append(blocks, b)
		prevHash = b.Hash
	}
	return blocks
}

func TestComputeHashDeterministic(t *testing.T) {
	b := buildChain(t, "journal", 1)[0]

	h1, err := ComputeHash(b)
	require.NoError(t, err)
	h2, err := ComputeHash(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, h1)
	assert.Equal(t, b.Hash, h1)
}

func TestComputeHashIgnoresStoredHash(t *testing.T) {
	b := buildChain(t, "journal", 1)[0]
	want := b.Hash
	b.Hash = strings.Repeat("f", 64)

	got, err := ComputeHash(b)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestComputeHashSensitiveToEveryField(t *testing.T) {
	base := buildChain(t, "journal", 2)[1]

	mutations := map[string]func(b *Block){
		"index":     func(b *Block) { b.Index++ },
		"chain":     func(b *Block) { b.Chain = "vault" },
		"timestamp": func(b *Block) { b.Timestamp = FormatTimestamp(baseTime.Add(time.Hour)) },
		"type":      func(b *Block) { b.Data.Type = TypeOps },
		"content":   func(b *Block) { b.Data.Content += "!" },
		"tags":      func(b *Block) { b.Data.Tags = []string{"daily", "extra"} },
		"tag order": func(b *Block) { b.Data.Tags = []string{"b", "a"} },
		"prev_hash": func(b *Block) { b.PrevHash = ZeroHash },
		"variant": func(b *Block) {
			b.Data.Vault = &VaultPayload{Encrypted: "x", IV: "y"}
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			b := base
			b.Data.Tags = append([]string{}, base.Data.Tags...)
			mutate(&b)
			h, err := ComputeHash(b)
			require.NoError(t, err)
			assert.NotEqual(t, base.Hash, h)
		})
	}
}

func TestCanonicalBytesSortedKeys(t *testing.T) {
	b := Block{
		Index:     0,
		Chain:     "c",
		Timestamp: "2025-01-15T10:30:00.000Z",
		Data:      Credential("badge", CredentialPayload{Schema: "s", Issuer: "i", Holder: "h"}),
		PrevHash:  ZeroHash,
	}
	raw, err := CanonicalBytes(b)
	require.NoError(t, err)

	want := `{"chain":"c","data":{"content":"badge","holder":"h","issuer":"i","schema":"s","tags":[],"type":"credential"},` +
		`"index":0,"prev_hash":"` + ZeroHash + `","timestamp":"2025-01-15T10:30:00.000Z"}`
	assert.Equal(t, want, string(raw))
}

func TestEncodeDecodeBlock(t *testing.T) {
	b := Block{
		Index:     1,
		Chain:     "vault",
		Timestamp: FormatTimestamp(baseTime),
		Data:      Vault("api key <prod>", VaultPayload{Encrypted: "ZW5j", IV: "abcd"}, "secret"),
		PrevHash:  ZeroHash,
	}
	require.NoError(t, Seal(&b))

	raw, err := EncodeBlock(b)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<prod>", "html must not be escaped")

	got, err := DecodeBlock(raw)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.True(t, VerifyBlock(got, nil))
}

func TestBlockDataMarshalKeepsMarkup(t *testing.T) {
	d := Journal("deploy <api> & db", "ops>dev")

	raw, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"journal","content":"deploy <api> & db","tags":["ops>dev"]}`, string(raw))

	b := Block{Chain: "ops", Timestamp: FormatTimestamp(baseTime), Data: d, PrevHash: ZeroHash}
	require.NoError(t, Seal(&b))
	enc, err := EncodeBlock(b)
	require.NoError(t, err)
	assert.NotContains(t, string(enc), `\u003c`)
	assert.NotContains(t, string(enc), `\u0026`)

	got, err := DecodeBlock(enc)
	require.NoError(t, err)
	assert.True(t, VerifyBlock(got, nil))
}

func TestDecodeBlockStrict(t *testing.T) {
	b := buildChain(t, "journal", 1)[0]
	raw, err := EncodeBlock(b)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	generic["data"].(map[string]interface{})["smuggled"] = "value"
	extra, err := json.Marshal(generic)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "unknown data field", raw: string(extra)},
		{name: "trailing data", raw: string(raw) + "{}"},
		{name: "truncated", raw: string(raw[:len(raw)/2])},
		{name: "not json", raw: "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBlock([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestBlockTypeValid(t *testing.T) {
	for _, typ := range BlockTypes {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, BlockType("diary").Valid())
	assert.False(t, BlockType("").Valid())
}

func TestNewDataNormalisesTags(t *testing.T) {
	d := Journal("hello")
	require.NotNil(t, d.Tags)
	assert.Empty(t, d.Tags)
	assert.True(t, Decision("x", "Arch").HasTag("arch"))
}
