package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ZeroHash is the predecessor link carried by every genesis block.
var ZeroHash = strings.Repeat("0", 64)

// TimestampLayout is the persisted timestamp format (RFC 3339, UTC, milliseconds).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// BlockType classifies the payload of a block.
type BlockType string

const (
	TypeJournal    BlockType = "journal"
	TypeBuild      BlockType = "build"
	TypeADR        BlockType = "adr"
	TypeOps        BlockType = "ops"
	TypeAsk        BlockType = "ask"
	TypeSystem     BlockType = "system"
	TypeVault      BlockType = "vault"
	TypeCredential BlockType = "credential"
)

// BlockTypes lists every type a block may carry.
var BlockTypes = []BlockType{
	TypeJournal, TypeBuild, TypeADR, TypeOps, TypeAsk, TypeSystem, TypeVault, TypeCredential,
}

// Valid reports whether t is one of BlockTypes.
func (t BlockType) Valid() bool {
	for _, known := range BlockTypes {
		if t == known {
			return true
		}
	}
	return false
}

// VaultPayload is the sealed secret carried by a vault block.
type VaultPayload struct {
	Encrypted string
	IV        string
}

// CredentialPayload describes a credential block.
type CredentialPayload struct {
	Schema string
	Issuer string
	Holder string
}

// BlockData is the user-supplied part of a block. At most one of Vault and
// Credential is set, and only for blocks of the matching type.
type BlockData struct {
	Type       BlockType
	Content    string
	Tags       []string
	Vault      *VaultPayload
	Credential *CredentialPayload
}

// dataWire is the flattened persisted shape of BlockData.
type dataWire struct {
	Type      BlockType `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Encrypted *string   `json:"encrypted,omitempty"`
	IV        *string   `json:"iv,omitempty"`
	Schema    *string   `json:"schema,omitempty"`
	Issuer    *string   `json:"issuer,omitempty"`
	Holder    *string   `json:"holder,omitempty"`
}

// MarshalJSON flattens the variant payload into the data object.
func (d BlockData) MarshalJSON() ([]byte, error) {
	w := dataWire{Type: d.Type, Content: d.Content, Tags: d.Tags}
	if d.Vault != nil {
		w.Encrypted = &d.Vault.Encrypted
		w.IV = &d.Vault.IV
	}
	if d.Credential != nil {
		w.Schema = &d.Credential.Schema
		w.Issuer = &d.Credential.Issuer
		w.Holder = &d.Credential.Holder
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON restores the variant payload from the flattened fields. Presence of
// any field of a variant materialises that variant, whatever the block type, so the
// validator can see a mismatched payload.
func (d *BlockData) UnmarshalJSON(b []byte) error {
	var w dataWire
	if err := strictUnmarshal(b, &w); err != nil {
		return err
	}
	*d = BlockData{Type: w.Type, Content: w.Content, Tags: w.Tags}
	if w.Encrypted != nil || w.IV != nil {
		d.Vault = &VaultPayload{Encrypted: deref(w.Encrypted), IV: deref(w.IV)}
	}
	if w.Schema != nil || w.Issuer != nil || w.Holder != nil {
		d.Credential = &CredentialPayload{
			Schema: deref(w.Schema),
			Issuer: deref(w.Issuer),
			Holder: deref(w.Holder),
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// HasTag reports whether the data carries tag (case-insensitive).
func (d BlockData) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Block is one immutable, hash-linked unit of a chain.
type Block struct {
	Index     int       `json:"index"`
	Chain     string    `json:"chain"`
	Timestamp string    `json:"timestamp"`
	Data      BlockData `json:"data"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Time parses the block timestamp.
func (b Block) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, b.Timestamp)
}

// IsGenesis reports whether b sits at the head of its chain.
func (b Block) IsGenesis() bool {
	return b.Index == 0
}

func (b Block) String() string {
	short := b.Hash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s#%d(%s %s)", b.Chain, b.Index, b.Data.Type, short)
}

// FormatTimestamp renders t in the persisted layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewData builds BlockData of the given type. Nil tags become an empty list.
func NewData(typ BlockType, content string, tags ...string) BlockData {
	if tags == nil {
		tags = []string{}
	}
	return BlockData{Type: typ, Content: content, Tags: tags}
}

// Journal builds a journal entry.
func Journal(content string, tags ...string) BlockData {
	return NewData(TypeJournal, content, tags...)
}

// Decision builds an architecture decision record.
func Decision(content string, tags ...string) BlockData {
	return NewData(TypeADR, content, tags...)
}

// Vault builds a vault entry around an already sealed payload.
func Vault(content string, payload VaultPayload, tags ...string) BlockData {
	d := NewData(TypeVault, content, tags...)
	d.Vault = &payload
	return d
}

// Credential builds a credential entry.
func Credential(content string, payload CredentialPayload, tags ...string) BlockData {
	d := NewData(TypeCredential, content, tags...)
	d.Credential = &payload
	return d
}
