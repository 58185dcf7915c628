package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrTrailingData is returned when a persisted record holds more than one JSON value.
var ErrTrailingData = errors.New("chain: trailing data after block record")

// hashedFields is every block field covered by the hash.
type hashedFields struct {
	Index     int       `json:"index"`
	Chain     string    `json:"chain"`
	Timestamp string    `json:"timestamp"`
	Data      BlockData `json:"data"`
	PrevHash  string    `json:"prev_hash"`
}

// CanonicalBytes returns the deterministic encoding of every field of b except
// Hash: compact JSON with object keys sorted at every depth and no HTML escaping.
func CanonicalBytes(b Block) ([]byte, error) {
	raw, err := json.Marshal(hashedFields{
		Index:     b.Index,
		Chain:     b.Chain,
		Timestamp: b.Timestamp,
		Data:      b.Data,
		PrevHash:  b.PrevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: canonical encode: %w", err)
	}

	// Round-trip through generic values; encoding/json writes map keys sorted.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("chain: canonical decode: %w", err)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("chain: canonical encode: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// ComputeHash returns the SHA-256 of CanonicalBytes(b) as 64 lowercase hex chars.
func ComputeHash(b Block) (string, error) {
	payload, err := CanonicalBytes(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and sets b.Hash.
func Seal(b *Block) error {
	h, err := ComputeHash(*b)
	if err != nil {
		return err
	}
	b.Hash = h
	return nil
}

// EncodeBlock renders b in its persisted form.
func EncodeBlock(b Block) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("chain: encode block: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBlock parses a persisted record. Unknown fields and trailing data are
// rejected so that no byte of the record escapes the hash.
func DecodeBlock(raw []byte) (Block, error) {
	var b Block
	if err := strictUnmarshal(raw, &b); err != nil {
		return Block{}, fmt.Errorf("chain: decode block: %w", err)
	}
	return b, nil
}

func strictUnmarshal(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrTrailingData
	}
	return nil
}
