// Package vault seals secrets into the payload carried by vault blocks.
//
// A passphrase is stretched with Argon2id over a random salt and the secret is
// encrypted with XChaCha20-Poly1305. The payload stores base64(salt ||
// ciphertext) as encrypted and the hex nonce as iv, so Open needs nothing but
// the passphrase.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/entrhq/soulchain/pkg/chain"
)

const (
	saltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrEmptyPassphrase = errors.New("vault: passphrase is required")
	ErrMalformed       = errors.New("vault: malformed payload")
	// ErrDecrypt covers both a wrong passphrase and a tampered payload.
	ErrDecrypt = errors.New("vault: decryption failed")
)

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Seal encrypts secret under passphrase.
func Seal(passphrase string, secret []byte) (chain.VaultPayload, error) {
	if passphrase == "" {
		return chain.VaultPayload{}, ErrEmptyPassphrase
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return chain.VaultPayload{}, fmt.Errorf("vault: read salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey([]byte(passphrase), salt))
	if err != nil {
		return chain.VaultPayload{}, fmt.Errorf("vault: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return chain.VaultPayload{}, fmt.Errorf("vault: read nonce: %w", err)
	}

	sealed := aead.Seal(salt, nonce, secret, nil)
	return chain.VaultPayload{
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		IV:        hex.EncodeToString(nonce),
	}, nil
}

// Open decrypts a payload produced by Seal.
func Open(passphrase string, p chain.VaultPayload) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	raw, err := base64.StdEncoding.DecodeString(p.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted: %v", ErrMalformed, err)
	}
	nonce, err := hex.DecodeString(p.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformed, len(nonce), chacha20poly1305.NonceSizeX)
	}
	if len(raw) < saltSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: encrypted too short", ErrMalformed)
	}

	salt, ciphertext := raw[:saltSize], raw[saltSize:]
	aead, err := chacha20poly1305.NewX(deriveKey([]byte(passphrase), salt))
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	secret, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return secret, nil
}

// Entry seals secret and wraps it in vault block data. The content stays in
// the clear and should only describe the secret.
func Entry(passphrase, content string, secret []byte, tags ...string) (chain.BlockData, error) {
	payload, err := Seal(passphrase, secret)
	if err != nil {
		return chain.BlockData{}, err
	}
	return chain.Vault(content, payload, tags...), nil
}
