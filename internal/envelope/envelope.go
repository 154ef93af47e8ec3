// Package envelope implements the authenticated-encryption wrapper used
// for all post-pairing traffic. Payloads are JSON-encoded, sealed with
// XChaCha20-Poly1305 under the per-workstation key, and carried as
// {v, nonce, ciphertext} with base64 fields.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Version is the current envelope format version.
const Version = 1

// ErrDecryptionFailed indicates an envelope could not be opened with the
// given key. The caller should drop the payload, not the connection.
var ErrDecryptionFailed = errors.New("decryption failed")

// Envelope is the encrypted wire wrapper around any payload.
type Envelope struct {
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// IsEnvelope reports whether a raw JSON value looks like an encrypted
// envelope rather than a legacy plaintext payload. Used during the
// shared-secret migration window, when both can appear on one connection.
func IsEnvelope(raw json.RawMessage) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.V >= 1 && env.Nonce != "" && env.Ciphertext != ""
}

// Codec seals and opens envelopes. AEAD instances are cached by the base64
// form of their key so repeated calls skip key scheduling.
type Codec struct {
	mu    sync.Mutex
	cache map[string]cipher.AEAD
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{cache: make(map[string]cipher.AEAD)}
}

func (c *Codec) aead(key []byte) (cipher.AEAD, error) {
	id := base64.StdEncoding.EncodeToString(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if aead, ok := c.cache[id]; ok {
		return aead, nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope key: %w", err)
	}
	c.cache[id] = aead
	return aead, nil
}

// Forget drops the cached AEAD for a key, e.g. when a workstation is
// removed or disconnects.
func (c *Codec) Forget(key []byte) {
	id := base64.StdEncoding.EncodeToString(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}

// CachedKeys reports how many keys currently have a cached AEAD.
func (c *Codec) CachedKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Encrypt JSON-encodes v and seals it under key with a fresh random nonce.
func (c *Codec) Encrypt(key []byte, v interface{}) (*Envelope, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		V:          Version,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens env under key and JSON-decodes the plaintext into out.
// Any failure is reported as ErrDecryptionFailed.
func (c *Codec) Decrypt(key []byte, env *Envelope, out interface{}) error {
	aead, err := c.aead(key)
	if err != nil {
		return err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return fmt.Errorf("%w: bad nonce encoding", ErrDecryptionFailed)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptionFailed)
	}
	if len(nonce) != aead.NonceSize() {
		return fmt.Errorf("%w: nonce is %d bytes, want %d", ErrDecryptionFailed, len(nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ErrDecryptionFailed
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: plaintext is not valid JSON", ErrDecryptionFailed)
	}
	return nil
}
