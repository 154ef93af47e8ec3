// Package pairing runs the one-time handshake that turns a short pairing
// code into long-lived credentials for a workstation.
package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/pake"
	"github.com/tetherapp/tether/internal/transport"
)

// Timeout bounds a whole pairing attempt wall-clock.
const Timeout = 30 * time.Second

// Typed pairing failures.
var (
	ErrInvalidCode        = pake.ErrInvalidCode
	ErrConnectFailed      = errors.New("could not connect to workstation")
	ErrTimeout            = errors.New("pairing timed out")
	ErrVerificationFailed = errors.New("workstation failed to prove knowledge of the pairing code")
)

// Credentials is the durable output of a successful pairing. It is only
// ever returned whole; a failed attempt leaves nothing behind.
type Credentials struct {
	WorkstationID   string
	WorkstationName string
	DeviceID        string
	AuthToken       []byte
	EncryptionKey   []byte
}

// Wire bodies for the pairing exchange.
type pairInit struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name,omitempty"`
	HandshakeMessage string `json:"handshake_message"`
}

type pairChallenge struct {
	HandshakeMessage string `json:"handshake_message"`
}

type pairConfirm struct {
	MAC string `json:"mac"`
}

type pairComplete struct {
	WorkstationID   string `json:"workstation_id"`
	WorkstationName string `json:"workstation_name,omitempty"`
	MAC             string `json:"mac"`
}

type pairError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Frame types on the pairing transport.
const (
	FramePairInit      = "pair-init"
	FramePairChallenge = "pair-challenge"
	FramePairConfirm   = "pair-confirm"
	FramePairComplete  = "pair-complete"
	FramePairError     = "pair-error"
)

// Client performs pairing handshakes. A nil Dialer uses the real TCP
// transport.
type Client struct {
	Dialer     transport.Dialer
	DeviceName string
}

// Pair dials address, runs the key exchange with the given human code, and
// returns the derived credentials. A deviceID of "" generates a fresh one.
// The transient connection is always torn down before Pair returns.
func (c *Client) Pair(ctx context.Context, address, code, deviceID string) (*Credentials, error) {
	state, err := pake.NewClientState(code)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	dial := c.Dialer
	if dial == nil {
		dial = transport.Dial
	}
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()

	type result struct {
		creds *Credentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		creds, err := c.exchange(conn, state, deviceID)
		done <- result{creds, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the exchange goroutine before surfacing the timeout.
		conn.Close()
		<-done
		return nil, ErrTimeout
	case r := <-done:
		if r.err != nil {
			logging.Debug("pairing with %s failed: %v", address, r.err)
			return nil, r.err
		}
		return r.creds, nil
	}
}

func (c *Client) exchange(conn *transport.Conn, state *pake.ClientState, deviceID string) (*Credentials, error) {
	init := pairInit{
		DeviceID:         deviceID,
		DeviceName:       c.DeviceName,
		HandshakeMessage: base64.StdEncoding.EncodeToString(state.Message()),
	}
	if err := conn.WriteFrame(FramePairInit, init); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	var challenge pairChallenge
	if err := readBody(conn, FramePairChallenge, &challenge); err != nil {
		return nil, err
	}
	serverMsg, err := base64.StdEncoding.DecodeString(challenge.HandshakeMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable challenge", ErrVerificationFailed)
	}

	keys, err := state.Finish(serverMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	confirm := pairConfirm{MAC: base64.StdEncoding.EncodeToString(keys.ClientConfirm())}
	if err := conn.WriteFrame(FramePairConfirm, confirm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	var complete pairComplete
	if err := readBody(conn, FramePairComplete, &complete); err != nil {
		return nil, err
	}
	serverMAC, err := base64.StdEncoding.DecodeString(complete.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable confirmation tag", ErrVerificationFailed)
	}
	// The code alone is no proof of identity. The peer must demonstrate it
	// derived the same secret, or an impersonator could complete pairing.
	if !keys.VerifyServerConfirm(serverMAC) {
		return nil, ErrVerificationFailed
	}

	return &Credentials{
		WorkstationID:   complete.WorkstationID,
		WorkstationName: complete.WorkstationName,
		DeviceID:        deviceID,
		AuthToken:       keys.Derive("auth-token"),
		EncryptionKey:   keys.Derive("encryption-key"),
	}, nil
}

func decode(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, out)
}

// readBody reads the next frame, expecting wantType, and decodes its
// payload into out. A pair-error frame surfaces as a typed error.
func readBody(conn *transport.Conn, wantType string, out interface{}) error {
	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if frame.Type == FramePairError {
		var perr pairError
		if err := decode(frame.Payload, &perr); err == nil && perr.Code == "invalid-code" {
			return fmt.Errorf("%w: %s", ErrInvalidCode, perr.Message)
		}
		return fmt.Errorf("%w: peer rejected pairing", ErrVerificationFailed)
	}
	if frame.Type != wantType {
		return fmt.Errorf("%w: unexpected %s frame", ErrVerificationFailed, frame.Type)
	}
	if err := decode(frame.Payload, out); err != nil {
		return fmt.Errorf("%w: malformed %s payload", ErrVerificationFailed, wantType)
	}
	return nil
}
