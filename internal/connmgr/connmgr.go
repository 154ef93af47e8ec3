// Package connmgr maintains one long-lived authenticated connection per
// workstation: a disconnected → connecting → connected state machine with
// capped-backoff reconnection, payload decryption, and fan-out of inbound
// snapshots and batches to a Sink.
package connmgr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetherapp/tether/internal/cred"
	"github.com/tetherapp/tether/internal/envelope"
	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/transport"
)

// Frame types on the steady-state transport.
const (
	FrameAuth     = "auth"
	FrameAuthOK   = "auth-ok"
	FrameInit     = "init"
	FrameSessions = "sessions"
	FrameMessages = "messages"
	FrameAck      = "ack"
	FrameError    = "error"
)

// Reconnect backoff bounds: jitterless doubling from base to cap.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Sink receives decrypted inbound payloads. Both calls must block until
// the data is durably persisted; the manager acks a batch only after
// ApplyBatch returns nil.
type Sink interface {
	ApplySnapshot(workstationID string, sessions []model.SessionSnapshot) error
	ApplyBatch(workstationID string, events []json.RawMessage) error
}

// CursorSource supplies the resumption cursors sent in the init frame.
// *store.Store satisfies it.
type CursorSource interface {
	Cursors(workstationID string) ([]model.Cursor, error)
}

// Peer is everything needed to keep one workstation connected.
type Peer struct {
	Workstation *model.Workstation
	Credentials *cred.Credentials

	// LegacySecret authenticates pre-pairing peers. When set, payloads may
	// arrive as plaintext during the migration window.
	LegacySecret string
}

// authHello authenticates the device. Either DeviceID+Token (current) or
// Secret (legacy) is set.
type authHello struct {
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

type authResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type cursorEntry struct {
	SessionID     string `json:"session_id"`
	LastTimestamp int64  `json:"last_timestamp"`
}

type initBody struct {
	DeviceID string        `json:"device_id"`
	Cursors  []cursorEntry `json:"cursors"`
}

type sessionsBody struct {
	Sessions []model.SessionSnapshot `json:"sessions"`
}

type messagesBody struct {
	BatchID string            `json:"batch_id"`
	Events  []json.RawMessage `json:"events"`
}

type ackBody struct {
	BatchID string `json:"batch_id"`
}

// State is a point-in-time view of one connection for display.
type State struct {
	WorkstationID string
	Status        model.ConnStatus
	Attempts      int
	LastError     string
	LastConnected int64
}

// Conn drives the connection loop for one workstation.
type Conn struct {
	peer     Peer
	deviceID string
	dialer   transport.Dialer
	codec    *envelope.Codec
	sink     Sink
	cursors  CursorSource
	onStatus func(workstationID string, status model.ConnStatus)

	mu            sync.Mutex
	status        model.ConnStatus
	attempts      int
	lastErr       error
	lastConnected int64
	tc            *transport.Conn
	cancel        context.CancelFunc
	done          chan struct{}
}

func (c *Conn) setStatus(status model.ConnStatus, err error) {
	c.mu.Lock()
	c.status = status
	if err != nil {
		c.lastErr = err
	}
	if status == model.ConnConnected {
		c.lastConnected = model.Now()
		c.attempts = 0
		c.lastErr = nil
	}
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(c.peer.Workstation.ID, status)
	}
}

// State reports the connection's current status, attempt count, and last
// error.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		WorkstationID: c.peer.Workstation.ID,
		Status:        c.status,
		Attempts:      c.attempts,
		LastConnected: c.lastConnected,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// run is the connection loop: dial, handshake, read until failure, back
// off, repeat until the context is cancelled.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			c.setStatus(model.ConnDisconnected, nil)
			return
		}
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		c.setStatus(model.ConnConnecting, nil)

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.setStatus(model.ConnDisconnected, nil)
			return
		}
		if err != nil {
			logging.Warn("workstation %s: connection attempt %d failed: %v",
				c.peer.Workstation.ID, attempt, err)
			c.setStatus(model.ConnError, err)
		} else {
			// The transport closed after a healthy session; restart the
			// backoff ladder.
			c.setStatus(model.ConnDisconnected, nil)
			backoff = backoffBase
		}

		select {
		case <-ctx.Done():
			c.setStatus(model.ConnDisconnected, nil)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// connectOnce performs one dial + handshake + read session. A nil return
// means the transport closed after a successful handshake.
func (c *Conn) connectOnce(ctx context.Context) error {
	tc, err := c.dialer(ctx, c.peer.Workstation.Address)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.tc = tc
	c.mu.Unlock()
	defer func() {
		tc.Close()
		c.mu.Lock()
		c.tc = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(tc); err != nil {
		return err
	}
	c.setStatus(model.ConnConnected, nil)
	logging.Info("workstation %s: connected", c.peer.Workstation.ID)

	err = c.readLoop(ctx, tc)
	if err != nil && ctx.Err() == nil {
		logging.Info("workstation %s: connection closed: %v", c.peer.Workstation.ID, err)
	}
	return nil
}

// handshake authenticates and emits the init frame with resumption
// cursors so the peer sends only the delta.
func (c *Conn) handshake(tc *transport.Conn) error {
	hello := authHello{}
	if c.peer.Credentials != nil {
		hello.DeviceID = c.deviceID
		hello.Token = base64.StdEncoding.EncodeToString(c.peer.Credentials.AuthToken)
	} else {
		hello.Secret = c.peer.LegacySecret
	}
	if err := tc.WriteFrame(FrameAuth, hello); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	frame, err := tc.ReadFrame()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if frame.Type != FrameAuthOK {
		return fmt.Errorf("authentication rejected: frame %q", frame.Type)
	}
	var result authResult
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &result); err != nil {
			return fmt.Errorf("decode auth result: %w", err)
		}
		if !result.OK {
			return fmt.Errorf("authentication rejected: %s", result.Error)
		}
	}

	cursors, err := c.cursors.Cursors(c.peer.Workstation.ID)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	init := initBody{DeviceID: c.deviceID, Cursors: make([]cursorEntry, 0, len(cursors))}
	for _, cur := range cursors {
		init.Cursors = append(init.Cursors, cursorEntry{
			SessionID:     cur.SessionID,
			LastTimestamp: cur.LastTimestamp,
		})
	}
	if err := tc.WriteFrame(FrameInit, init); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	return nil
}

// readLoop dispatches inbound frames until the transport fails.
func (c *Conn) readLoop(ctx context.Context, tc *transport.Conn) error {
	wsID := c.peer.Workstation.ID
	for {
		frame, err := tc.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Type {
		case FrameSessions:
			var body sessionsBody
			if !c.decryptPayload(frame.Payload, &body) {
				continue
			}
			if err := c.sink.ApplySnapshot(wsID, body.Sessions); err != nil {
				logging.Error("workstation %s: apply snapshot: %v", wsID, err)
			}

		case FrameMessages:
			var body messagesBody
			if !c.decryptPayload(frame.Payload, &body) {
				continue
			}
			if err := c.sink.ApplyBatch(wsID, body.Events); err != nil {
				// No ack: the peer redelivers and the merge is idempotent.
				logging.Error("workstation %s: apply batch %s: %v", wsID, body.BatchID, err)
				continue
			}
			if body.BatchID != "" {
				if err := tc.WriteFrame(FrameAck, ackBody{BatchID: body.BatchID}); err != nil {
					return fmt.Errorf("send ack: %w", err)
				}
			}

		case FrameError:
			logging.Warn("workstation %s: peer error frame: %s", wsID, frame.Payload)

		default:
			logging.Debug("workstation %s: ignoring frame %q", wsID, frame.Type)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// decryptPayload decodes an inbound payload body: an AEAD envelope when
// the peer has an encryption key, or raw JSON during the legacy migration
// window. A failure is logged and the frame is dropped, never fatal to
// the connection.
func (c *Conn) decryptPayload(raw json.RawMessage, out interface{}) bool {
	wsID := c.peer.Workstation.ID
	if envelope.IsEnvelope(raw) {
		if c.peer.Credentials == nil {
			logging.Warn("workstation %s: encrypted payload but no key, dropping", wsID)
			return false
		}
		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logging.Warn("workstation %s: malformed envelope, dropping: %v", wsID, err)
			return false
		}
		if err := c.codec.Decrypt(c.peer.Credentials.EncryptionKey, &env, out); err != nil {
			logging.Warn("workstation %s: dropping undecryptable payload: %v", wsID, err)
			return false
		}
		return true
	}
	// Plaintext is tolerated only for legacy shared-secret peers.
	if c.peer.LegacySecret == "" {
		logging.Warn("workstation %s: plaintext payload on encrypted connection, dropping", wsID)
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logging.Warn("workstation %s: malformed payload, dropping: %v", wsID, err)
		return false
	}
	return true
}

// Manager owns the connection set.
type Manager struct {
	deviceID string
	dialer   transport.Dialer
	codec    *envelope.Codec
	sink     Sink
	cursors  CursorSource
	onStatus func(workstationID string, status model.ConnStatus)

	mu    sync.Mutex
	conns map[string]*Conn
}

// Options configures a Manager.
type Options struct {
	DeviceID string
	Dialer   transport.Dialer
	Sink     Sink
	Cursors  CursorSource

	// OnStatus, when set, is invoked on every connection status change.
	OnStatus func(workstationID string, status model.ConnStatus)
}

// NewManager creates an empty connection manager.
func NewManager(opts Options) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.Dial
	}
	return &Manager{
		deviceID: opts.DeviceID,
		dialer:   dialer,
		codec:    envelope.NewCodec(),
		sink:     opts.Sink,
		cursors:  opts.Cursors,
		onStatus: opts.OnStatus,
		conns:    make(map[string]*Conn),
	}
}

// Connect starts (or restarts) the connection loop for a workstation.
// Calling it for an already-connected workstation tears the old loop down
// first, so it doubles as a manual reconnect.
func (m *Manager) Connect(peer Peer) {
	m.Disconnect(peer.Workstation.ID)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		peer:     peer,
		deviceID: m.deviceID,
		dialer:   m.dialer,
		codec:    m.codec,
		sink:     m.sink,
		cursors:  m.cursors,
		onStatus: m.onStatus,
		status:   model.ConnDisconnected,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.conns[peer.Workstation.ID] = c
	m.mu.Unlock()
	go c.run(ctx)
}

// Disconnect stops a workstation's connection loop, waits for it to
// exit, and destroys the cached AEAD for its encryption key. Unknown ids
// and repeated calls are no-ops.
func (m *Manager) Disconnect(workstationID string) {
	m.mu.Lock()
	c, ok := m.conns[workstationID]
	if ok {
		delete(m.conns, workstationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	c.mu.Lock()
	if c.tc != nil {
		c.tc.Close()
	}
	c.mu.Unlock()
	<-c.done
	if c.peer.Credentials != nil {
		m.codec.Forget(c.peer.Credentials.EncryptionKey)
	}
}

// State reports one connection's state, or a disconnected placeholder for
// unknown workstations.
func (m *Manager) State(workstationID string) State {
	m.mu.Lock()
	c, ok := m.conns[workstationID]
	m.mu.Unlock()
	if !ok {
		return State{WorkstationID: workstationID, Status: model.ConnDisconnected}
	}
	return c.State()
}

// States reports every managed connection's state.
func (m *Manager) States() []State {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	states := make([]State, 0, len(conns))
	for _, c := range conns {
		states = append(states, c.State())
	}
	return states
}

// Close disconnects everything.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}
