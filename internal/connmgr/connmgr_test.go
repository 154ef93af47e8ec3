package connmgr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tetherapp/tether/internal/cred"
	"github.com/tetherapp/tether/internal/envelope"
	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/transport"
)

const testTimeout = 5 * time.Second

// recordingSink captures fan-out calls and can be told to fail batches.
type recordingSink struct {
	mu        sync.Mutex
	snapshots []snapshotCall
	batches   []batchCall
	failBatch map[string]bool // keyed by first event's raw text

	gotSnapshot chan struct{}
	gotBatch    chan struct{}
}

type snapshotCall struct {
	workstationID string
	sessions      []model.SessionSnapshot
}

type batchCall struct {
	workstationID string
	events        []json.RawMessage
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		failBatch:   make(map[string]bool),
		gotSnapshot: make(chan struct{}, 16),
		gotBatch:    make(chan struct{}, 16),
	}
}

func (s *recordingSink) ApplySnapshot(workstationID string, sessions []model.SessionSnapshot) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshotCall{workstationID, sessions})
	s.mu.Unlock()
	s.gotSnapshot <- struct{}{}
	return nil
}

func (s *recordingSink) ApplyBatch(workstationID string, events []json.RawMessage) error {
	s.mu.Lock()
	fail := len(events) > 0 && s.failBatch[string(events[0])]
	if !fail {
		s.batches = append(s.batches, batchCall{workstationID, events})
	}
	s.mu.Unlock()
	s.gotBatch <- struct{}{}
	if fail {
		return context.DeadlineExceeded
	}
	return nil
}

// fixedCursors satisfies CursorSource with a static list.
type fixedCursors []model.Cursor

func (f fixedCursors) Cursors(string) ([]model.Cursor, error) { return f, nil }

// pipeDialer hands out the client halves of net.Pipe pairs; when the
// supply runs out it blocks until the context is cancelled.
type pipeDialer struct {
	mu    sync.Mutex
	pipes []net.Conn
}

func (d *pipeDialer) dial(ctx context.Context, _ string) (*transport.Conn, error) {
	d.mu.Lock()
	var c net.Conn
	if len(d.pipes) > 0 {
		c = d.pipes[0]
		d.pipes = d.pipes[1:]
	}
	d.mu.Unlock()
	if c == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return transport.NewConn(c), nil
}

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func sealed(t *testing.T, codec *envelope.Codec, key []byte, v interface{}) *envelope.Envelope {
	t.Helper()
	env, err := codec.Encrypt(key, v)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return env
}

// serveHandshake plays the peer side of auth + init and returns the init
// body the client sent.
func serveHandshake(t *testing.T, tc *transport.Conn, wantToken string, wantSecret string) initBody {
	t.Helper()
	frame, err := tc.ReadFrame()
	if err != nil {
		t.Fatalf("peer read auth: %v", err)
	}
	if frame.Type != FrameAuth {
		t.Fatalf("first frame = %q, want auth", frame.Type)
	}
	var hello authHello
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if wantToken != "" && hello.Token != wantToken {
		t.Errorf("auth token = %q, want %q", hello.Token, wantToken)
	}
	if wantSecret != "" && hello.Secret != wantSecret {
		t.Errorf("auth secret = %q, want %q", hello.Secret, wantSecret)
	}
	if err := tc.WriteFrame(FrameAuthOK, authResult{OK: true}); err != nil {
		t.Fatalf("peer write auth-ok: %v", err)
	}

	frame, err = tc.ReadFrame()
	if err != nil {
		t.Fatalf("peer read init: %v", err)
	}
	if frame.Type != FrameInit {
		t.Fatalf("second frame = %q, want init", frame.Type)
	}
	var init initBody
	if err := json.Unmarshal(frame.Payload, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return init
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func readAck(t *testing.T, tc *transport.Conn) string {
	t.Helper()
	frame, err := tc.ReadFrame()
	if err != nil {
		t.Fatalf("peer read ack: %v", err)
	}
	if frame.Type != FrameAck {
		t.Fatalf("frame = %q, want ack", frame.Type)
	}
	var ack ackBody
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack.BatchID
}

func TestConnectHandshakeAndFanout(t *testing.T) {
	key := testKey()
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()
	codec := envelope.NewCodec()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{{SessionID: "s1", LastTimestamp: 42}},
	})
	defer m.Close()

	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "studio:9000"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: key},
	})

	peer := transport.NewConn(peerEnd)
	init := serveHandshake(t, peer, base64.StdEncoding.EncodeToString([]byte("tok")), "")
	if init.DeviceID != "dev-1" {
		t.Errorf("init device = %q, want dev-1", init.DeviceID)
	}
	if len(init.Cursors) != 1 || init.Cursors[0].SessionID != "s1" || init.Cursors[0].LastTimestamp != 42 {
		t.Errorf("init cursors = %+v, want s1@42", init.Cursors)
	}

	// Snapshot, then a batch that must be acked after persistence.
	snap := sealed(t, codec, key, sessionsBody{Sessions: []model.SessionSnapshot{{ID: "s1", Open: true}}})
	if err := peer.WriteFrame(FrameSessions, snap); err != nil {
		t.Fatalf("peer write sessions: %v", err)
	}
	waitSignal(t, sink.gotSnapshot, "snapshot fan-out")

	batch := sealed(t, codec, key, messagesBody{
		BatchID: "b1",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
	})
	if err := peer.WriteFrame(FrameMessages, batch); err != nil {
		t.Fatalf("peer write messages: %v", err)
	}
	if got := readAck(t, peer); got != "b1" {
		t.Errorf("ack = %q, want b1", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snapshots) != 1 || sink.snapshots[0].workstationID != "ws-1" {
		t.Errorf("snapshots = %+v", sink.snapshots)
	}
	if len(sink.batches) != 1 || len(sink.batches[0].events) != 1 {
		t.Fatalf("batches = %+v", sink.batches)
	}

	if st := m.State("ws-1"); st.Status != model.ConnConnected || st.LastConnected == 0 {
		t.Errorf("state = %+v, want connected", st)
	}
}

func TestNoAckWhenSinkFails(t *testing.T) {
	key := testKey()
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()
	sink.failBatch[`{"id":"poison"}`] = true
	codec := envelope.NewCodec()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{},
	})
	defer m.Close()
	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "studio:9000"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: key},
	})

	peer := transport.NewConn(peerEnd)
	serveHandshake(t, peer, "", "")

	bad := sealed(t, codec, key, messagesBody{
		BatchID: "b1",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"poison"}`)},
	})
	good := sealed(t, codec, key, messagesBody{
		BatchID: "b2",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"fine"}`)},
	})
	if err := peer.WriteFrame(FrameMessages, bad); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if err := peer.WriteFrame(FrameMessages, good); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	// Only the successfully persisted batch is acknowledged.
	if got := readAck(t, peer); got != "b2" {
		t.Errorf("ack = %q, want b2 (failed batch must not ack)", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 {
		t.Errorf("persisted batches = %d, want 1", len(sink.batches))
	}
}

func TestLegacySharedSecretPlaintext(t *testing.T) {
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{},
	})
	defer m.Close()
	m.Connect(Peer{
		Workstation:  &model.Workstation{ID: "ws-legacy", Address: "old:9000"},
		LegacySecret: "hunter2",
	})

	peer := transport.NewConn(peerEnd)
	serveHandshake(t, peer, "", "hunter2")

	// Plaintext body straight on the wire.
	if err := peer.WriteFrame(FrameMessages, messagesBody{
		BatchID: "b1",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
	}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if got := readAck(t, peer); got != "b1" {
		t.Errorf("ack = %q, want b1", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 || sink.batches[0].workstationID != "ws-legacy" {
		t.Errorf("batches = %+v", sink.batches)
	}
}

func TestUndecryptableAndPlaintextPayloadsDropped(t *testing.T) {
	key := testKey()
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()
	codec := envelope.NewCodec()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{},
	})
	defer m.Close()
	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "studio:9000"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: key},
	})

	peer := transport.NewConn(peerEnd)
	serveHandshake(t, peer, "", "")

	// Sealed under the wrong key: dropped, connection survives.
	wrongKey := bytes.Repeat([]byte{9}, 32)
	garbled := sealed(t, codec, wrongKey, messagesBody{BatchID: "bX"})
	if err := peer.WriteFrame(FrameMessages, garbled); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	// Plaintext on a non-legacy connection: also dropped.
	if err := peer.WriteFrame(FrameMessages, messagesBody{BatchID: "bY"}); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	good := sealed(t, codec, key, messagesBody{
		BatchID: "b1",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
	})
	if err := peer.WriteFrame(FrameMessages, good); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if got := readAck(t, peer); got != "b1" {
		t.Errorf("ack = %q, want b1 only", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 1 {
		t.Errorf("batches = %d, want 1 (dropped payloads must not fan out)", len(sink.batches))
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{},
	})
	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "studio:9000"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: testKey()},
	})

	// Keep the peer half alive so the handshake can be in any phase when
	// we tear down.
	go func() {
		peer := transport.NewConn(peerEnd)
		for {
			if _, err := peer.ReadFrame(); err != nil {
				return
			}
		}
	}()

	m.Disconnect("ws-1")
	m.Disconnect("ws-1")
	m.Disconnect("ws-never-seen")

	if st := m.State("ws-1"); st.Status != model.ConnDisconnected {
		t.Errorf("state after disconnect = %+v, want disconnected", st)
	}
}

func TestDisconnectDestroysKeyMaterial(t *testing.T) {
	key := testKey()
	clientEnd, peerEnd := net.Pipe()
	dialer := &pipeDialer{pipes: []net.Conn{clientEnd}}
	sink := newRecordingSink()
	codec := envelope.NewCodec()

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer.dial,
		Sink:     sink,
		Cursors:  fixedCursors{},
	})
	defer m.Close()
	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "studio:9000"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: key},
	})

	peer := transport.NewConn(peerEnd)
	serveHandshake(t, peer, "", "")

	// One decrypted batch primes the AEAD cache for the key.
	batch := sealed(t, codec, key, messagesBody{
		BatchID: "b1",
		Events:  []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
	})
	if err := peer.WriteFrame(FrameMessages, batch); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	readAck(t, peer)
	if got := m.codec.CachedKeys(); got != 1 {
		t.Fatalf("cached keys while connected = %d, want 1", got)
	}

	m.Disconnect("ws-1")
	if got := m.codec.CachedKeys(); got != 0 {
		t.Errorf("cached keys after disconnect = %d, want 0", got)
	}
}

func TestStateReportsFailure(t *testing.T) {
	// No pipes available: dialing blocks on ctx, so fail fast with a
	// dialer that always errors instead.
	dialer := func(ctx context.Context, addr string) (*transport.Conn, error) {
		return nil, context.DeadlineExceeded
	}
	sink := newRecordingSink()
	statusCh := make(chan model.ConnStatus, 16)

	m := NewManager(Options{
		DeviceID: "dev-1",
		Dialer:   dialer,
		Sink:     sink,
		Cursors:  fixedCursors{},
		OnStatus: func(_ string, s model.ConnStatus) { statusCh <- s },
	})
	defer m.Close()
	m.Connect(Peer{
		Workstation: &model.Workstation{ID: "ws-1", Address: "nowhere:1"},
		Credentials: &cred.Credentials{AuthToken: []byte("tok"), EncryptionKey: testKey()},
	})

	deadline := time.After(testTimeout)
	for {
		select {
		case s := <-statusCh:
			if s == model.ConnError {
				st := m.State("ws-1")
				if st.Attempts == 0 || st.LastError == "" {
					t.Errorf("state = %+v, want attempt count and last error", st)
				}
				return
			}
		case <-deadline:
			t.Fatal("never observed an error status")
		}
	}
}
