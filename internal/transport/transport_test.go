package transport

import (
	"net"
	"testing"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- client.WriteFrame("init", map[string]string{"device_id": "dev-1"})
	}()

	frame, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if frame.Type != "init" {
		t.Errorf("frame type = %q, want %q", frame.Type, "init")
	}
	if string(frame.Payload) != `{"device_id":"dev-1"}` {
		t.Errorf("frame payload = %s", frame.Payload)
	}
}

func TestNilPayloadOmitted(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	go func() { _ = client.WriteFrame("ping", nil) }()

	frame, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != "ping" || len(frame.Payload) != 0 {
		t.Errorf("frame = %+v, want bare ping", frame)
	}
}

func TestReadFrameRejectsMissingType(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(b)
	defer a.Close()
	defer server.Close()

	go func() {
		_, _ = a.Write([]byte(`{"payload":{}}` + "\n"))
	}()

	if _, err := server.ReadFrame(); err == nil {
		t.Error("ReadFrame accepted a frame without a type")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := pipePair()
	defer server.Close()

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
