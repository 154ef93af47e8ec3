package pake

import (
	"bytes"
	"testing"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "grouped code", input: "abcd-efgh", want: "ABCDEFGH"},
		{name: "spaces as separators", input: "ABCD EFGH 1234", want: "ABCDEFGH1234"},
		{name: "already normalized", input: "ABCDEFGH", want: "ABCDEFGH"},
		{name: "too short", input: "ABC-D", wantErr: true},
		{name: "punctuation rejected", input: "ABCD.EFGH", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCode(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeCode(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeCode(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeCode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExchangeAgreement(t *testing.T) {
	client, err := NewClientState("wxyz-1234")
	if err != nil {
		t.Fatalf("NewClientState: %v", err)
	}
	server, err := NewServerState("WXYZ1234")
	if err != nil {
		t.Fatalf("NewServerState: %v", err)
	}

	clientKeys, err := client.Finish(server.Message())
	if err != nil {
		t.Fatalf("client Finish: %v", err)
	}
	serverKeys, err := server.Finish(client.Message())
	if err != nil {
		t.Fatalf("server Finish: %v", err)
	}

	if !serverKeys.VerifyClientConfirm(clientKeys.ClientConfirm()) {
		t.Error("server rejected the client confirmation tag")
	}
	if !clientKeys.VerifyServerConfirm(serverKeys.ServerConfirm()) {
		t.Error("client rejected the server confirmation tag")
	}

	if !bytes.Equal(clientKeys.Derive("auth-token"), serverKeys.Derive("auth-token")) {
		t.Error("derived auth tokens differ between client and server")
	}
	if bytes.Equal(clientKeys.Derive("auth-token"), clientKeys.Derive("encryption-key")) {
		t.Error("different labels must derive independent outputs")
	}
}

func TestExchangeWrongCode(t *testing.T) {
	client, err := NewClientState("wxyz-1234")
	if err != nil {
		t.Fatalf("NewClientState: %v", err)
	}
	server, err := NewServerState("wxyz-9999")
	if err != nil {
		t.Fatalf("NewServerState: %v", err)
	}

	clientKeys, err := client.Finish(server.Message())
	if err != nil {
		t.Fatalf("client Finish: %v", err)
	}
	serverKeys, err := server.Finish(client.Message())
	if err != nil {
		t.Fatalf("server Finish: %v", err)
	}

	// A mismatched code must never validate in either direction.
	if clientKeys.VerifyServerConfirm(serverKeys.ServerConfirm()) {
		t.Error("client accepted a server tag computed with the wrong code")
	}
	if serverKeys.VerifyClientConfirm(clientKeys.ClientConfirm()) {
		t.Error("server accepted a client tag computed with the wrong code")
	}
}

func TestFinishRejectsShortMessage(t *testing.T) {
	client, err := NewClientState("wxyz-1234")
	if err != nil {
		t.Fatalf("NewClientState: %v", err)
	}
	if _, err := client.Finish([]byte("short")); err == nil {
		t.Error("Finish accepted a truncated server message")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("equal slices reported unequal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("unequal slices reported equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("different lengths reported equal")
	}
}
