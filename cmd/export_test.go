package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExportCommand(t *testing.T) {
	dir := seedDataDir(t, "sess-exp")
	outDir := t.TempDir()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"export", "--data-dir", dir, "--format", "json", "--out", outDir})
	defer func() { dataDir = "" }()

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("export command: %v", err)
	}

	exported := filepath.Join(outDir, "session_sess-exp.json")
	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	if !strings.Contains(string(data), "sess-exp") {
		t.Errorf("exported file should contain the session id, got:\n%s", data)
	}
	if !strings.Contains(out.String(), "1 session(s) exported") {
		t.Errorf("command output = %q", out.String())
	}
}

func TestExportCommandUnknownSession(t *testing.T) {
	dir := seedDataDir(t, "sess-exp")

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"export", "--data-dir", dir, "--session-id", "nope"})
	defer func() { dataDir = ""; exportSessionID = "" }()

	if err := rootCmd.Execute(); err == nil {
		t.Error("export of an unknown session should fail")
	}
}
