package export

import (
	"testing"

	"github.com/tetherapp/tether/testutil"
)

// sampleDoc builds the canonical test document used across the format
// tests.
func sampleDoc(id string) *Document {
	return &Document{
		Session:  testutil.SampleSession(id),
		Messages: testutil.SampleTimeline(id),
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name          string
		format        string
		wantExtension string
		wantErr       bool
	}{
		{name: "json", format: "json", wantExtension: "json"},
		{name: "jsonl", format: "jsonl", wantExtension: "jsonl"},
		{name: "markdown", format: "markdown", wantExtension: "md"},
		{name: "md alias", format: "md", wantExtension: "md"},
		{name: "yaml", format: "yaml", wantExtension: "yaml"},
		{name: "unsupported", format: "xml", wantErr: true},
		{name: "empty", format: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter, err := NewExporter(tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if got := exporter.Extension(); got != tt.wantExtension {
				t.Errorf("Extension() = %v, want %v", got, tt.wantExtension)
			}
		})
	}
}
