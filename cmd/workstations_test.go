package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/tetherapp/tether/internal/model"
)

func TestRenderWorkstations(t *testing.T) {
	tests := []struct {
		name         string
		workstations []model.Workstation
		want         []string
	}{
		{
			name: "empty",
			want: []string{"No workstations paired"},
		},
		{
			name: "active workstation",
			workstations: []model.Workstation{
				{ID: "ws-1", Name: "studio", Address: "studio.local:9000", Enabled: true, Active: true},
				{ID: "ws-2", Name: "laptop", Address: "laptop.local:9000"},
			},
			want: []string{"ws-1", "studio.local:9000", "enabled, active", "ws-2", "disabled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderWorkstations(tt.workstations)
			for _, wantStr := range tt.want {
				if !strings.Contains(got, wantStr) {
					t.Errorf("Output should contain %q, got:\n%s", wantStr, got)
				}
			}
		})
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		ms   int64
		want string
	}{
		{name: "zero", ms: 0, want: "-"},
		{name: "seconds", ms: now.Add(-30 * time.Second).UnixMilli(), want: "just now"},
		{name: "minutes", ms: now.Add(-5 * time.Minute).UnixMilli(), want: "5m ago"},
		{name: "hours", ms: now.Add(-3 * time.Hour).UnixMilli(), want: "3h ago"},
		{name: "days", ms: now.Add(-50 * time.Hour).UnixMilli(), want: "2d ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAge(tt.ms); got != tt.want {
				t.Errorf("formatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}
