package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tetherapp/tether/internal/model"
)

// MarkdownExporter exports sessions in Markdown format
type MarkdownExporter struct{}

// Export exports a session to Markdown format
func (e *MarkdownExporter) Export(doc *Document, w io.Writer) error {
	s := doc.Session

	// Header
	title := s.Name
	if title == "" {
		title = s.ID
	}
	_, _ = fmt.Fprintf(w, "# Session %s\n\n", title)

	_, _ = fmt.Fprintf(w, "**Workstation:** %s  \n", s.WorkstationID)
	if s.Provider != "" {
		_, _ = fmt.Fprintf(w, "**Provider:** %s  \n", s.Provider)
	}
	if s.Model != "" {
		_, _ = fmt.Fprintf(w, "**Model:** %s  \n", s.Model)
	}
	if s.Branch != "" {
		_, _ = fmt.Fprintf(w, "**Branch:** %s  \n", s.Branch)
	}
	_, _ = fmt.Fprintf(w, "**Status:** %s  \n", s.Status)
	_, _ = fmt.Fprintf(w, "**Messages:** %d\n\n", len(doc.Messages))

	_, _ = fmt.Fprintf(w, "---\n\n")
	_, _ = fmt.Fprintf(w, "## Messages\n\n")

	// Messages
	for i, msg := range doc.Messages {
		timestamp := ""
		if msg.Timestamp != 0 {
			timestamp = fmt.Sprintf(" (%s)", formatTimestamp(msg.Timestamp))
		}

		_, _ = fmt.Fprintf(w, "**%s:**%s\n\n", actorLabel(msg), timestamp)
		writeBody(w, msg)

		// Add horizontal rule after each message (except the last one)
		if i < len(doc.Messages)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}

	return nil
}

func actorLabel(m *model.Message) string {
	if m.Command != nil {
		return "command"
	}
	return string(m.Type)
}

func writeBody(w io.Writer, m *model.Message) {
	if m.Command != nil {
		_, _ = fmt.Fprintf(w, "```\n$ %s %s\n", m.Command.Name, m.Command.Args)
		if m.Command.Stdout != "" {
			_, _ = fmt.Fprintf(w, "%s\n", m.Command.Stdout)
		}
		if m.Command.Stderr != "" {
			_, _ = fmt.Fprintf(w, "%s\n", m.Command.Stderr)
		}
		_, _ = fmt.Fprintf(w, "```\n\n")
		return
	}

	if text := messageText(m); text != "" {
		_, _ = fmt.Fprintf(w, "%s\n\n", escapeMarkdown(text))
	}
	for _, b := range m.Blocks {
		switch b.Type {
		case model.BlockToolUse:
			_, _ = fmt.Fprintf(w, "*Tool: %s*\n\n", b.ToolName)
		case model.BlockToolResult:
			if b.Text != "" {
				_, _ = fmt.Fprintf(w, "```\n%s\n```\n\n", b.Text)
			}
		}
	}
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

// escapeMarkdown escapes markdown special characters
func escapeMarkdown(text string) string {
	// Basic escaping - preserve code blocks
	lines := strings.Split(text, "\n")
	var result []string
	inCodeBlock := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			result = append(result, line)
		} else if inCodeBlock {
			result = append(result, line)
		} else {
			// Escape markdown syntax outside code blocks
			line = strings.ReplaceAll(line, "**", "\\*\\*")
			line = strings.ReplaceAll(line, "__", "\\_\\_")
			result = append(result, line)
		}
	}

	return strings.Join(result, "\n")
}

// Extension returns the file extension for this format
func (e *MarkdownExporter) Extension() string {
	return "md"
}
