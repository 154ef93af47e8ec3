package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/reconcile"
)

var (
	showLimit int
)

var (
	// Styles for show command
	sessionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				Padding(0, 1).
				MarginBottom(1)

	sessionMetaStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243")).
				MarginBottom(1)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39")).
				Bold(true).
				Padding(0, 1)

	assistantMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("135")).
				Bold(true).
				Padding(0, 1)

	commandMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("178")).
				Bold(true).
				Padding(0, 1)

	messageContentStyle = lipgloss.NewStyle().
				Padding(0, 2).
				MarginBottom(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the conversation of a mirrored session",
	Long:  `Display the merged conversation timeline of one session.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		sess, err := s.GetSession(sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		msgs, err := s.GetMessages(sessionID)
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		timeline := reconcile.MergeTimeline(msgs)
		if showLimit > 0 && len(timeline) > showLimit {
			timeline = timeline[len(timeline)-showLimit:]
		}

		cmd.Print(renderSession(sess, timeline))
		return nil
	},
}

// renderSession formats a session header plus its timeline.
func renderSession(sess *model.Session, timeline []*model.Message) string {
	var sb strings.Builder

	sb.WriteString(sessionHeaderStyle.Render(sessionTitle(sess)) + "\n")
	meta := fmt.Sprintf("%s · %s · %d messages", sess.ID, sess.Status, sess.MessageCount)
	if sess.Branch != "" {
		meta += " · " + sess.Branch
	}
	sb.WriteString(sessionMetaStyle.Render(meta) + "\n\n")

	if sess.Pending != nil {
		sb.WriteString(waitingStyle.Render(
			fmt.Sprintf("⏸ waiting for permission: %s", sess.Pending.ToolName)) + "\n\n")
	}

	for _, m := range timeline {
		sb.WriteString(renderMessage(m))
	}
	return sb.String()
}

// renderMessage formats one timeline entry.
func renderMessage(m *model.Message) string {
	var sb strings.Builder

	ts := ""
	if m.Timestamp != 0 {
		ts = " " + timestampStyle.Render(time.UnixMilli(m.Timestamp).Local().Format("15:04:05"))
	}

	switch {
	case m.Command != nil:
		sb.WriteString(commandMessageStyle.Render("command") + ts + "\n")
		body := "$ " + strings.TrimSpace(m.Command.Name+" "+m.Command.Args)
		if m.Command.Stdout != "" {
			body += "\n" + m.Command.Stdout
		}
		if m.Command.Stderr != "" {
			body += "\n" + m.Command.Stderr
		}
		sb.WriteString(messageContentStyle.Render(body) + "\n")

	case m.Type == model.MessageUser:
		sb.WriteString(userMessageStyle.Render("user") + ts + "\n")
		sb.WriteString(messageContentStyle.Render(messageBody(m)) + "\n")

	case m.Type == model.MessageAssistant:
		sb.WriteString(assistantMessageStyle.Render("assistant") + ts + "\n")
		sb.WriteString(messageContentStyle.Render(messageBody(m)) + "\n")

	default:
		sb.WriteString(messageContentStyle.Render(messageBody(m)) + "\n")
	}
	return sb.String()
}

// messageBody flattens a message's blocks for terminal display.
func messageBody(m *model.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case model.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case model.BlockToolUse:
			parts = append(parts, fmt.Sprintf("→ %s", b.ToolName))
		case model.BlockToolResult:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	if len(parts) == 0 {
		return "(no content)"
	}
	return strings.Join(parts, "\n")
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 0, "Limit number of messages to show")
}
