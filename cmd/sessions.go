package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/model"
)

var (
	sessionsWorkstation string
	sessionsAll         bool
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	workingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	waitingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	closedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List mirrored sessions",
	Long: `List the agent sessions mirrored from paired workstations.

Open sessions are shown by default; use --all to include closed ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		var sessions []*model.Session
		if sessionsWorkstation != "" {
			sessions, err = s.ListSessions(sessionsWorkstation)
		} else {
			sessions, err = s.ListAllSessions()
		}
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if !sessionsAll {
			open := sessions[:0]
			for _, sess := range sessions {
				if sess.Open {
					open = append(open, sess)
				}
			}
			sessions = open
		}

		cmd.Print(renderSessions(sessions))
		return nil
	},
}

// renderSessions formats the session table.
func renderSessions(sessions []*model.Session) string {
	if len(sessions) == 0 {
		return "No sessions. Is 'tether run' connected?\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))) + "\n\n")

	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tMSGS\tLAST ACTIVITY")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			idStyle.Render(sess.ID),
			titleStyle.Render(sessionTitle(sess)),
			statusLabel(sess.Status),
			sess.MessageCount,
			formatAge(sess.LastActivity),
		)
	}
	_ = w.Flush()
	return sb.String()
}

// sessionTitle picks the best display title for a session.
func sessionTitle(sess *model.Session) string {
	if sess.Name != "" {
		return sess.Name
	}
	if sess.FirstMessage != "" {
		return sess.FirstMessage
	}
	return "(untitled)"
}

func statusLabel(status model.SessionStatus) string {
	switch status {
	case model.StatusWorking:
		return workingStyle.Render("working")
	case model.StatusWaitingForInput:
		return waitingStyle.Render("needs input")
	case model.StatusClosed:
		return closedStyle.Render("closed")
	default:
		return string(status)
	}
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().StringVarP(&sessionsWorkstation, "workstation", "w", "", "Only sessions from this workstation")
	sessionsCmd.Flags().BoolVarP(&sessionsAll, "all", "a", false, "Include closed sessions")
}
