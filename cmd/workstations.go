package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/model"
)

// workstationsCmd represents the workstations command
var workstationsCmd = &cobra.Command{
	Use:   "workstations",
	Short: "List paired workstations",
	Long:  `List every paired workstation with its address and sync state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		workstations, err := s.ListWorkstations()
		if err != nil {
			return fmt.Errorf("failed to list workstations: %w", err)
		}
		cmd.Print(renderWorkstations(workstations))
		return nil
	},
}

var workstationsRemoveCmd = &cobra.Command{
	Use:   "remove <workstation-id>",
	Short: "Forget a workstation",
	Long: `Disconnect from a workstation and delete everything mirrored from
it: sessions, messages, artifacts, cursors, and both credential entries.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer func() { _ = eng.Stop() }()

		if err := eng.RemoveWorkstation(args[0]); err != nil {
			return fmt.Errorf("failed to remove workstation: %w", err)
		}
		cmd.Printf("Removed %s\n", args[0])
		return nil
	},
}

var workstationsActivateCmd = &cobra.Command{
	Use:   "activate <workstation-id>",
	Short: "Make a workstation the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if err := s.SetActiveWorkstation(args[0]); err != nil {
			return fmt.Errorf("failed to activate workstation: %w", err)
		}
		cmd.Printf("Activated %s\n", args[0])
		return nil
	},
}

// renderWorkstations formats the workstation table.
func renderWorkstations(workstations []model.Workstation) string {
	if len(workstations) == 0 {
		return "No workstations paired. Run 'tether pair <address> <code>' first.\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Workstations") + "\n\n")

	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tSTATE")
	for _, ws := range workstations {
		state := "disabled"
		if ws.Enabled {
			state = "enabled"
		}
		if ws.Active {
			state += ", active"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ws.ID, ws.Name, ws.Address, state)
	}
	_ = w.Flush()
	return sb.String()
}

// formatAge renders a unix-millisecond timestamp as a relative age.
func formatAge(ms int64) string {
	if ms == 0 {
		return "-"
	}
	d := time.Since(time.UnixMilli(ms))
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func init() {
	rootCmd.AddCommand(workstationsCmd)
	workstationsCmd.AddCommand(workstationsRemoveCmd)
	workstationsCmd.AddCommand(workstationsActivateCmd)
}
