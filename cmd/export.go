package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/export"
	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/reconcile"
)

var (
	exportFormat      string
	exportOutputDir   string
	exportSessionID   string
	exportWorkstation string
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export mirrored sessions to files",
	Long: `Export mirrored sessions to various formats (jsonl, md, yaml, json).

You can export everything, filter by workstation, or export a specific
session by ID. Use 'tether sessions' to see available session IDs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		var sessions []*model.Session
		if exportWorkstation != "" {
			sessions, err = s.ListSessions(exportWorkstation)
		} else {
			sessions, err = s.ListAllSessions()
		}
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		// Filter by session ID if specified
		if exportSessionID != "" {
			filtered := make([]*model.Session, 0, 1)
			for _, sess := range sessions {
				if sess.ID == exportSessionID {
					filtered = append(filtered, sess)
					break
				}
			}
			if len(filtered) == 0 {
				return fmt.Errorf("session not found: %s (use 'tether sessions' to see available sessions)", exportSessionID)
			}
			sessions = filtered
		}

		// Create exporter
		exporter, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
		}

		// Ensure output directory exists
		if err := os.MkdirAll(exportOutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		exported := 0
		for _, sess := range sessions {
			msgs, err := s.GetMessages(sess.ID)
			if err != nil {
				logging.Error("Failed to load messages for %s: %v", sess.ID, err)
				continue
			}
			doc := &export.Document{Session: sess, Messages: reconcile.MergeTimeline(msgs)}

			filename := fmt.Sprintf("session_%s.%s", sess.ID, exporter.Extension())
			path := filepath.Join(exportOutputDir, filename)
			if err := writeExport(exporter, doc, path); err != nil {
				logging.Error("Failed to export session %s: %v", sess.ID, err)
				continue
			}
			exported++
		}

		cmd.Printf("Export complete: %d session(s) exported to %s\n", exported, exportOutputDir)
		return nil
	},
}

func writeExport(exporter export.Exporter, doc *export.Document, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := exporter.Export(doc, file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "jsonl", "Export format (jsonl, md, yaml, json)")
	exportCmd.Flags().StringVarP(&exportOutputDir, "out", "o", "./exports", "Output directory")
	exportCmd.Flags().StringVar(&exportSessionID, "session-id", "", "Export a specific session by ID")
	exportCmd.Flags().StringVarP(&exportWorkstation, "workstation", "w", "", "Filter by workstation")
}
