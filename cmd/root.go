package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/engine"
	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/projection"
	"github.com/tetherapp/tether/internal/store"
)

var (
	verbose bool
	dataDir string
	version string = "dev"
	commit  string = "unknown"
	date    string = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Pair with and mirror AI coding-agent workstations",
	Long: `Tether keeps a handheld client in sync with the AI coding-agent
sessions running on your workstations.

Pair once with a short code shown on the workstation; after that tether
maintains an encrypted connection, mirrors every session's conversation,
todos and plans into a local store, and picks up exactly where it left
off after any disconnect.

Quick Start:
  tether pair studio.local:9000 WXYZ-2345   # Pair with a workstation
  tether run                                # Stay connected and sync
  tether sessions                           # List mirrored sessions
  tether show <session-id>                  # View a conversation
  tether export --format md                 # Export as Markdown`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetVerbose(verbose)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $TETHER_DATA_DIR or ~/.tether)")

	// Set version template to ensure --version flag works
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// envOrDefault returns the environment value for key, or def when unset.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// resolveDataDir applies the flag > environment > home-directory fallback
// chain.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	if v := os.Getenv("TETHER_DATA_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tether"), nil
}

// openStore opens the durable store read-side for listing commands.
func openStore() (*store.Store, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(filepath.Join(dir, "tether.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

// newEngine assembles a full engine for the commands that connect or
// mutate credentials.
func newEngine() (*engine.SyncEngine, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	return engine.New(engine.Options{
		DataDir:    dir,
		DeviceName: envOrDefault("TETHER_DEVICE_NAME", hostname),
		Policy:     projection.RetainAll,
	})
}
