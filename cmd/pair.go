package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// pairCmd represents the pair command
var pairCmd = &cobra.Command{
	Use:   "pair <address> <code>",
	Short: "Pair with a workstation",
	Long: `Pair with a workstation using the short code it displays.

The code proves to both sides that they are talking to each other; the
handshake derives a long-lived auth token and encryption key without ever
sending the code over the wire. Pairing gives up after 30 seconds.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, code := args[0], args[1]

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer func() { _ = eng.Stop() }()

		ws, err := eng.PairWorkstation(context.Background(), address, code)
		if err != nil {
			return fmt.Errorf("pairing failed: %w", err)
		}

		cmd.Printf("Paired with %s (%s)\n", ws.Name, ws.ID)
		cmd.Println("Run 'tether run' to start syncing.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
}
