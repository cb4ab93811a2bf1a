// Command tradeengine is the trade lifecycle engine's daemon and admin
// CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradeengine",
	Short: "Intraday options trade lifecycle engine",
	Long: `tradeengine ingests directional signals, selects option contracts,
submits entry orders, and manages the full trade lifecycle (stop-loss,
profit target, trailing stop, max-hold timeout, end-of-session flat)
until the position is closed and its profit/loss is booked.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(favoritesCmd)
}
