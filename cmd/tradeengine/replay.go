package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aashi6126/optiontrader/internal/bars"
	"github.com/aashi6126/optiontrader/internal/signals"
)

// replayBarFile is a historical bar fixture: a flat list of OHLCV rows
// for one symbol/timeframe, read from a JSON file.
type replayBarFile struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Bars      []struct {
		Time   string  `json:"time"` // RFC3339
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"bars"`
}

var replaySignalType string

var replayCmd = &cobra.Command{
	Use:   "replay <bar-fixture.json>",
	Short: "Replay a historical bar fixture through the signal evaluator (no broker calls)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0], replaySignalType)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySignalType, "signal", string(signals.TypeEMACross), "signal type to evaluate")
}

func runReplay(path, signalType string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f replayBarFile
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	agg := bars.New(500)
	eval := signals.New(agg)

	for _, row := range f.Bars {
		ts, err := time.Parse(time.RFC3339, row.Time)
		if err != nil {
			log.Printf("replay: skipping bar with unparseable time %q: %v", row.Time, err)
			continue
		}
		// Ingest's in-progress bar opens on the first tick of a new
		// period and sets Close to whatever price it last sees, so
		// feed open/high/low/close in that order to reconstruct the
		// fixture's full range with the correct close.
		agg.Ingest(f.Symbol, []string{f.Timeframe}, row.Open, 0, ts)
		agg.Ingest(f.Symbol, []string{f.Timeframe}, row.High, 0, ts)
		agg.Ingest(f.Symbol, []string{f.Timeframe}, row.Low, 0, ts)
		agg.Ingest(f.Symbol, []string{f.Timeframe}, row.Close, row.Volume, ts)

		sig := eval.Evaluate(f.Symbol, f.Timeframe, signals.Type(signalType), signals.Params{})
		if sig != nil {
			fmt.Printf("%s %s %s fired: direction=%s price=%.2f\n", row.Time, f.Symbol, signalType, sig.Direction, sig.Price)
		}
	}
	return nil
}
