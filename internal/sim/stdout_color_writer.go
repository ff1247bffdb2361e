// ColorStdoutWriter prints human-friendly, colorized event rows to STDOUT.
package sim

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"bridgesim/internal/config"
	"bridgesim/internal/event"
)

const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorGray    = "\x1b[90m"
)

// ColorStdoutWriter prints event rows using ANSI colors. Block rows are
// skipped unless Blocks is set.
type ColorStdoutWriter struct {
	cfg    *config.SimulationConfig
	out    io.Writer
	once   sync.Once
	Blocks bool
}

var componentColors = map[event.Component]string{
	event.ComponentChain:   colorGray,
	event.ComponentBridge:  colorBlue,
	event.ComponentSwap:    colorMagenta,
	event.ComponentFailure: colorYellow,
	event.ComponentRunner:  colorGreen,
}

// NewColorStdoutWriter creates a ColorStdoutWriter writing to os.Stdout.
func NewColorStdoutWriter(cfg *config.SimulationConfig) *ColorStdoutWriter {
	return &ColorStdoutWriter{cfg: cfg, out: os.Stdout}
}

func (w *ColorStdoutWriter) printOverview() {
	if w.cfg == nil {
		return
	}
	fmt.Fprintf(w.out, "Scenario %s (seed %d, %.0fs ticks, max %d)\n", w.cfg.Name, w.cfg.Seed, w.cfg.TickSeconds, w.cfg.MaxTicks)

	fmt.Fprintln(w.out, "\nChains:")
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tConfirmations\tFinality\tInterval\n")
	for _, c := range w.cfg.Chains {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", c.ID, c.Confirmations, c.FinalityBlocks, c.BlockInterval)
	}
	tw.Flush()

	fmt.Fprintln(w.out, "\nBridges:")
	tw = tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tType\tRoute\tValidators\tLatency\n")
	for _, b := range w.cfg.Bridges {
		fmt.Fprintf(tw, "%s%s%s\t%s\t%s -> %s\t%d/%d\t%d\n", colorBlue, b.ID, colorReset, b.Type,
			b.Source, b.Destination, b.Quorum, b.Validators, b.Latency)
	}
	tw.Flush()
	fmt.Fprintln(w.out)
}

// Write outputs a single row in colorized format.
func (w *ColorStdoutWriter) Write(row event.Row) error {
	w.once.Do(w.printOverview)
	if row.Kind == event.KindBlock && !w.Blocks {
		return nil
	}
	_, err := fmt.Fprintln(w.out, formatRow(row))
	return err
}

// WriteBatch outputs multiple rows.
func (w *ColorStdoutWriter) WriteBatch(rows []event.Row) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// formatRow renders a row as one colorized line.
func formatRow(row event.Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s t=%d]%s ", colorGray, row.Timestamp.Format(time.RFC3339), row.Tick, colorReset)
	fmt.Fprintf(&b, "%s%s%s ", componentColor(row.Component), strings.ToUpper(row.Kind), colorReset)
	if row.Bridge != "" {
		fmt.Fprintf(&b, "%sbridge=%s%s ", colorBlue, row.Bridge, colorReset)
	}
	if row.Chain != "" {
		fmt.Fprintf(&b, "%schain=%s%s ", colorCyan, row.Chain, colorReset)
	}
	fmt.Fprintf(&b, "id=%s", row.Entity)
	if row.From != "" || row.To != "" {
		fmt.Fprintf(&b, " %s%s -> %s%s", stateColor(row.To), row.From, row.To, colorReset)
	}
	if row.Amount != "" {
		fmt.Fprintf(&b, " %samount=%s%s", colorGreen, row.Amount, colorReset)
	}
	if row.Probe {
		fmt.Fprintf(&b, " %sprobe%s", colorYellow, colorReset)
	}
	if row.Recovered {
		fmt.Fprintf(&b, " %srecovered%s", colorGreen, colorReset)
	}
	if row.Detail != "" {
		fmt.Fprintf(&b, " %s%s%s", colorGray, row.Detail, colorReset)
	}
	return b.String()
}

func componentColor(c event.Component) string {
	if col, ok := componentColors[c]; ok {
		return col
	}
	return colorReset
}

func stateColor(state string) string {
	switch state {
	case "failed", "reverted", "halted", "partially_stuck", "vulnerable", "aborted", "incomplete":
		return colorRed
	case "degraded", "refunded_a", "refunded_b", "challengeable":
		return colorYellow
	case "complete", "both_claimed", "active", "defended":
		return colorGreen
	}
	return colorReset
}
