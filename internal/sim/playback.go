package sim

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"bridgesim/internal/event"
	"bridgesim/internal/metrics"
)

// ReplayLog replays rows from r to writer. A speed >0 paces playback by the
// rows' simulated timestamps divided by speed. If speed <= 0, no artificial
// delay is inserted.
func ReplayLog(r io.Reader, writer EventWriter, speed float64) error {
	dec := json.NewDecoder(r)
	var prev time.Time
	for {
		var row event.Row
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !prev.IsZero() && speed > 0 {
			diff := row.Timestamp.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				time.Sleep(diff)
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
		prev = row.Timestamp
	}
}

// ReplayLogFile opens a file and replays its rows.
func ReplayLogFile(path string, writer EventWriter, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReplayLog(f, writer, speed)
}

// Rebuild re-aggregates the metrics of a recorded event log. The snapshot is
// marked complete only when the log ends with a runner completion row.
func Rebuild(r io.Reader, tickSeconds float64) (metrics.Snapshot, error) {
	c := metrics.NewCollector(event.Clock{TickSeconds: tickSeconds})
	complete := false
	err := ReplayLog(r, writerFunc(func(row event.Row) error {
		c.Observe(row)
		if row.Component == event.ComponentRunner && row.Kind == event.KindRunFinished {
			complete = row.To == "complete"
		}
		return nil
	}), 0)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	c.MarkComplete(complete)
	return c.Snapshot(), nil
}

type writerFunc func(event.Row) error

func (f writerFunc) Write(row event.Row) error { return f(row) }
