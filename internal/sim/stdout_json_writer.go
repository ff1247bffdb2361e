package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"bridgesim/internal/event"
)

// JSONStdoutWriter prints rows as JSON lines to STDOUT. Block rows are
// skipped unless Blocks is set.
type JSONStdoutWriter struct {
	out    io.Writer
	Blocks bool
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

// Write outputs a row in JSON format.
func (w *JSONStdoutWriter) Write(row event.Row) error {
	if row.Kind == event.KindBlock && !w.Blocks {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

// WriteBatch outputs multiple rows in JSON format.
func (w *JSONStdoutWriter) WriteBatch(rows []event.Row) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}
