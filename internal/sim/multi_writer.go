package sim

import (
	"github.com/hashicorp/go-multierror"

	"bridgesim/internal/event"
)

// MultiWriter fans rows out to several writers. Every writer sees every row
// even when an earlier one fails; failures are returned together.
type MultiWriter struct {
	writers []EventWriter
}

// NewMultiWriter creates a new MultiWriter. Nil writers are skipped.
func NewMultiWriter(ws ...EventWriter) *MultiWriter {
	mw := &MultiWriter{}
	for _, w := range ws {
		if w != nil {
			mw.writers = append(mw.writers, w)
		}
	}
	return mw
}

// Write sends a row to all writers.
func (mw *MultiWriter) Write(row event.Row) error {
	var result *multierror.Error
	for _, w := range mw.writers {
		if err := w.Write(row); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// WriteBatch sends rows to all writers, using batch mode where supported.
func (mw *MultiWriter) WriteBatch(rows []event.Row) error {
	var result *multierror.Error
	for _, w := range mw.writers {
		if err := writeRows(w, rows); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every writer that holds resources.
func (mw *MultiWriter) Close() error {
	var result *multierror.Error
	for _, w := range mw.writers {
		if c, ok := w.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
