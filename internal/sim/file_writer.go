package sim

import (
	"encoding/json"
	"os"

	"bridgesim/internal/event"
)

// FileWriter writes event rows to JSONL files. Block rows go to a separate
// file so the event log stays small enough to replay.
type FileWriter struct {
	eventFile *os.File
	blockFile *os.File
	eventEnc  *json.Encoder
	blockEnc  *json.Encoder
}

// NewFileWriter creates a FileWriter. blockPath may be empty to skip block rows.
func NewFileWriter(eventPath, blockPath string) (*FileWriter, error) {
	ef, err := os.Create(eventPath)
	if err != nil {
		return nil, err
	}
	fw := &FileWriter{eventFile: ef, eventEnc: json.NewEncoder(ef)}
	if blockPath != "" {
		bf, err := os.Create(blockPath)
		if err != nil {
			ef.Close()
			return nil, err
		}
		fw.blockFile = bf
		fw.blockEnc = json.NewEncoder(bf)
	}
	return fw, nil
}

// Write logs a single row.
func (f *FileWriter) Write(row event.Row) error {
	if row.Kind == event.KindBlock {
		if f.blockEnc == nil {
			return nil
		}
		return f.blockEnc.Encode(row)
	}
	return f.eventEnc.Encode(row)
}

// WriteBatch logs multiple rows.
func (f *FileWriter) WriteBatch(rows []event.Row) error {
	for _, r := range rows {
		if err := f.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes any underlying files.
func (f *FileWriter) Close() error {
	var err error
	if f.eventFile != nil {
		if e := f.eventFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	if f.blockFile != nil {
		if e := f.blockFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
