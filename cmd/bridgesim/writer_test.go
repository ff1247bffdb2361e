package main

import (
	"os"
	"path/filepath"
	"testing"

	"bridgesim/internal/event"
	"bridgesim/internal/sim"
)

func TestNewWritersPrintOnly(t *testing.T) {
	t.Setenv("GREPTIMEDB_ENDPOINT", "localhost:4001")
	w, cleanup, err := newWriters(nil, sinkJSON, true, "")
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if _, ok := w.(*sim.JSONStdoutWriter); !ok {
		t.Fatalf("expected *sim.JSONStdoutWriter, got %T", w)
	}
}

func TestNewWritersGreptimeFallback(t *testing.T) {
	t.Setenv("GREPTIMEDB_ENDPOINT", "")
	w, cleanup, err := newWriters(nil, sinkColor, false, "")
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if _, ok := w.(*sim.ColorStdoutWriter); !ok {
		t.Fatalf("expected *sim.ColorStdoutWriter, got %T", w)
	}
}

func TestNewWritersNone(t *testing.T) {
	t.Setenv("GREPTIMEDB_ENDPOINT", "")
	w, cleanup, err := newWriters(nil, sinkNone, false, "")
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	cleanup()
	if w != nil {
		t.Fatalf("expected no writer, got %T", w)
	}
}

func TestNewWritersLogFile(t *testing.T) {
	t.Setenv("GREPTIMEDB_ENDPOINT", "")
	path := filepath.Join(t.TempDir(), "events.log")
	w, cleanup, err := newWriters(nil, sinkNone, false, path)
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	defer cleanup()
	if _, ok := w.(*sim.FileWriter); !ok {
		t.Fatalf("expected *sim.FileWriter, got %T", w)
	}
	if err := w.Write(event.Row{Component: event.ComponentRunner, Kind: event.KindRunFinished, Entity: "r1", To: "complete"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected log file to be non-empty")
	}
	if _, err := os.Stat(path + ".blocks"); err != nil {
		t.Fatalf("expected block file: %v", err)
	}
}

func TestNewWritersCombined(t *testing.T) {
	t.Setenv("GREPTIMEDB_ENDPOINT", "")
	path := filepath.Join(t.TempDir(), "events.log")
	w, cleanup, err := newWriters(nil, sinkJSON, false, path)
	if err != nil {
		t.Fatalf("newWriters returned error: %v", err)
	}
	defer cleanup()
	if _, ok := w.(*sim.MultiWriter); !ok {
		t.Fatalf("expected *sim.MultiWriter, got %T", w)
	}
}

func TestNewWritersUnknownSink(t *testing.T) {
	if _, _, err := newWriters(nil, "xml", true, ""); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
		err  bool
	}{
		{"localhost", "localhost", defaultGreptimePort, false},
		{"db.internal:4101", "db.internal", 4101, false},
		{"db:http", "", 0, true},
		{"db:70000", "", 0, true},
	}
	for _, c := range cases {
		host, port, err := splitEndpoint(c.in)
		if (err != nil) != c.err {
			t.Fatalf("%s: err = %v", c.in, err)
		}
		if err == nil && (host != c.host || port != c.port) {
			t.Fatalf("%s: got %s:%d", c.in, host, port)
		}
	}
}
