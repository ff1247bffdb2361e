package sim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"

	"bridgesim/internal/config"
	"bridgesim/internal/event"
)

func sampleRows() []event.Row {
	ts := time.Unix(0, 0).UTC()
	return []event.Row{
		{RunID: "r1", Tick: 1, Component: event.ComponentChain, Kind: event.KindBlock, Entity: "blk", Chain: "a", To: "1", Timestamp: ts},
		{RunID: "r1", Tick: 1, Component: event.ComponentBridge, Kind: event.KindTransferState, Entity: "t1", Bridge: "ab",
			From: "initiated", To: "source_confirmed", Amount: "100", Timestamp: ts},
		{RunID: "r1", Tick: 2, Component: event.ComponentFailure, Kind: event.KindFinding, Entity: "replay", Bridge: "ab",
			From: "replay_attack", To: "defended", Probe: true, Timestamp: ts.Add(12 * time.Second)},
	}
}

func readLines(t *testing.T, path string) []event.Row {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var rows []event.Row
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r event.Row
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		rows = append(rows, r)
	}
	return rows
}

func TestFileWriterSplitsBlocks(t *testing.T) {
	dir := t.TempDir()
	events := filepath.Join(dir, "events.jsonl")
	blocks := filepath.Join(dir, "blocks.jsonl")
	fw, err := NewFileWriter(events, blocks)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if err := fw.WriteBatch(sampleRows()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := readLines(t, events)
	if len(ev) != 2 || ev[0].Entity != "t1" || ev[0].Amount != "100" || !ev[1].Probe {
		t.Fatalf("unexpected events: %+v", ev)
	}
	bl := readLines(t, blocks)
	if len(bl) != 1 || bl[0].Kind != event.KindBlock {
		t.Fatalf("unexpected blocks: %+v", bl)
	}
}

func TestFileWriterWithoutBlockFile(t *testing.T) {
	events := filepath.Join(t.TempDir(), "events.jsonl")
	fw, err := NewFileWriter(events, "")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if err := fw.WriteBatch(sampleRows()); err != nil {
		t.Fatalf("write: %v", err)
	}
	fw.Close()
	if got := len(readLines(t, events)); got != 2 {
		t.Fatalf("expected 2 event rows, got %d", got)
	}
}

type collectWriter struct{ rows []event.Row }

func (c *collectWriter) Write(r event.Row) error {
	c.rows = append(c.rows, r)
	return nil
}

type failingWriter struct{ closed bool }

func (f *failingWriter) Write(event.Row) error { return errors.New("sink down") }
func (f *failingWriter) Close() error {
	f.closed = true
	return errors.New("close failed")
}

func TestMultiWriterContinuesPastFailures(t *testing.T) {
	bad := &failingWriter{}
	good := &collectWriter{}
	mw := NewMultiWriter(bad, nil, good)
	err := mw.WriteBatch(sampleRows())
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if len(good.rows) != 3 {
		t.Fatalf("healthy writer got %d rows", len(good.rows))
	}
	if err := mw.Write(sampleRows()[1]); err == nil {
		t.Fatalf("expected error from single write")
	}
	if len(good.rows) != 4 {
		t.Fatalf("healthy writer got %d rows after single write", len(good.rows))
	}
	if err := mw.Close(); err == nil || !bad.closed {
		t.Fatalf("close not forwarded: %v", err)
	}
}

func TestJSONStdoutWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := &JSONStdoutWriter{out: buf}
	if err := w.WriteBatch(sampleRows()); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "{") {
		t.Fatalf("unexpected output %q", buf.String())
	}
	buf.Reset()
	w.Blocks = true
	_ = w.WriteBatch(sampleRows())
	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Fatalf("expected block rows when enabled, got %d lines", got)
	}
}

func TestColorStdoutWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := &ColorStdoutWriter{cfg: tuiConfig(), out: buf}
	if err := w.Write(sampleRows()[1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Chains:") || !strings.Contains(output, "Bridges:") {
		t.Fatalf("overview not printed: %q", output)
	}
	if !strings.Contains(output, "\x1b[") || !strings.Contains(output, "TRANSFER_STATE") {
		t.Fatalf("expected colorized row: %q", output)
	}
	buf.Reset()
	if err := w.WriteBatch(sampleRows()); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if strings.Contains(buf.String(), "Chains:") {
		t.Fatalf("overview printed more than once")
	}
	if strings.Contains(buf.String(), "BLOCK") {
		t.Fatalf("block row printed without Blocks")
	}
}

type mockGreptimeClient struct {
	table *table.Table
	calls int
}

func (m *mockGreptimeClient) Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error) {
	m.calls++
	if len(tables) > 0 {
		m.table = tables[0]
	}
	return &gpb.GreptimeResponse{}, nil
}

func TestGreptimeWriterEvents(t *testing.T) {
	m := &mockGreptimeClient{}
	w := &GreptimeDBWriter{client: m, table: "bridge_events"}
	if err := w.WriteBatch(sampleRows()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if m.table == nil {
		t.Fatalf("expected table to be captured")
	}
	rows := m.table.GetRows()
	if len(rows.Rows) != 2 {
		t.Fatalf("expected block row to be skipped, got %d rows", len(rows.Rows))
	}
	if len(rows.Schema) != 13 {
		t.Fatalf("unexpected schema length: %d", len(rows.Schema))
	}
	if rows.Schema[0].SemanticType != gpb.SemanticType_TAG {
		t.Fatalf("run_id should be a tag, got %v", rows.Schema[0].SemanticType)
	}
	if got := rows.Rows[0].Values[0].GetStringValue(); got != "r1" {
		t.Fatalf("run_id = %s, want r1", got)
	}
	if got := rows.Rows[0].Values[4].GetStringValue(); got != "t1" {
		t.Fatalf("entity = %s, want t1", got)
	}
	if !rows.Rows[1].Values[11].GetBoolValue() {
		t.Fatalf("probe flag lost")
	}
}

func TestGreptimeWriterSkipsEmptyBatch(t *testing.T) {
	m := &mockGreptimeClient{}
	w := &GreptimeDBWriter{client: m, table: "bridge_events"}
	if err := w.WriteBatch(sampleRows()[:1]); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("expected no request for block-only batch")
	}
}

func TestReplayLog(t *testing.T) {
	rows := sampleRows()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	cw := &collectWriter{}
	if err := ReplayLog(&buf, cw, 0); err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if len(cw.rows) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(cw.rows))
	}
	for i, r := range rows {
		if cw.rows[i].Entity != r.Entity || cw.rows[i].Kind != r.Kind {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, cw.rows[i], r)
		}
	}
}

func TestReplayLogRejectsGarbage(t *testing.T) {
	if err := ReplayLog(strings.NewReader("{not json"), &collectWriter{}, 0); err == nil {
		t.Fatalf("expected decode error")
	}
}

func lockAndMintConfig() config.SimulationConfig {
	return config.SimulationConfig{
		Name:        "lock-and-mint",
		Seed:        7,
		TickSeconds: 12,
		MaxTicks:    50,
		Chains: []config.Chain{
			{ID: "a", Confirmations: 2, FinalityBlocks: 5},
			{ID: "b", Confirmations: 2, FinalityBlocks: 5},
		},
		Bridges: []config.Bridge{{
			ID: "ab", Type: "lock_and_mint", Source: "a", Destination: "b",
			ConfirmationThreshold: 2, Validators: 5, Quorum: 3, Latency: 3,
		}},
		Transfers: []config.Transfer{{ID: "t1", Bridge: "ab", Amount: "1000"}},
	}
}

func TestRebuildMatchesLiveMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	fw, err := NewFileWriter(path, "")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	r, err := NewRunner(lockAndMintConfig(), WithWriter(fw))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.RunToCompletion(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	fw.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	snap, err := Rebuild(f, 12)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !snap.Complete {
		t.Fatalf("rebuilt snapshot not complete")
	}
	live, _ := res.Metrics.Bridge("ab")
	rebuilt, ok := snap.Bridge("ab")
	if !ok {
		t.Fatalf("bridge ab missing from rebuilt metrics")
	}
	if rebuilt.Completed != live.Completed || rebuilt.Latency.Mean != live.Latency.Mean {
		t.Fatalf("rebuilt %+v differs from live %+v", rebuilt, live)
	}
}
