package sim

import (
	"context"
	"fmt"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"bridgesim/internal/event"
)

// greptimeClient is the subset of the ingester client used by the writer.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter writes event rows to GreptimeDB via the ingester client.
// Block rows are skipped.
type GreptimeDBWriter struct {
	client greptimeClient
	table  string
}

// NewGreptimeDBWriter connects to host:port and writes into database.
// An empty table selects event.TableName.
func NewGreptimeDBWriter(host string, port int, database, tableName string) (*GreptimeDBWriter, error) {
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	if tableName == "" {
		tableName = event.TableName
	}
	return &GreptimeDBWriter{client: client, table: tableName}, nil
}

// Write inserts a single row.
func (w *GreptimeDBWriter) Write(row event.Row) error {
	return w.WriteBatch([]event.Row{row})
}

// WriteBatch inserts multiple rows in one request.
func (w *GreptimeDBWriter) WriteBatch(rows []event.Row) error {
	tbl, err := table.New(w.table)
	if err != nil {
		return err
	}
	tbl.AddTagColumn("run_id", types.STRING)
	tbl.AddTagColumn("component", types.STRING)
	tbl.AddTagColumn("kind", types.STRING)
	tbl.AddFieldColumn("tick", types.INT64)
	tbl.AddFieldColumn("entity", types.STRING)
	tbl.AddFieldColumn("bridge", types.STRING)
	tbl.AddFieldColumn("chain", types.STRING)
	tbl.AddFieldColumn("from_state", types.STRING)
	tbl.AddFieldColumn("to_state", types.STRING)
	tbl.AddFieldColumn("amount", types.STRING)
	tbl.AddFieldColumn("detail", types.STRING)
	tbl.AddFieldColumn("probe", types.BOOLEAN)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	n := 0
	for _, r := range rows {
		if r.Kind == event.KindBlock {
			continue
		}
		if err := tbl.AddRow(r.RunID, string(r.Component), r.Kind, r.Tick, r.Entity, r.Bridge, r.Chain,
			r.From, r.To, r.Amount, r.Detail, r.Probe, r.Timestamp); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return nil
	}
	_, err = w.client.Write(context.Background(), tbl)
	return err
}
