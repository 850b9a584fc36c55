package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"poolledger/core/events"
	"poolledger/core/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func structured(eventType string, attrs map[string]string) events.Event {
	return events.Structured{Evt: &types.Event{Type: eventType, Attributes: attrs}}
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestIndexerRecordsAndFilters(t *testing.T) {
	ix, err := New(newTestDB(t), nil)
	require.NoError(t, err)
	ix.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ix.Emit(structured("pool.deposited", map[string]string{"account": "pool1a", "amount": "10"}))
	ix.Emit(structured("loandesk.application.requested", map[string]string{"borrower": "pool1b"}))
	ix.Emit(bareEvent{})
	ix.Emit(structured("pool.staked", map[string]string{"account": "pool1c"}))

	all, err := ix.Events(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].Sequence)
	require.Equal(t, "pool", all[0].Module)
	require.Equal(t, "pool1a", all[0].Subject)
	attrs, err := all[0].Decode()
	require.NoError(t, err)
	require.Equal(t, "10", attrs["amount"])

	pool, err := ix.Events(context.Background(), Filter{TypePrefix: "pool."})
	require.NoError(t, err)
	require.Len(t, pool, 2)

	after, err := ix.Events(context.Background(), Filter{After: 2})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, "pool.staked", after[0].Type)

	literal, err := ix.Events(context.Background(), Filter{TypePrefix: "pool_"})
	require.NoError(t, err)
	require.Empty(t, literal)

	bySubject, err := ix.Events(context.Background(), Filter{Subject: "pool1b"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
}

func TestIndexerResumesSequence(t *testing.T) {
	db := newTestDB(t)
	ix, err := New(db, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Record(context.Background(), structured("pool.opened", nil)))

	reopened, err := New(db, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Record(context.Background(), structured("pool.closed", nil)))

	all, err := reopened.Events(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(2), all[1].Sequence)
}

func TestExportParquet(t *testing.T) {
	ix, err := New(newTestDB(t), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ix.Emit(structured("pool.deposited", map[string]string{"account": "pool1a", "amount": fmt.Sprint(i + 1)}))
	}
	ix.Emit(structured("loandesk.loan.repaid", map[string]string{"borrower": "pool1b"}))

	path := filepath.Join(t.TempDir(), "events.parquet")
	rows, err := ix.ExportParquet(context.Background(), path, Filter{TypePrefix: "pool."})
	require.NoError(t, err)
	require.Equal(t, 3, rows)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())
}

func TestOpenDSNRequiresValue(t *testing.T) {
	_, err := OpenDSN("  ")
	require.Error(t, err)
}
