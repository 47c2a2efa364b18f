package audit

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/ledgerly/model"
)

func activity(id, recordID, action string, version int64) model.ActivityLogEntry {
	return model.ActivityLogEntry{
		ID: id, RecordID: recordID, Module: "expense", Entity: "dealer",
		Action: action, ActorID: "alice", Version: version,
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Minute),
	}
}

func logContract(t *testing.T, log Log) {
	ctx := context.Background()

	created := activity("a1", "r1", model.ActivityCreated, 1)
	created.Changes = []model.FieldChange{{Key: "amount", After: 100.0}}
	require.NoError(t, log.AppendActivity(ctx, created))
	require.NoError(t, log.AppendActivity(ctx, activity("a2", "r2", model.ActivityCreated, 1)))

	updated := activity("a3", "r1", model.ActivityUpdated, 2)
	updated.Changes = []model.FieldChange{{Key: "amount", Before: 100.0, After: 150.0}}
	require.NoError(t, log.AppendActivity(ctx, updated))

	require.NoError(t, log.AppendApproval(ctx, model.ApprovalLogEntry{
		ID: "p1", RecordID: "r1", Module: "expense", Entity: "dealer",
		Action: "approve", ActorID: "bob",
		FromStatus: model.StatusSubmitted, ToStatus: model.StatusApproved,
		Comment: "ok", Timestamp: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
	}))

	got, err := log.ListActivity(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a1", got[0].ID)
	require.Equal(t, "a3", got[1].ID)
	require.Equal(t, []model.FieldChange{{Key: "amount", Before: 100.0, After: 150.0}}, got[1].Changes)
	require.True(t, updated.Timestamp.Equal(got[1].Timestamp))

	approvals, err := log.ListApproval(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, model.StatusApproved, approvals[0].ToStatus)
	require.Equal(t, "ok", approvals[0].Comment)

	none, err := log.ListApproval(ctx, "r2")
	require.NoError(t, err)
	require.Empty(t, none)

	page, err := log.ActivityAfter(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a1", page[0].Entry.ID)
	require.Less(t, page[0].Seq, page[1].Seq)

	rest, err := log.ActivityAfter(ctx, page[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "a3", rest[0].Entry.ID)

	tail, err := log.ActivityAfter(ctx, rest[0].Seq, 10)
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestMemoryLog(t *testing.T) {
	logContract(t, NewMemoryLog())
}

func TestSQLiteLog(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log, err := NewSQLiteLog(context.Background(), db)
	require.NoError(t, err)
	logContract(t, log)
}

func seedActivity(t *testing.T, log Log, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, log.AppendActivity(context.Background(),
			activity(fmt.Sprintf("a%d", i+1), "r1", model.ActivityUpdated, int64(i+1))))
	}
}
