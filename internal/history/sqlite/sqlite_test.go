package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetr/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventHostOnline, OccurredAt: now, HostID: "h-1", HostName: "laptop-1",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventHostOffline, OccurredAt: now.Add(40 * time.Second), HostID: "h-1", HostName: "laptop-1",
		Detail: "heartbeat timeout",
	}))

	rows, err := sink.db.QueryContext(ctx, `SELECT type, detail FROM fleet_history WHERE host_id = ? ORDER BY occurred_at`, "h-1")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var got [][2]string
	for rows.Next() {
		var typ, detail string
		require.NoError(t, rows.Scan(&typ, &detail))
		got = append(got, [2]string{typ, detail})
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][2]string{{"host_online", ""}, {"host_offline", "heartbeat timeout"}}, got)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Send(ctx, history.Event{
			Type: history.EventWorkerState, OccurredAt: time.Now(), HostID: "h-2", Subject: "fs", Status: "running",
		}))
	}
	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fleet_history`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
