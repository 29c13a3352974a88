package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseManagerQueryExec(t *testing.T) {
	dm, err := NewDatabaseManager(t.TempDir())
	require.NoError(t, err)
	defer dm.Close()

	ctx := context.Background()
	require.NoError(t, dm.Ping(ctx))

	now := time.Now()
	n, err := dm.Exec(ctx,
		"INSERT INTO mix_requests (id, currency, amount, deposit_address, output_addresses, delay_seconds, status, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		"req-1", "BTC", 100000000, "addr", "[]", 0, "PENDING", now.Add(time.Hour), now, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rows []MixRequest
	require.NoError(t, dm.Query(ctx, &rows, "SELECT * FROM mix_requests WHERE currency = ?", "BTC"))
	require.Len(t, rows, 1)
	assert.Equal(t, "req-1", rows[0].ID)
	assert.Equal(t, int64(100000000), rows[0].Amount)

	assert.True(t, dm.GetMixerDB().Migrator().HasIndex(&MixRequest{}, "mix_request_match_index"))
	assert.True(t, dm.GetDistributionDB().Migrator().HasTable(&ScheduledDistribution{}))
}

func TestDatabaseManagerReopen(t *testing.T) {
	dir := t.TempDir()
	dm, err := NewDatabaseManager(dir)
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	// migrations are recorded, reopening must not fail on the index
	dm, err = NewDatabaseManager(dir)
	require.NoError(t, err)
	require.NoError(t, dm.Close())
}
