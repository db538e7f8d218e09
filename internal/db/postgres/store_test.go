package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwbsync/internal/device"
	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/output"
)

var (
	_ device.Persister = (*Store)(nil)
	_ output.Store     = (*Store)(nil)
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schema)
	require.Len(t, stmts, 6)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS anchors")
	for _, s := range stmts {
		assert.NotContains(t, s, ";")
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_OpenError(t *testing.T) {
	boom := errors.New("no route to host")
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, boom })
	defer restore()

	_, err := Open(context.Background(), "postgres://db.invalid/uwbsync")
	assert.ErrorIs(t, err, boom)
}

// Runs against a real server when UWBSYNC_TEST_PG_DSN is set.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("UWBSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("UWBSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	suffix := uuid.NewString()
	anchorCode, tagCode := "a-"+suffix, "t-"+suffix

	a, err := s.SaveAnchor(ctx, anchorCode)
	require.NoError(t, err)
	again, err := s.SaveAnchor(ctx, anchorCode)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	id, found, err := s.LookupAnchorID(ctx, anchorCode)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, a, id)

	_, found, err = s.LookupTagID(ctx, tagCode)
	require.NoError(t, err)
	assert.False(t, found)
	tag, err := s.SaveTag(ctx, tagCode)
	require.NoError(t, err)

	now := time.Now()
	roundID, err := s.SaveRound(ctx, tag, measurement.RoundSnapshot{Start: now, End: now.Add(time.Second)})
	require.NoError(t, err)
	require.NoError(t, s.SaveReadings(ctx, roundID, []measurement.Reading{
		{AnchorStorageID: a, Distance: 2.5, ExecutedAt: now, Channel: 5},
	}))
	n, err := s.CountReadings(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
