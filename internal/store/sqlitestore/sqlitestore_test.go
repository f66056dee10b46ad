package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "confirm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSaveLoadWithRevision(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", snap.Version)
	assert.Empty(t, snap.Records)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := confirm.NewPending("SOL/USDT_20240301T120000Z_2", confirm.Payload{
		Pair:  "SOL/USDT",
		Stake: decimal.NewFromInt(25),
	}, at)
	v1, err := b.Save(ctx, map[string]confirm.Record{rec.ID: rec}, snap.Version)
	require.NoError(t, err)
	assert.Equal(t, "1", v1)

	_, err = b.Save(ctx, map[string]confirm.Record{}, "0")
	assert.ErrorIs(t, err, store.ErrConflict)

	snap, err = b.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Records, rec.ID)
	assert.True(t, snap.Records[rec.ID].Payload.Stake.Equal(decimal.NewFromInt(25)))

	v2, err := b.Save(ctx, map[string]confirm.Record{}, v1)
	require.NoError(t, err)
	assert.Equal(t, "2", v2)
	snap, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
}

func TestStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := store.New(openTemp(t))
	rec := confirm.NewPending("X_20240301T120000Z_1", confirm.Payload{Pair: "X"}, time.Now())
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Transition(ctx, rec.ID, confirm.StatusDeclined, "", time.Now())
	require.NoError(t, err)
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, confirm.ReasonUser, got.Reason)
}

func TestClosedBackendErrors(t *testing.T) {
	b := openTemp(t)
	require.NoError(t, b.Close())
	_, err := b.Load(context.Background())
	assert.Error(t, err)
}
