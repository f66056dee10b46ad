package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "nested", "dca_confirmations.json"))
	require.NoError(t, err)
	return b
}

func sample() confirm.Record {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return confirm.NewPending(confirm.ID("BTC/USDT", at, 2), confirm.Payload{
		Pair:        "BTC/USDT",
		Sequence:    2,
		Rate:        decimal.RequireFromString("61000.5"),
		Stake:       decimal.RequireFromString("77.77"),
		ProfitRatio: -0.16,
	}, at)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	b := newBackend(t)
	snap, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Empty(t, snap.Version)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	rec := sample()

	version, err := b.Save(ctx, map[string]confirm.Record{rec.ID: rec}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, snap.Version)
	got := snap.Records[rec.ID]
	assert.Equal(t, confirm.StatusPending, got.Status)
	assert.True(t, got.Payload.Stake.Equal(rec.Payload.Stake))
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))

	entries, err := os.ReadDir(filepath.Dir(b.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSaveDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	rec := sample()
	v1, err := b.Save(ctx, map[string]confirm.Record{rec.ID: rec}, "")
	require.NoError(t, err)

	_, err = b.Save(ctx, map[string]confirm.Record{}, "")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = b.Save(ctx, map[string]confirm.Record{}, v1)
	assert.NoError(t, err)
}

func TestCorruptFileIsAnError(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, os.WriteFile(b.Path(), []byte(`{"X": {"status": "maybe", "timestamp": "t"}}`), 0o644))
	_, err := b.Load(context.Background())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(b.Path(), []byte(`{not json`), 0o644))
	_, err = b.Load(context.Background())
	assert.Error(t, err)
}

func TestLoadAcceptsRecordsWithoutID(t *testing.T) {
	b := newBackend(t)
	body := `{"ETH/USDT_20240301T000000Z_2": {"status": "pending", "timestamp": "2024-03-01T00:00:00Z", "payload": {"pair": "ETH/USDT"}}}`
	require.NoError(t, os.WriteFile(b.Path(), []byte(body), 0o644))
	snap, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT_20240301T000000Z_2", snap.Records["ETH/USDT_20240301T000000Z_2"].ID)
}

func TestStoreOverFileBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.json")
	b1, err := New(path)
	require.NoError(t, err)
	b2, err := New(path)
	require.NoError(t, err)

	// two stores over the same file emulate the listener and coordinator processes
	coord := store.New(b1)
	listener := store.New(b2)
	rec := sample()
	require.NoError(t, coord.Create(ctx, rec))

	_, err = listener.Transition(ctx, rec.ID, confirm.StatusConfirmed, "", time.Now())
	require.NoError(t, err)

	got, err := coord.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, confirm.StatusConfirmed, got.Status)
}
