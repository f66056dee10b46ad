package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dcagate/internal/config"
	"dcagate/internal/confirm"
	"dcagate/internal/coordinator"
	"dcagate/internal/gateway/freqtrade"
	"dcagate/internal/metrics"
	"dcagate/internal/store"
	"dcagate/internal/strategy/dca"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func loadTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "store:\n  backend: file\n  path: " + filepath.Join(dir, "dca_confirmations.json") + "\n" +
		"listener:\n  http_addr: 127.0.0.1:0\n" +
		"coordinator:\n  http_addr: 127.0.0.1:0\n  interval: 15m\n  offset_seconds: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Telegram.BotToken = ""
	cfg.Telegram.ChatID = ""
	return cfg, path
}

func TestOpenStoreBackends(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rec := confirm.NewPending("BTC/USDT_20240301T003000Z_2", confirm.Payload{Pair: "BTC/USDT", Sequence: 2}, time.Now())

	for _, cfg := range []config.StoreConfig{
		{Backend: "file", Path: filepath.Join(dir, "c.json")},
		{Backend: "sqlite", SQLitePath: filepath.Join(dir, "c.db")},
	} {
		t.Run(cfg.Backend, func(t *testing.T) {
			st, err := OpenStore(cfg, metrics.New())
			require.NoError(t, err)
			defer st.Close()
			require.NoError(t, st.Create(ctx, rec))
			got, err := st.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, confirm.StatusPending, got.Status)
		})
	}

	_, err := OpenStore(config.StoreConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

func TestBuildListener(t *testing.T) {
	cfg, path := loadTestConfig(t)
	b := NewAppBuilder(cfg, BuildOptions{Role: RoleListener, ConfigPath: path})
	b.watchFn = nil
	a, err := b.Build(context.Background())
	require.NoError(t, err)
	defer a.Store().Close()

	assert.NotNil(t, a.server)
	assert.Nil(t, a.hub, "activity stream is opt-in")
	assert.Nil(t, a.poller, "polling needs a configured bot")
	assert.Nil(t, a.scheduler)
	assert.Nil(t, a.sweeper)
	assert.Equal(t, RoleListener, a.Summary.Role)
	assert.False(t, a.Summary.Telegram.Configured)

	cfg.Listener.StreamEnabled = true
	b = NewAppBuilder(cfg, BuildOptions{Role: RoleListener})
	streaming, err := b.Build(context.Background())
	require.NoError(t, err)
	defer streaming.Store().Close()
	assert.NotNil(t, streaming.hub)
}

func TestBuildCoordinator(t *testing.T) {
	cfg, _ := loadTestConfig(t)
	a, err := NewAppBuilder(cfg, BuildOptions{Role: RoleCoordinator}).Build(context.Background())
	require.NoError(t, err)
	defer a.Store().Close()

	require.NotNil(t, a.scheduler)
	assert.Equal(t, 15*time.Minute, a.scheduler.Interval)
	assert.Equal(t, 5*time.Second, a.scheduler.Offset)
	assert.NotNil(t, a.cycle)
	assert.Nil(t, a.hub)
	assert.Equal(t, "15m0s", a.Summary.Cycle.Interval)

	// 超时清扫独立于 15m 的决策周期
	require.NotNil(t, a.sweeper)
	require.NotNil(t, a.reaper)
	assert.Equal(t, 30*time.Second, a.sweeper.Interval)
	assert.Less(t, a.sweeper.Interval, cfg.Confirm.Timeout())
}

func TestSweepIntervalIsCappedByWindow(t *testing.T) {
	assert.Equal(t, 30*time.Second, sweepInterval(config.ConfirmConfig{TimeoutMinutes: 10}))
	assert.Equal(t, 45*time.Second, sweepInterval(config.ConfirmConfig{TimeoutMinutes: 10, SweepIntervalSeconds: 45}))
	assert.Equal(t, time.Minute, sweepInterval(config.ConfirmConfig{TimeoutMinutes: 1, SweepIntervalSeconds: 300}))
}

func TestBuildErrors(t *testing.T) {
	cfg, _ := loadTestConfig(t)
	_, err := NewAppBuilder(cfg, BuildOptions{Role: "monitor"}).Build(context.Background())
	assert.Error(t, err)

	failing := WithStoreFactory(func(config.StoreConfig, *metrics.Metrics) (*store.Store, error) {
		return nil, errors.New("no disk")
	})
	_, err = NewAppBuilder(cfg, BuildOptions{Role: RoleListener}, failing).Build(context.Background())
	assert.EqualError(t, err, "no disk")
}

type stubTrades struct {
	trades []freqtrade.Trade
	err    error
}

func (s *stubTrades) ListTrades(context.Context) ([]freqtrade.Trade, error) {
	return s.trades, s.err
}

func TestCycleRunnerRequestsConfirmation(t *testing.T) {
	st := store.New(store.NewMemory())
	coord := coordinator.New(st, nil, nil, coordinator.Policy{Timeout: 5 * time.Minute, Retention: time.Hour})
	trades := &stubTrades{trades: []freqtrade.Trade{{
		ID:                    3,
		Pair:                  "SOL/USDT:USDT",
		OpenTimestamp:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		StakeAmount:           50,
		IsOpen:                true,
		CurrentRate:           101.25,
		ProfitRatio:           -0.03,
		NrOfSuccessfulEntries: 1,
	}}}
	runner := newCycleRunner(trades, coord, dca.Policy{MaxSafetyOrders: 2, InitialStakeFraction: 0.5, ProfitTriggers: []float64{-0.02}})
	ctx := context.Background()

	runner.Run(ctx)
	records, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records["SOL/USDT:USDT_20240301T000000Z_2"]
	assert.Equal(t, confirm.StatusPending, rec.Status)
	assert.True(t, rec.Payload.Stake.Equal(decimal.NewFromInt(25)))

	// 阈值加深后同一持仓不再产生候选
	runner.SetPolicy(dca.Policy{MaxSafetyOrders: 2, InitialStakeFraction: 0.5, ProfitTriggers: []float64{-0.5}})
	runner.Run(ctx)
	records, err = st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	trades.err = errors.New("freqtrade offline")
	runner.Run(ctx)
}

func TestWriteStatus(t *testing.T) {
	st := store.New(store.NewMemory())
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	pending := confirm.NewPending("BTC/USDT_20240301T003000Z_2", confirm.Payload{Pair: "BTC/USDT", Sequence: 2, Stake: decimal.NewFromFloat(12.5)}, now.Add(-2*time.Minute))
	require.NoError(t, st.Create(ctx, pending))
	declined := confirm.NewPending("BTC/USDT_20240301T003000Z_3", confirm.Payload{Pair: "BTC/USDT", Sequence: 3}, now.Add(-time.Hour))
	declined, err := confirm.Apply(declined, confirm.StatusDeclined, confirm.ReasonTimeout, now.Add(-50*time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, declined))

	var buf bytes.Buffer
	require.NoError(t, WriteStatus(ctx, st, &buf, now))

	var report statusReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Counts["pending"])
	assert.Equal(t, 1, report.Counts["declined"])
	assert.Equal(t, 0, report.Counts["confirmed"])
	require.Len(t, report.Records, 2)
	for _, row := range report.Records {
		if row.Status == "pending" {
			assert.Equal(t, "12.50", row.Stake)
			assert.Equal(t, "2m0s", row.Age)
		} else {
			assert.Equal(t, "timeout", row.Reason)
			assert.NotEmpty(t, row.Resolved)
		}
	}
}

func TestSummaryPrint(t *testing.T) {
	cfg, _ := loadTestConfig(t)
	var buf bytes.Buffer
	newStartupSummary(cfg, RoleCoordinator, false).Fprint(&buf)
	out := buf.String()
	assert.Contains(t, out, "coordinator")
	assert.Contains(t, out, "-15.00%")
}
