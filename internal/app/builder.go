package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"dcagate/internal/config"
	"dcagate/internal/coordinator"
	"dcagate/internal/dispatch"
	"dcagate/internal/gateway/freqtrade"
	"dcagate/internal/gateway/notifier"
	"dcagate/internal/ingest"
	"dcagate/internal/logger"
	"dcagate/internal/metrics"
	"dcagate/internal/scheduler"
	"dcagate/internal/store"
	"dcagate/internal/strategy/dca"
	listenerhttp "dcagate/internal/transport/http/listener"
)

type AppBuilder struct {
	cfg  *config.Config
	opts BuildOptions

	storeFn     func(config.StoreConfig, *metrics.Metrics) (*store.Store, error)
	telegramFn  func(config.TelegramConfig, *metrics.Metrics) *notifier.Telegram
	freqtradeFn func(config.FreqtradeConfig) (*freqtrade.Client, error)
	watchFn     func(string, *config.Config) (*config.Watcher, error)
}

type AppBuilderOption func(*AppBuilder)

// WithStoreFactory 替换记录集的打开方式（测试用内存后端）。
func WithStoreFactory(fn func(config.StoreConfig, *metrics.Metrics) (*store.Store, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.storeFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts BuildOptions, extra ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		opts:        opts,
		storeFn:     OpenStore,
		telegramFn:  buildTelegram,
		freqtradeFn: freqtrade.NewClient,
		watchFn:     config.Watch,
	}
	for _, opt := range extra {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	role := b.opts.Role
	if role == "" {
		role = RoleListener
	}
	if role != RoleListener && role != RoleCoordinator {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	m := metrics.New()
	st, err := b.storeFn(cfg.Store, m)
	if err != nil {
		return nil, err
	}

	var (
		tg     *notifier.Telegram
		sender notifier.DecisionSender
	)
	if cfg.Telegram.Configured() {
		tg = b.telegramFn(cfg.Telegram, m)
		sender = tg
	} else {
		logger.Warnf("Telegram 未配置：确认请求不会发送，pending 记录将按超时自动拒绝")
	}
	requestTimeout := time.Duration(cfg.Telegram.RequestTimeoutSeconds) * time.Second
	disp := dispatch.New(sender, cfg.Confirm.Timeout(), requestTimeout)

	app := &App{cfg: cfg, role: role, store: st, metrics: m}
	var onChange []config.ChangeListener
	switch role {
	case RoleListener:
		onChange = b.buildListener(app, disp, tg)
	case RoleCoordinator:
		onChange, err = b.buildCoordinator(app, disp)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	onChange = append(onChange, func(next *config.Config) {
		disp.SetWindow(next.Confirm.Timeout())
		logger.SetLevel(next.App.LogLevel)
	})
	app.watcher = b.watch(onChange)
	app.Summary = newStartupSummary(cfg, role, tg != nil)
	return app, nil
}

func (b *AppBuilder) buildListener(app *App, disp *dispatch.Dispatcher, tg *notifier.Telegram) []config.ChangeListener {
	cfg := b.cfg
	activity := ingest.NewActivity(cfg.Listener.ActivityCapacity)
	var stream http.Handler
	if cfg.Listener.StreamEnabled {
		hub := ingest.NewHub(cfg.Listener.StreamOrigins...)
		activity.OnAdd(hub.Publish)
		app.hub = hub
		stream = hub
	}

	handler := ingest.NewHandler(app.store, disp, activity,
		ingest.WithAllowedUsers(cfg.Telegram.AllowedUserIDs),
		ingest.WithMetrics(app.metrics),
		ingest.WithWindow(cfg.Confirm.Timeout()),
	)
	if tg != nil && cfg.Listener.PollEnabled {
		app.poller = ingest.NewPoller(tg, handler, ingest.PollerConfig{
			PollTimeout:  time.Duration(cfg.Telegram.PollTimeoutSeconds) * time.Second,
			RetryInitial: time.Duration(cfg.Telegram.RetryInitialSeconds) * time.Second,
			RetryMax:     time.Duration(cfg.Telegram.RetryMaxSeconds) * time.Second,
			Metrics:      app.metrics,
		})
	}
	app.server = listenerhttp.NewServer(listenerhttp.ServerConfig{
		Addr:     cfg.Listener.HTTPAddr,
		Callback: handler,
		Activity: activity,
		Records:  app.store,
		Metrics:  app.metrics.Handler(),
		Stream:   stream,
	})
	return []config.ChangeListener{func(next *config.Config) {
		handler.SetWindow(next.Confirm.Timeout())
	}}
}

func (b *AppBuilder) buildCoordinator(app *App, disp *dispatch.Dispatcher) ([]config.ChangeListener, error) {
	cfg := b.cfg
	client, err := b.freqtradeFn(cfg.Freqtrade)
	if err != nil {
		return nil, err
	}
	coord := coordinator.New(app.store, disp, freqtrade.NewAdapter(client, cfg.Coordinator.EntryTag),
		coordinator.Policy{Timeout: cfg.Confirm.Timeout(), Retention: cfg.Confirm.Retention()},
		coordinator.WithMetrics(app.metrics),
	)
	app.cycle = newCycleRunner(client, coord, dca.FromConfig(cfg.DCA))
	app.scheduler = scheduler.NewAlignedScheduler("coordinator", cfg.Coordinator.CycleInterval(), cfg.Coordinator.Offset())
	app.scheduler.RunImmediately = true
	app.reaper = coord.Reaper()
	app.sweeper = scheduler.NewAlignedScheduler("reaper", sweepInterval(cfg.Confirm), 0)
	app.server = listenerhttp.NewServer(listenerhttp.ServerConfig{
		Addr:    cfg.Coordinator.HTTPAddr,
		Records: app.store,
		Metrics: app.metrics.Handler(),
	})
	return []config.ChangeListener{func(next *config.Config) {
		coord.SetPolicy(coordinator.Policy{Timeout: next.Confirm.Timeout(), Retention: next.Confirm.Retention()})
		app.cycle.SetPolicy(dca.FromConfig(next.DCA))
	}}, nil
}

// sweepInterval 保证清扫周期不长于决策窗口，超时拒绝的误差不超过一个清扫周期。
func sweepInterval(c config.ConfirmConfig) time.Duration {
	d := c.SweepInterval()
	if d <= 0 {
		d = 30 * time.Second
	}
	if t := c.Timeout(); t > 0 && d > t {
		d = t
	}
	return d
}

// watch 只在配置文件存在时启用热更新；存储与监听地址不参与热更新。
func (b *AppBuilder) watch(listeners []config.ChangeListener) *config.Watcher {
	path := strings.TrimSpace(b.opts.ConfigPath)
	if path == "" || b.watchFn == nil {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := b.watchFn(path, b.cfg)
	if err != nil {
		logger.Warnf("config hot reload disabled: %v", err)
		return nil
	}
	for _, fn := range listeners {
		w.Subscribe(fn)
	}
	return w
}

func buildTelegram(cfg config.TelegramConfig, m *metrics.Metrics) *notifier.Telegram {
	return notifier.NewTelegram(cfg.BotToken, cfg.ChatID,
		notifier.WithAPIBase(cfg.APIBase),
		notifier.WithTimeouts(
			time.Duration(cfg.RequestTimeoutSeconds)*time.Second,
			time.Duration(cfg.PollHTTPTimeoutSeconds)*time.Second,
		),
		notifier.WithRateLimit(cfg.RatePerSecond),
		notifier.WithErrorHook(m.TelegramError),
	)
}
