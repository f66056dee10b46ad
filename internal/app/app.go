package app

import (
	"context"
	"fmt"

	"dcagate/internal/config"
	"dcagate/internal/coordinator"
	"dcagate/internal/ingest"
	"dcagate/internal/logger"
	"dcagate/internal/metrics"
	"dcagate/internal/scheduler"
	"dcagate/internal/store"
	listenerhttp "dcagate/internal/transport/http/listener"

	"golang.org/x/sync/errgroup"
)

// Role 决定进程运行哪一侧：接收人工决定的 listener，或驱动加仓决策的 coordinator。
type Role string

const (
	RoleListener    Role = "listener"
	RoleCoordinator Role = "coordinator"
)

// BuildOptions 是构建 App 时除配置外的输入。
type BuildOptions struct {
	Role       Role
	ConfigPath string
}

// App 负责应用级编排：加载配置→初始化依赖→按角色启动服务。
type App struct {
	cfg     *config.Config
	role    Role
	store   *store.Store
	metrics *metrics.Metrics
	server  *listenerhttp.Server
	watcher *config.Watcher
	Summary *StartupSummary

	// listener
	hub    *ingest.Hub
	poller *ingest.Poller

	// coordinator
	cycle     *cycleRunner
	scheduler *scheduler.AlignedScheduler
	reaper    *coordinator.Reaper
	sweeper   *scheduler.AlignedScheduler
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts BuildOptions) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 启动当前角色的全部后台任务，直到 ctx 取消或其中之一失败。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.hub != nil {
		group.Go(func() error { return a.hub.Run(ctx) })
	}
	if a.poller != nil {
		group.Go(func() error { return a.poller.Run(ctx) })
	}
	if a.scheduler != nil && a.cycle != nil {
		group.Go(func() error { return a.scheduler.Run(ctx, a.cycle.Run) })
	}
	if a.sweeper != nil && a.reaper != nil {
		group.Go(func() error { return a.sweeper.Run(ctx, a.reaper.Tick) })
	}
	logger.Infof("✓ dcagate %s started", a.role)
	err := group.Wait()
	logger.Infof("dcagate %s stopped", a.role)
	return err
}

// Store 暴露底层记录集（供测试与 status 命令使用）。
func (a *App) Store() *store.Store {
	if a == nil {
		return nil
	}
	return a.store
}
