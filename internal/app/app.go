package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kairos-exec/internal/config"
	"kairos-exec/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装全部组件并阻塞运行：任务协调器、告警投递、状态接口与巡检循环
// 同组托管，任一异常即触发整体退出。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("symbols", a.cfg.Exchange.Symbols),
		zap.Int("accounts", len(a.cfg.Exchange.Accounts)),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	if err := orch.Resume(ctx); err != nil {
		return fmt.Errorf("恢复持久化状态失败: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if err := startStatusServer(groupCtx, orch, a.cfg.Status.Port, a.logger); err != nil {
		return fmt.Errorf("启动状态接口失败: %w", err)
	}

	group.Go(func() error {
		return orch.tasks.Run(groupCtx)
	})
	group.Go(func() error {
		orch.alerts.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return a.tickLoop(groupCtx, orch)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// tickLoop 先立即巡检一次，之后按配置间隔循环。巡检失败只记录不退出。
func (a *App) tickLoop(ctx context.Context, orch *orchestrator) error {
	interval := a.cfg.App.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if err := orch.Tick(ctx); err != nil {
		a.logger.Error("首次巡检失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := orch.Tick(ctx); err != nil {
				a.logger.Error("周期巡检失败", zap.Error(err))
			}
		}
	}
}
