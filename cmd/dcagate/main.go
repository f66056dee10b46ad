package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dcagate/internal/app"
	"dcagate/internal/config"
	"dcagate/internal/logger"
)

const usage = `usage: dcagate <listener|coordinator|status>

  listener     receive accept/decline decisions (webhook + Telegram polling)
  coordinator  evaluate open positions and request confirmations each cycle
  status       print the current confirmation records as YAML

config: $DCAGATE_CONFIG (default configs/config.yaml)`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	role := strings.ToLower(strings.TrimSpace(os.Args[1]))

	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	if role == "status" {
		if err := printStatus(cfg); err != nil {
			log.Fatalf("读取确认记录失败: %v", err)
		}
		return
	}

	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	decisionFile, err := setupDecisionLog(cfg.App.DecisionLogPath)
	if err != nil {
		log.Fatalf("初始化决策日志失败: %v", err)
	}
	if decisionFile != nil {
		defer decisionFile.Close()
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，角色=%s）", cfg.App.Env, role)

	a, err := app.NewApp(cfg, app.BuildOptions{Role: app.Role(role), ConfigPath: cfgPath})
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func printStatus(cfg *config.Config) error {
	st, err := app.OpenStore(cfg.Store, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.WriteStatus(ctx, st, os.Stdout, time.Now())
}

func setupLogOutput(path string) (*os.File, error) {
	file, err := openAppend(path)
	if err != nil || file == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func setupDecisionLog(path string) (*os.File, error) {
	file, err := openAppend(path)
	if err != nil || file == nil {
		return nil, err
	}
	logger.SetDecisionWriter(file)
	return file, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
