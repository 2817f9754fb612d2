package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nestfolio/nestfolio/internal/api"
	"github.com/nestfolio/nestfolio/internal/eventlog"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/metrics"
	"github.com/nestfolio/nestfolio/internal/node"
	"github.com/nestfolio/nestfolio/internal/store"
	"github.com/nestfolio/nestfolio/pkg/config"
	"github.com/nestfolio/nestfolio/pkg/logger"
	"github.com/nestfolio/nestfolio/pkg/ratelimit"
	"github.com/nestfolio/nestfolio/pkg/shutdown"
)

func main() {
	// .env 可选；不存在时直接使用环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("NESTFOLIO_CONFIG", "config.yaml"), "配置文件路径（yaml / json）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "nestfolio-node: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(configPath string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger.Infof("配置已加载: %s", configPath)
	if f := logger.GetCurrentLogFile(); f != "" {
		logger.Infof("日志写入 %s", f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sm := shutdown.NewManager()

	var st *store.Store
	if cfg.Node.StateDir != "" {
		key, err := store.ParseKey(cfg.Node.EncryptionKey)
		if err != nil {
			return fmt.Errorf("解析加密密钥失败: %w", err)
		}
		st, err = store.Open(store.OpenOptions{Path: cfg.Node.StateDir, EncryptionKey: key})
		if err != nil {
			return err
		}
		sm.OnShutdown("store", func(context.Context) error { return st.Close() })
	}

	var (
		evlog   *eventlog.Log
		sinks   []events.Sink
		lastSeq uint64
	)
	if cfg.Node.EventDB != "" {
		if cfg.Node.EventDB != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Node.EventDB), 0o755); err != nil {
				return fmt.Errorf("创建事件库目录失败: %w", err)
			}
		}
		evlog, err = eventlog.Open(cfg.Node.EventDB)
		if err != nil {
			return err
		}
		sm.OnShutdown("eventlog", func(context.Context) error { return evlog.Close() })
		if lastSeq, err = evlog.LastSeq(ctx); err != nil {
			return err
		}
		sinks = append(sinks, evlog)
	}

	n, err := node.New(node.Options{Config: cfg, Store: st, Sinks: sinks, LastSeq: lastSeq})
	if err != nil {
		return err
	}
	for _, acct := range n.Keyring().Accounts() {
		logger.Infof("开发账户 %s => %s (%s)", acct.Name, acct.Address.Hex(), acct.Path)
	}

	checkpointCtx, stopCheckpoints := context.WithCancel(ctx)
	checkpointDone := make(chan struct{})
	go func() {
		defer close(checkpointDone)
		n.RunCheckpoints(checkpointCtx, cfg.Node.CheckpointInterval)
	}()
	sm.OnShutdown("checkpoint", func(ctx context.Context) error {
		stopCheckpoints()
		select {
		case <-checkpointDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if cfg.Debug != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Debug); err != nil {
			logger.Warnf("调试服务启动失败: %v", err)
		} else {
			logger.Infof("调试服务监听 %s", cfg.Debug)
		}
	}

	srv := api.New(n, evlog, ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window), cfg.Auth.NonceWindow)
	httpSrv := &http.Server{
		Addr:              cfg.APIListen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("API 监听 %s", cfg.APIListen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server error: %v", err)
			cancel()
		}
	}()
	sm.OnShutdown("http", httpSrv.Shutdown)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-stopCh:
		logger.Infof("收到信号 %s，准备退出", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)
	return nil
}
