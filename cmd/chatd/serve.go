package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/qichat"
	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/fanout"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/metrics"
	"github.com/tokmz/qichat/pkg/tracing"
	"github.com/tokmz/qichat/pkg/ws"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the chat server.

Configuration is read from the file given by --config (yaml, json or toml)
and can be overridden with QICHAT_ environment variables, for example
QICHAT_SERVER_ADDR=:9000 or QICHAT_FANOUT_DRIVER=redis. Changing log.level
in the config file takes effect without a restart.

Examples:
  chatd serve
  chatd serve --config /etc/chatd/chatd.yaml
  chatd serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.addr)")

	return cmd
}

func runServe(ctx context.Context, configPath, addr string) error {
	reloader := &qichat.LevelReloader{}
	cfg, loader, err := qichat.LoadAppConfig(configPath,
		config.WithAutoWatch(configPath != ""),
		config.WithOnChange(reloader.OnChange),
	)
	if err != nil {
		return err
	}
	defer loader.Close()
	if addr != "" {
		cfg.Server.Addr = addr
	}

	// 日志
	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	reloader.Bind(log)

	// 链路追踪
	tp, err := tracing.NewTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	wsOpts := append(cfg.WSOptions(),
		ws.WithLogger(log),
		ws.WithTracerProvider(tp),
	)
	engineOpts := append(cfg.EngineOptions(), qichat.WithLogger(log))

	// 指标
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		wsOpts = append(wsOpts, ws.WithMetrics(metrics.New(
			metrics.WithRegistry(reg),
			metrics.WithNamespace(cfg.Metrics.Namespace),
			metrics.WithSubsystem(cfg.Metrics.Subsystem),
		)))
		engineOpts = append(engineOpts, qichat.WithGatherer(reg))
	}

	// 跨节点分发
	fanoutLog := log.Named("fanout")
	bus, err := fanout.New(&cfg.Fanout, fanoutLog)
	if err != nil {
		return err
	}
	var dir fanout.Directory
	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				fanoutLog.Warn("fanout backend close failed", zap.Error(err))
			}
		}()
		wsOpts = append(wsOpts, ws.WithForwarder(
			fanout.NewForwarder(bus, cfg.Fanout.NodeID, cfg.Fanout.Channel, fanoutLog),
		))

		dir = fanout.NewDirectory(&cfg.Fanout, bus)
		if cfg.Fanout.Channel != "" {
			wsOpts = append(wsOpts, ws.WithMembership(
				fanout.NewChannelMembership(dir, cfg.Fanout.Channel, fanoutLog),
			))
		}
	}

	manager, err := ws.NewManager(wsOpts...)
	if err != nil {
		return err
	}
	engine := qichat.New(manager, engineOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})

	if bus != nil {
		if md, ok := dir.(*fanout.MemoryDirectory); ok {
			g.Go(func() error {
				md.RunCleanup(gctx)
				return nil
			})
		}

		relay := fanout.NewRelay(bus, manager.Coordinator(), cfg.Fanout.NodeID,
			fanout.WithDirectory(dir),
			fanout.WithRelayLogger(fanoutLog),
			fanout.WithRelayTracer(tp.Tracer("qichat.fanout")),
		)
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	log.Info("chatd started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", qichat.Version),
		zap.String("fanout", string(cfg.Fanout.Driver)),
		zap.String("node_id", cfg.Fanout.NodeID),
	)
	return g.Wait()
}
