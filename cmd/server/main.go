package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syx0310/claude-relay-service/internal/config"
	"github.com/syx0310/claude-relay-service/internal/handler"
	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
	"github.com/syx0310/claude-relay-service/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		panic(err)
	}
	defer logger.Sync()

	scheduler := service.NewAccountScheduler(cfg.Accounts)
	defer scheduler.Stop()

	var sink service.UsageSink = service.NoopUsageSink{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sink = service.NewRedisUsageSink(rdb)
	}

	pool := service.NewUsageRecordWorkerPool(8)
	defer pool.Stop()

	gatewayService := service.NewCodexGatewayService(cfg, scheduler, sink, pool)
	messagesHandler := handler.NewMessagesHandler(gatewayService, cfg.Server.MaxBodyBytes)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.SetupRouter(messagesHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Nagle is disabled per accepted connection so SSE frames are not
	// coalesced on the wire.
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.L().Error("server.listen_failed", zap.Error(err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info("server.listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.Serve(handler.WrapNoDelay(ln)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.L().Error("server.exit", zap.Error(err))
		os.Exit(1)
	}
	logger.L().Info("server.stopped")
}
