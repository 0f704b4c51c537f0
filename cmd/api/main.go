package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"tenantgate.org/internal/app"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/grpcapi"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/jobs"
	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/memory"
	"tenantgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Хранилище: PostgreSQL, если задан DSN, иначе in-memory (dev).
	var (
		store app.Store
		probe httpapi.ReadyProbe
		db    *pg.Store
	)
	if cfg.PGDSN != "" {
		db, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = db
		probe.DB = db
	} else {
		obs.Warn("no database configured, using in-memory store", nil)
		store = memory.New()
	}

	var (
		kvStore kv.Store
		rdb     *kv.Redis
	)
	if cfg.RedisURL != "" {
		rdb, err = kv.NewRedis(ctx, cfg.RedisURL, "tenantgate:")
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		kvStore = rdb
	} else {
		obs.Warn("no redis configured, using process-local key-value store", nil)
		kvStore = kv.NewMemory(nil)
	}
	probe.KV = kvStore

	rt, err := app.NewRuntime(cfg, store, kvStore)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}
	if err := rt.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	sched, err := jobs.New(jobs.Config{
		CleanupSchedule: cfg.CleanupSchedule,
		ResyncSchedule:  cfg.PolicyResyncSchedule,
		DeviceRetention: cfg.DeviceRetention,
		Refresh:         rt.Refresh,
		Devices:         rt.Devices,
		Policy:          rt.Sync,
	})
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	sched.Start()

	// HTTP API
	api := httpapi.New(rt.Service, rt.RBAC, probe, version,
		httpapi.WithRateLimit(cfg.HTTPRateBurst, cfg.HTTPRatePerSec),
		httpapi.WithTrustedProxies(cfg.TrustedProxies))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.Info("starting tenantgate", map[string]any{"version": version, "http_addr": srv.Addr, "grpc_addr": cfg.GRPCAddr})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpcapi.NewServer(rt.Service, probe)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	sched.Stop(shutdownCtx)
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
