package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/csms-core/internal/command"
	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/message"
	"github.com/charging-platform/csms-core/internal/normalizer"
	"github.com/charging-platform/csms-core/internal/session"
	"github.com/charging-platform/csms-core/internal/station"
	"github.com/charging-platform/csms-core/internal/storage"
	"github.com/charging-platform/csms-core/internal/transport"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	// 3. 初始化存储
	store, err := storage.NewRedisStore(cfg.Redis, cfg.TenantID)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Info("Storage initialized")

	// 4. 初始化事件通知器
	notifier, err := message.NewKafkaNotifier(cfg.Kafka, log)
	if err != nil {
		log.Fatalf("Failed to initialize Kafka notifier: %v", err)
	}
	log.Info("Kafka notifier initialized")

	// 5. 初始化会话生命周期管理器
	// 授权与计价协作方用内置兜底实现，外部服务接入时在此替换
	var sites session.SiteResolver
	if cfg.Session.OrganizationsEnabled {
		sites = store
	}
	lifecycle := session.NewLifecycle(&cfg.Session,
		session.AcceptAllAuthorizer{},
		store, store,
		session.FlatRatePricer{PerKWh: cfg.Session.PricePerKWh, Currency: cfg.Session.Currency},
		notifier, sites, cfg.TenantID, log)
	log.Info("Session lifecycle manager initialized")

	// 6. 初始化下行指令分发器
	resolver := transport.NewResolver(cfg.Command.RequestTimeout, log)
	dispatcher := command.NewDispatcher(resolver, lifecycle, store, log)
	log.Info("Command dispatcher initialized")

	// 7. 初始化充电站工作协程注册表
	registry := station.NewRegistry(station.DefaultRegistryConfig(), station.HandlerDeps{
		TenantID:   cfg.TenantID,
		Engine:     lifecycle,
		Store:      store,
		Normalizer: normalizer.New(log),
		Notifier:   notifier,
		Puller:     dispatcher,
		OCPPConfig: &cfg.OCPP,
		Logger:     log,
	})
	if err := registry.Start(); err != nil {
		log.Fatalf("Failed to start station registry: %v", err)
	}
	dispatcher.BindScheduler(registry)
	log.Info("Station registry started")

	// 8. 启动监控服务器
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Infof("Metrics server listening on %s", cfg.GetMetricsAddr())
		if err := http.ListenAndServe(cfg.GetMetricsAddr(), mux); err != nil {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()

	// 9. 启动入站消息服务器
	ingress := transport.NewIngress(registry, log)
	server := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      ingress.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Infof("Inbound server listening on %s", cfg.GetServerAddr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Inbound server failed: %v", err)
		}
	}()

	log.Info("CSMS core started successfully")

	// 10. 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Error shutting down inbound server: %v", err)
	}
	log.Info("Inbound server shut down")

	if err := registry.Stop(); err != nil {
		log.Errorf("Error stopping station registry: %v", err)
	}
	log.Info("Station registry stopped")

	resolver.Close()
	log.Info("Transport clients closed")

	if err := notifier.Close(); err != nil {
		log.Errorf("Error closing Kafka notifier: %v", err)
	}
	log.Info("Kafka notifier closed")

	if err := store.Close(); err != nil {
		log.Errorf("Error closing storage: %v", err)
	}
	log.Info("Storage closed")

	log.Info("Server gracefully stopped.")
}
