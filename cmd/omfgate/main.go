package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/internal/config"
	"github.com/twinfer/omfgate/internal/hierarchy"
	"github.com/twinfer/omfgate/internal/ingest"
	"github.com/twinfer/omfgate/internal/metrics"
	"github.com/twinfer/omfgate/internal/sender"
	"github.com/twinfer/omfgate/internal/transport"
	"github.com/twinfer/omfgate/internal/typecache"
	"github.com/twinfer/omfgate/pkg/omf"
	"github.com/twinfer/omfgate/service"
)

var (
	configPath = flag.String("config", "", "Path to JSON configuration file (embedded defaults when empty)")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal("Invalid log level")
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("OMF gateway starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	endpoint := cfg.EndpointKind()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	client := transport.NewClient(transport.Config{
		BaseURL:            cfg.Server.URL,
		OMFPath:            cfg.Server.OMFPath,
		ProbePath:          cfg.Server.ProbePath,
		ProducerToken:      cfg.Server.ProducerToken,
		OMFVersion:         cfg.Server.OMFVersion,
		Username:           cfg.Server.Username,
		Password:           cfg.Server.Password,
		BearerToken:        cfg.Server.BearerToken,
		RequestTimeout:     cfg.RequestTimeout(),
		RetryCount:         uint64(cfg.Server.RetryCount),
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	}, logger)

	cache := typecache.New(cfg.TypeIDSeed, endpoint.SupportsHierarchy(), logger)
	store := &typecache.FileStore{Path: cfg.CachePath, Logger: logger}

	var resolver *hierarchy.Resolver
	if endpoint.SupportsHierarchy() {
		resolver = hierarchy.NewResolver(cfg.HierarchyRules(), logger)
	}

	// Full-structure mode only applies to endpoints that accept Link and
	// static-instance messages.
	fullStructure := cfg.FullStructure && endpoint.SupportsLinks()
	builder := omf.NewBuilder(fullStructure, cfg.TypeFormats(), cfg.StaticData)
	orchestrator := sender.New(sender.Config{
		Endpoint:      endpoint,
		Compression:   cfg.Compression,
		FullStructure: fullStructure,
		Scheme:        cfg.Scheme(),
		Delimiter:     cfg.Delimiter,
		NonBlocking:   cfg.NonBlockingErrors,
	}, client, builder, cache, resolver, m, logger)

	source := ingest.NewSource(ingest.Options{
		Broker:   cfg.Ingest.Broker,
		Topic:    cfg.Ingest.Topic,
		ClientID: cfg.Ingest.ClientID,
		Username: cfg.Ingest.Username,
		Password: cfg.Ingest.Password,
		QoS:      cfg.Ingest.QoS,
	}, logger)

	forwarding := service.NewForwardingService(service.ForwardingConfig{
		Interval:  cfg.ForwardInterval(),
		BatchSize: cfg.Forwarding.BatchSize,
	}, source, orchestrator, cache, store, logger)

	ctx := context.Background()
	if err := forwarding.Start(ctx); err != nil {
		logger.Fatalf("Failed to start forwarding service: %v", err)
	}
	if err := source.Connect(); err != nil {
		logger.Fatalf("Failed to connect reading source: %v", err)
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	metricsErrChan := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.MetricsListen}).Info("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"endpoint": endpoint.String(),
		"server":   cfg.Server.URL,
		"broker":   cfg.Ingest.Broker,
	}).Info("OMF gateway started")

	select {
	case err := <-metricsErrChan:
		logger.Errorf("Metrics server failed: %v. Initiating shutdown...", err)
	case <-sigChan:
		logger.Info("Shutting down OMF gateway...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source.Close()
	if err := forwarding.Stop(shutdownCtx); err != nil {
		logger.Errorf("Forwarding service shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Metrics server shutdown error: %v", err)
	}

	logger.Info("Shutdown complete")
}
