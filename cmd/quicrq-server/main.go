package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	qconfig "github.com/alxayo/quicrq/internal/config"
	"github.com/alxayo/quicrq/internal/housekeeping"
	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/metrics"
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/relay"
	"github.com/alxayo/quicrq/internal/transport"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := resolveConfig(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, "quicrq-server:", err)
		os.Exit(1)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	tlsLoader, err := qconfig.NewTLSLoader(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		log.Error("loading certificate", "error", err)
		os.Exit(1)
	}
	tlsConf := &tls.Config{
		GetCertificate: tlsLoader.GetCertificate,
		NextProtos:     []string{cfg.ALPN},
	}
	if cfg.CertRootStore != "" {
		pool, err := qconfig.LoadRootCAs(cfg.CertRootStore)
		if err != nil {
			log.Error("loading cert_root_store", "error", err)
			os.Exit(1)
		}
		tlsConf.RootCAs = pool
	}

	role := quicrq.RoleConfig{
		EnableOrigin:      cfg.EnableOrigin,
		EnableRelay:       cfg.EnableRelay,
		UpstreamAddr:      cfg.UpstreamAddr,
		UpstreamSNI:       cfg.UpstreamSNI,
		UseDatagrams:      cfg.UseDatagrams,
		CongestionEnabled: cfg.EnableCongestionControl,
		MinLossClassFlag:  cfg.MinLossClassFlag,
		MaxDrops:          cfg.MaxDrops,
		RealTimeCacheMode: cfg.RealTimeCache,
	}
	qctx := quicrq.NewContext(role)

	var metricsReg *metrics.Registry
	if cfg.MetricsListen != "" {
		metricsReg = metrics.New()
		go func() {
			srv := &http.Server{Addr: cfg.MetricsListen, Handler: metricsReg.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.MetricsListen)
	}

	if cfg.EnableRelay {
		qctx.Originator = relay.New(qctx, tlsConf, nil)
	}

	sweep := housekeeping.New(qctx.Registry, metricsReg, cfg.CacheDuration)
	if err := sweep.Start(cfg.HousekeepingCron); err != nil {
		log.Error("starting housekeeping sweep", "error", err)
		os.Exit(1)
	}
	defer sweep.Stop()

	tcfg := transport.Config{ALPN: cfg.ALPN, TLSConfig: tlsConf}
	ln, err := transport.Listen(cfg.Listen, tcfg)
	if err != nil {
		log.Error("listen failed", "error", err)
		os.Exit(1)
	}
	log.Info("server listening", "addr", cfg.Listen, "version", version, "origin", cfg.EnableOrigin, "relay", cfg.EnableRelay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, ln, qctx, tcfg, log)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = ln.Close()
		close(done)
	}()
	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

func acceptLoop(ctx context.Context, ln *quic.Listener, qctx *quicrq.Context, tcfg transport.Config, log *slog.Logger) {
	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("accept connection failed", "error", err)
			continue
		}
		conn := quicrq.Accept(qctx, qconn, tcfg)
		go func() {
			if err := conn.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("connection ended", "error", err)
			}
		}()
	}
}
