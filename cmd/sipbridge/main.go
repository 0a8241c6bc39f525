package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipbridge/sipbridge/internal/bridge"
	"github.com/sipbridge/sipbridge/internal/cdr"
	"github.com/sipbridge/sipbridge/internal/config"
	"github.com/sipbridge/sipbridge/internal/dispatch"
	"github.com/sipbridge/sipbridge/internal/media"
	"github.com/sipbridge/sipbridge/internal/metrics"
	"github.com/sipbridge/sipbridge/internal/room"
	sipbridge "github.com/sipbridge/sipbridge/internal/sip"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sipbridge",
		"carrier", cfg.CarrierAddr,
		"listen_addr", cfg.ListenAddr,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
	)

	pool, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to build rtp port pool", "error", err)
		os.Exit(1)
	}

	var cdrs *cdr.Store
	if cfg.CDRPath != "" {
		cdrs, err = cdr.Open(cfg.CDRPath)
		if err != nil {
			slog.Error("failed to open cdr database", "error", err)
			os.Exit(1)
		}
		defer cdrs.Close()
	} else {
		slog.Warn("no cdr-path configured, call records are disabled")
	}

	rooms := room.NewGatewayClient(cfg.SessionURL, cfg.SessionAPIKey, cfg.SessionAPISecret, logger)

	agentNumbers, err := cfg.ParseAgentNumbers()
	if err != nil {
		slog.Error("failed to parse agent numbers", "error", err)
		os.Exit(1)
	}
	resolver := dispatch.StaticResolver{Numbers: agentNumbers, Default: cfg.DefaultAgent}

	registry := sipbridge.NewRegistry()
	orch := bridge.NewOrchestrator(bridge.Config{
		CarrierAddr:        cfg.CarrierAddr,
		SIPDomain:          cfg.SIPDomain,
		CallerID:           cfg.CallerID,
		SIPUsername:        cfg.SIPUsername,
		SIPPassword:        cfg.SIPPassword,
		PublicSIPIP:        cfg.SIPIP(),
		SIPPort:            cfg.SIPPort,
		PublicMediaIP:      cfg.MediaIP(),
		NoRTPGrace:         cfg.NoRTPGrace,
		RTPSilenceTimeout:  cfg.RTPSilenceTimeout,
		SIPResponseTimeout: cfg.SIPResponseTimeout,
	}, pool, registry, rooms, resolver, rooms, cdrs, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Inbound listener; disabled when no listen address is configured.
	var listener *sipbridge.Listener
	if cfg.ListenAddr != "" {
		listener = sipbridge.NewListener(cfg.ListenAddr, registry, func(call *sipbridge.InboundCall) {
			orch.HandleInbound(appCtx, call)
		}, logger)
		if err := listener.Start(); err != nil {
			slog.Error("failed to start sip listener", "error", err)
			os.Exit(1)
		}
	}

	// Metrics and health endpoints.
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(orch, pool, cdrs, registry, time.Now()))

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// One-shot outbound call from the command line.
	callDone := make(chan struct{})
	if cfg.DialNumber != "" {
		go func() {
			defer close(callDone)
			session := cfg.DialSession
			if session == "" {
				var err error
				session, err = rooms.CreateSessionAndDispatchAgent(appCtx, cfg.DialAgentType, cfg.DialNumber)
				if err != nil {
					slog.Error("failed to provision session for outbound call", "error", err)
					return
				}
			}
			if err := orch.RunOutbound(appCtx, cfg.DialNumber, cfg.DialAgentType, session); err != nil {
				slog.Error("outbound call failed", "error", err)
			}
		}()
	} else {
		close(callDone)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	appCancel()
	if listener != nil {
		listener.Close()
	}

	// Give in-flight calls a moment to run their teardown.
	select {
	case <-callDone:
	case <-time.After(10 * time.Second):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("sipbridge stopped")
}
