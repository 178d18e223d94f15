// Command reactord runs the reactor network server: a single-host
// reactor loop fronting HTTP/1.x and WebSocket traffic over one TCP
// listener, backed by a fixed worker pool for blocking handler work.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/lattice-systems/reactornet/internal/config"
	"github.com/lattice-systems/reactornet/internal/dispatch"
	"github.com/lattice-systems/reactornet/internal/events"
	"github.com/lattice-systems/reactornet/internal/logging"
	"github.com/lattice-systems/reactornet/internal/platform"
	"github.com/lattice-systems/reactornet/internal/reactor"
	"github.com/lattice-systems/reactornet/internal/security"
	"github.com/lattice-systems/reactornet/internal/telemetry"
	"github.com/lattice-systems/reactornet/internal/tlsadapt"
	"github.com/lattice-systems/reactornet/internal/wsproto"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides REACTOR_LOG_LEVEL)")
	flag.Parse()

	bootLogger, bootSink := logging.New(logging.Options{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs: GOMAXPROCS set from container CPU limit (rounds down)")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	bootSink.Close()

	logger, sink := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer sink.Close()
	cfg.LogFields(logger)
	logger.Info().Float64("process_rss_mb", platform.ProcessMemoryMB()).Msg("startup memory snapshot")

	gate := security.NewGate(security.Config{
		Open:              cfg.SecurityOpen,
		MaxPerIP:          cfg.ConnectionNumLimit,
		ConnectWindow:     time.Duration(cfg.ConnectionSecs) * time.Second,
		ConnectLimit:      cfg.ConnectionTimes,
		RequestWindow:     time.Duration(cfg.RequestSecs) * time.Second,
		RequestLimit:      cfg.RequestTimes,
		ConnectStrategy:   security.SlidingWindow,
		RequestStrategy:   security.SlidingWindow,
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeout) * time.Second,
	})

	registry := newRegistry(logger)

	var tlsProvider *tlsadapt.Provider
	if cfg.TLSEnabled() {
		tlsProvider, err = tlsadapt.NewProvider(tlsadapt.Settings{
			CertFile:          cfg.TLSCertFile,
			KeyFile:           cfg.TLSKeyFile,
			KeyPassphrase:     cfg.TLSKeyPass,
			CAFile:            cfg.TLSCAFile,
			RequireClientCert: cfg.TLSRequireCCA,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load TLS configuration")
		}
		logger.Info().Msg("TLS enabled")
	}

	publisher := events.Noop()
	if cfg.NATSUrl != "" {
		publisher, err = events.Connect(cfg.NATSUrl, cfg.NATSSubject, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer publisher.Close()
	}

	r, err := reactor.New(reactor.Options{
		Addr:                cfg.Addr,
		TLSProvider:         tlsProvider,
		MaxFD:               cfg.MaxFD,
		BufferSize:          cfg.BufferSize * 1024,
		WorkerCount:         cfg.WorkerCount,
		WorkerQueueSize:     cfg.WorkerQueueSize,
		CompletionQueueCap:  cfg.FinishQueueCap,
		HeartbeatIdle:       cfg.HeartbeatIdle,
		HeartbeatAckTimeout: cfg.HeartbeatAckTimeout,
		ZombieSweepInterval: time.Duration(cfg.CheckFrequency) * time.Second,
		Gate:                gate,
		Registry:            registry,
		Logger:              logger,
		Events:              publisher,
		OnClose: func(fd int32, ip string) {
			logger.Debug().Int32("fd", fd).Str("ip", ip).Msg("connection closed")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build reactor")
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx) }()

	logger.Info().Str("addr", r.Addr().String()).Msg("reactor listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("reactor run loop exited unexpectedly")
		}
	}

	cancel()
	r.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("reactor stopped")
}

// newRegistry wires the example route table: a health check answered
// inline, a /echo route that defers to the worker pool via put_task, and
// a fallback chain that echoes any WebSocket message and 404s any other
// HTTP path.
func newRegistry(logger zerolog.Logger) *dispatch.Registry {
	reg := dispatch.New(nil)

	reg.OnSecurityViolation(func(req *dispatch.Request) {
		logger.Warn().Str("key", req.Key).Msg("security gate closed connection")
	})

	reg.On("/healthz", func(req *dispatch.Request) dispatch.Outcome {
		write := req.Context["write"].(func([]byte) bool)
		write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: keep-alive\r\n\r\nok"))
		return dispatch.Ok
	})

	reg.On("/echo", func(req *dispatch.Request) dispatch.Outcome {
		write := req.Context["write"].(func([]byte) bool)
		putTask := req.Context["put_task"].(func(func() dispatch.Outcome) bool)
		body := append([]byte(nil), req.Payload...)

		ok := putTask(func() dispatch.Outcome {
			resp := append([]byte("HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nContent-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"), body...)
			write(resp)
			return dispatch.Ok
		})
		if !ok {
			write([]byte("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"))
			return dispatch.FailKeepOpen
		}
		return dispatch.Deferred
	})

	reg.Fallback(func(req *dispatch.Request) dispatch.Outcome {
		if _, isWS := req.Context["opcode"]; isWS {
			write := req.Context["write"].(func([]byte) bool)
			write(wsproto.EncodeFrame(wsproto.OpText, true, req.Payload))
			return dispatch.Ok
		}
		write := req.Context["write"].(func([]byte) bool)
		write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"))
		return dispatch.Ok
	})

	return reg
}
