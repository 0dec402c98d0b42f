// Command gateway launches the hive proxy gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/hiveproxy/internal/backend"
	"github.com/coachpo/hiveproxy/internal/channel"
	"github.com/coachpo/hiveproxy/internal/config"
	"github.com/coachpo/hiveproxy/internal/conn"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/order"
	"github.com/coachpo/hiveproxy/internal/router"
	"github.com/coachpo/hiveproxy/internal/scheduler"
	"github.com/coachpo/hiveproxy/internal/server"
	"github.com/coachpo/hiveproxy/internal/session"
	"github.com/coachpo/hiveproxy/internal/telemetry"
	"github.com/coachpo/hiveproxy/internal/transport"
	"github.com/coachpo/hiveproxy/internal/transport/natsclient"
	"github.com/coachpo/hiveproxy/internal/transport/wsclient"
)

const (
	gatewayLoggerPrefix       = "gateway "
	shutdownTimeout           = 30 * time.Second
	serverShutdownTimeout     = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	schedulerShutdownTimeout  = 5 * time.Second
	transportShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	serverReadHeaderTimeout   = 5 * time.Second
	backendConnectGracePeriod = 10 * time.Second
)

func main() {
	cfgPathFlag, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()
	structured := observability.NewStdLogger(logger, debug)
	observability.SetLogger(structured)

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file %s not found, using defaults", configPath)
	}
	logger.Printf("configuration initialised: env=%s, pairs=%d, backend=%s",
		appCfg.Environment, len(appCfg.Feed.Pairs), appCfg.Backend.Transport)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics := telemetry.NewGatewayMetricsWithMeter(telemetryProvider.Meter("hiveproxy"))

	correlator, err := buildCorrelator(ctx, appCfg.Backend, structured)
	if err != nil {
		logger.Fatalf("initialise backend transport: %v", err)
	}
	logger.Printf("backend transport ready: %s %s", appCfg.Backend.Transport, appCfg.Backend.URL)

	engine := backend.New(correlator,
		backend.WithChannel(appCfg.Backend.Channel),
		backend.WithMetrics(metrics))

	conns := conn.NewTable(
		conn.WithWriteTimeout(appCfg.Server.WriteTimeout),
		conn.WithLogger(structured),
		conn.WithMetrics(metrics))

	sessions := session.NewManager(engine, conns,
		session.WithInterval(appCfg.Feed.AccountInterval),
		session.WithLogger(structured),
		session.WithMetrics(metrics))

	channels, err := channel.NewRegistry(appCfg.Feed.Pairs, sessions, conns,
		channel.WithWorkers(appCfg.Feed.BroadcastWorkers.Count()),
		channel.WithLogger(structured),
		channel.WithMetrics(metrics))
	if err != nil {
		logger.Fatalf("initialise channels: %v", err)
	}

	feed := scheduler.New(telemetry.TaskBook,
		scheduler.WithLogger(structured),
		scheduler.WithMetrics(metrics))
	if err := channels.StartRefresh(feed, appCfg.Feed.BookInterval, engine); err != nil {
		logger.Fatalf("start market data: %v", err)
	}
	logger.Printf("market data polling started: channels=%d, interval=%s", channels.Len(), appCfg.Feed.BookInterval)

	orders := order.NewGateway(sessions, engine, conns,
		order.WithThrottle(appCfg.Orders.Throttle, appCfg.Orders.Burst),
		order.WithLogger(structured),
		order.WithMetrics(metrics))

	wireTeardown(conns, sessions, orders)

	dispatch := router.New(channels, sessions, orders, conns, structured)

	var lifecycle conc.WaitGroup
	clientServer := buildServer(appCfg.Server, conns, dispatch, sessions, channels, structured)
	startServer(&lifecycle, logger, clientServer)
	logger.Printf("client websocket listening on %s%s", clientServer.Addr, appCfg.Server.Path)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     clientServer,
		mainCancel: cancel,
		conns:      conns,
		lifecycle:  &lifecycle,
		schedulers: []func(){feed.Close, sessions.Close},
		transport:  correlator,
		telemetry:  telemetryProvider,
		events:     structured,
	})
	if err != nil {
		logger.Printf("shutdown completed with errors in %v: %v", time.Since(shutdownStart), err)
		return
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", config.DefaultPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func newTelemetryConfig(env config.Environment, cfg config.TelemetryConfig) telemetry.Config {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	return telemetryCfg
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := newTelemetryConfig(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildCorrelator opens the configured backend transport. A websocket backend that is not yet
// reachable keeps reconnecting in the background; requests fail until it is.
func buildCorrelator(ctx context.Context, cfg config.BackendConfig, logger observability.Logger) (transport.Correlator, error) {
	logger = observability.OrDefault(logger)
	switch cfg.Transport {
	case config.TransportWebsocket:
		client := wsclient.New(cfg.URL, wsclient.Options{
			RequestTimeout:       cfg.RequestTimeout,
			ConnectTimeout:       backendConnectGracePeriod,
			MaxReconnectInterval: cfg.MaxReconnectInterval,
			Logger:               logger,
		})
		if err := client.Start(ctx); err != nil {
			if ctx.Err() != nil {
				_ = client.Close()
				return nil, err
			}
			logger.Error("backend not reachable yet; continuing to reconnect", observability.Err(err))
		}
		return client, nil
	case config.TransportNATS:
		client, err := natsclient.Dial(cfg.URL, natsclient.Options{
			SubjectPrefix:  cfg.SubjectPrefix,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported backend transport %q", cfg.Transport)
	}
}

// wireTeardown drops a connection's session, refresh loop and order throttle when it terminates.
func wireTeardown(conns *conn.Table, sessions *session.Manager, orders *order.Gateway) {
	conns.OnTerminate(func(connID string) {
		sessions.Remove(connID)
		orders.Forget(connID)
	})
}

func buildServer(cfg config.ServerConfig, conns *conn.Table, dispatch *router.Router, sessions *session.Manager, channels *channel.Registry, logger observability.Logger) *http.Server {
	handler := server.NewHandler(server.Options{
		Path:      cfg.Path,
		ReadLimit: cfg.ReadLimitBytes,
		Logger:    logger,
	}, conns, dispatch, sessions, channels)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *log.Logger, srv *http.Server) {
	lifecycle.Go(func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("client server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	conns      *conn.Table
	lifecycle  *conc.WaitGroup
	schedulers []func()
	transport  transport.Correlator
	telemetry  *telemetry.Provider
	events     observability.Logger
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping client server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if len(cfg.schedulers) > 0 {
		shutdownStep("stopping polling tasks", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() {
				for _, closeFn := range cfg.schedulers {
					closeFn()
				}
			})
		})
	}

	if cfg.conns != nil {
		logger.Printf("shutdown: closing %d client connections", cfg.conns.Len())
		cfg.conns.CloseAll()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.transport != nil {
		shutdownStep("closing backend transport", transportShutdownTimeout, func(stepCtx context.Context) error {
			var closeErr error
			if err := waitFor(stepCtx, func() { closeErr = cfg.transport.Close() }); err != nil {
				return err
			}
			return closeErr
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.AggregateErrors(cfg.events, "graceful shutdown", failures)
}

// waitFor runs fn and returns once it finishes or ctx expires.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return filepath.Clean(flagValue)
	}
	if env := os.Getenv("HIVEPROXY_CONFIG"); env != "" {
		return filepath.Clean(env)
	}
	return filepath.Clean(config.DefaultPath)
}
