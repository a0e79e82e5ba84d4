// Command bridged is the bridge daemon: it holds the connection to one
// remote tool endpoint and serves any number of consumer sessions over
// WebSocket, with Prometheus metrics on a separate listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bridgekit/mcp-bridge/pkg/broker"
	"github.com/bridgekit/mcp-bridge/pkg/configstore"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/observability"
	"github.com/bridgekit/mcp-bridge/pkg/primitives"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
	"github.com/bridgekit/mcp-bridge/pkg/supervisor"
	"github.com/bridgekit/mcp-bridge/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "bridged",
		Short:        "Bridge daemon between tool consumers and a remote MCP endpoint",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:8765", "consumer WebSocket listen address")
	flags.String("metrics-listen", "127.0.0.1:9090", "metrics listen address")
	flags.String("data-dir", defaultDataDir(), "directory for persistent state")
	flags.String("endpoint", "", "endpoint URI to connect to (overrides the stored configuration)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Bool("auto-reconnect", false, "automatically redial the endpoint after unplanned disconnects")
	flags.Int("max-failures", 3, "consecutive connect failures before giving up")
	flags.Duration("cache-max-age", 5*time.Minute, "primitive cache freshness window")
	flags.Bool("trace-enabled", false, "enable OpenTelemetry tracing")
	flags.String("trace-exporter", string(observability.ExporterOTLPHTTP), "trace exporter: otlp-http or otlp-grpc")
	flags.String("trace-endpoint", "localhost:4318", "trace collector address")

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(v)

	tracing, err := observability.Init(ctx, observability.TracingConfig{
		Enabled:        v.GetBool("trace-enabled"),
		ServiceName:    "mcp-bridge",
		ServiceVersion: "1.0.0",
		Exporter:       observability.ExporterType(v.GetString("trace-exporter")),
		Endpoint:       v.GetString("trace-endpoint"),
		Insecure:       true,
		SampleRatio:    1.0,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tracing.Shutdown(shutdownCtx)
	}()

	dataDir := v.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := configstore.Open(filepath.Join(dataDir, "bridge.db"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clientCfg := transport.DefaultClientConfig()
	clientCfg.Logger = logger
	clientCfg.Metrics = transport.NewMetrics(registry)
	clientCfg.Middlewares = []transport.Middleware{
		transport.NewObservabilityMiddleware(logger, clientCfg.Metrics, tracing.Tracer("transport")),
	}
	client := transport.NewEndpointClient(clientCfg)

	supCfg := supervisor.DefaultConfig()
	supCfg.Logger = logger
	supCfg.AutoReconnect = v.GetBool("auto-reconnect")
	supCfg.MaxConsecutiveFailures = v.GetInt("max-failures")
	sup := supervisor.New(client, supCfg)

	cache := primitives.NewCache(client, v.GetDuration("cache-max-age"), logger)

	brokerCfg := broker.DefaultConfig()
	brokerCfg.Logger = logger
	brokerCfg.Metrics = broker.NewMetrics(registry)
	b := broker.New(sup, client, cache, store, brokerCfg)
	client.SetNotificationHandler(b.OnEndpointNotification)

	sup.Start(ctx)
	b.Start(ctx)
	defer func() {
		b.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sup.Stop(shutdownCtx)
		client.Disconnect(shutdownCtx)
	}()

	if err := connectInitialEndpoint(ctx, v, store, sup, logger); err != nil {
		return err
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", broker.NewWSServer(b, logger))
	wsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	wsServer := &http.Server{Addr: v.GetString("listen"), Handler: wsMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: v.GetString("metrics-listen"), Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(wsServer, "consumer", logger) })
	g.Go(func() error { return serve(metricsServer, "metrics", logger) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		wsServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	logger.Info("bridge daemon started",
		logging.String("listen", wsServer.Addr),
		logging.String("metrics_listen", metricsServer.Addr),
	)
	return g.Wait()
}

// connectInitialEndpoint dials the configured endpoint at startup. A connect
// failure is logged, not fatal: the daemon stays up so consumers can fix the
// configuration over the wire.
func connectInitialEndpoint(ctx context.Context, v *viper.Viper, store configstore.Store, sup *supervisor.Supervisor, logger logging.Logger) error {
	uri := v.GetString("endpoint")
	if uri != "" {
		if err := store.Save(ctx, protocol.ServerConfig{URI: uri}); err != nil {
			return err
		}
	} else {
		cfg, err := store.Load(ctx)
		if err != nil {
			return err
		}
		uri = cfg.URI
	}

	if uri == "" {
		logger.Info("no endpoint configured yet, waiting for configuration")
		return nil
	}
	if err := sup.Connect(ctx, uri); err != nil {
		logger.Warn("initial endpoint connect failed",
			logging.String("uri", uri),
			logging.ErrorField(err),
		)
	}
	return nil
}

func serve(server *http.Server, name string, logger logging.Logger) error {
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		logger.Error("listener failed",
			logging.String("listener", name),
			logging.ErrorField(err),
		)
	}
	return err
}

func newLogger(v *viper.Viper) logging.Logger {
	var formatter logging.Formatter
	if v.GetString("log-format") == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	logger.SetLevel(logging.ParseLevel(v.GetString("log-level")))
	return logger.WithComponent("bridged")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-bridge"
	}
	return filepath.Join(home, ".mcp-bridge")
}
