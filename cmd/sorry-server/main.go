// Command sorry-server is a minimal always-fast HTTP responder that
// serves one static document, intended as a load-balancer fallback
// ("sorry page") endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/sorry-server/content"
	"github.com/wolfeidau/sorry-server/server"
	"github.com/wolfeidau/sorry-server/telemetry"
)

var version = "dev"

var cli struct {
	IndexPath    string `help:"Path to the index HTML file." default:"index.html" env:"WEB_INDEX_PATH"`
	Addr         string `help:"Address to bind to." default:"127.0.0.1" env:"WEB_ADDR"`
	Port         int    `help:"Port to listen on." default:"3000" env:"WEB_PORT"`
	MetricsPort  int    `help:"Metrics server port." default:"3001" env:"METRICS_PORT"`
	TLS          bool   `help:"Enable TLS with an ephemeral self-signed certificate." env:"ENABLE_TLS"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (optional)." env:"OTLP_ENDPOINT"`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`
	Version      kong.VersionFlag
}

func main() {
	kong.Parse(&cli,
		kong.Name("sorry-server"),
		kong.Description("Static fallback page server with self-reporting metrics."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "sorry-server",
		ServiceVersion: version,
		OTLPEndpoint:   cli.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	record, err := content.Load(cli.IndexPath)
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	logger.Info("loaded document",
		"path", cli.IndexPath,
		"bytes", len(record.Raw),
		"gzip_bytes", len(record.Gzip),
		"etag", record.ETag,
		"last_modified", record.LastModifiedHTTP,
	)

	srv, err := server.New(server.Config{
		Address:        net.JoinHostPort(cli.Addr, strconv.Itoa(cli.Port)),
		MetricsAddress: net.JoinHostPort(cli.Addr, strconv.Itoa(cli.MetricsPort)),
		TLS:            cli.TLS,
		Record:         record,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
