package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"tokensale/clock"
	"tokensale/config"
	"tokensale/gateway/middleware"
	"tokensale/gateway/routes"
	"tokensale/indexer"
	telemetry "tokensale/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("serve", stderr)
	listenAddr := fs.String("listen", "", "Override server.ListenAddress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "tokensale-gateway",
		Environment: cfg.NetworkName,
		Network:     cfg.NetworkName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	source, err := wallClock(cfg, logger)
	if err != nil {
		return err
	}

	ixDB, err := indexer.Open(cfg.Indexer.DSN)
	if err != nil {
		return err
	}
	ix, err := indexer.New(ixDB, logger)
	if err != nil {
		return err
	}
	defer ix.Close()

	hub := routes.NewHub(0, logger)
	s, err := openSale(cfg, logger, source, hub, ix)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := requireAnchor(cfg, len(s.engine.Purchases())); err != nil {
		return err
	}
	if _, err := ix.Sync(ctx, s.engine.Purchases()); err != nil {
		return err
	}

	skew, err := cfg.ClockSkew()
	if err != nil {
		return err
	}
	router, err := routes.New(routes.Config{
		Sale:    s.engine,
		Hub:     hub,
		Indexer: ix,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Server.Auth.Enabled,
			HMACSecret: cfg.Server.Auth.HMACSecret,
			Issuer:     cfg.Server.Auth.Issuer,
			Audience:   cfg.Server.Auth.Audience,
			ClockSkew:  skew,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			Burst:             cfg.Server.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "tokensale-gateway",
			Registerer:  prometheus.DefaultRegisterer,
		}),
		Metrics: promhttp.Handler(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ln, err := listen(cfg.Server.ListenAddress, cfg.Server.MaxConnections)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(router, "tokensale-gateway"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("gateway listening",
		slog.String("address", ln.Addr().String()),
		slog.Int("maxConnections", cfg.Server.MaxConnections),
		slog.Uint64("position", s.engine.Position()),
		slog.String("status", s.engine.Status().String()))
	fmt.Fprintf(stdout, "Serving sale on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}

// listen opens a TCP listener that accepts at most limit concurrent
// connections. A limit of zero leaves it unbounded.
func listen(address string, limit int) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}
	return ln, nil
}

// requireAnchor refuses to resume a sale with journaled purchases unless
// server.StartTime pins the clock; anchoring at process start would put the
// position behind the journal.
func requireAnchor(cfg *config.Config, journaled int) error {
	start, err := cfg.StartTime()
	if err != nil {
		return err
	}
	if start.IsZero() && journaled > 0 {
		return fmt.Errorf("server.StartTime must be set to resume a sale with %d journaled purchases", journaled)
	}
	return nil
}

// wallClock anchors positions at server.StartTime. Without one the sale
// starts now.
func wallClock(cfg *config.Config, logger *slog.Logger) (clock.Source, error) {
	start, err := cfg.StartTime()
	if err != nil {
		return nil, err
	}
	if start.IsZero() {
		start = time.Now()
		logger.Warn("server.StartTime not set, anchoring the sale at the current time",
			slog.String("startTime", start.UTC().Format(time.RFC3339)))
	}
	unit := time.Duration(cfg.Sale.PositionSeconds) * time.Second
	return clock.NewWall(start, cfg.Sale.StartPosition, unit, nil), nil
}

func runIndex(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("index", stderr)
	dsn := fs.String("dsn", "", "Override indexer.DSN")
	top := fs.Int("top", 10, "Number of contributors to print (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) != "" {
		cfg.Indexer.DSN = *dsn
	}
	s, err := openSale(cfg, logger, clock.Fixed(cfg.Sale.StartPosition))
	if err != nil {
		return err
	}
	defer s.Close()

	db, err := indexer.Open(cfg.Indexer.DSN)
	if err != nil {
		return err
	}
	ix, err := indexer.New(db, logger)
	if err != nil {
		return err
	}
	defer ix.Close()

	ctx := context.Background()
	added, err := ix.Sync(ctx, s.engine.Purchases())
	if err != nil {
		return err
	}
	contributors, err := ix.Contributors(ctx, *top)
	if err != nil {
		return err
	}
	type contributor struct {
		Beneficiary string `json:"beneficiary"`
		Purchases   int    `json:"purchases"`
		Value       string `json:"value"`
		Amount      string `json:"amount"`
	}
	out := make([]contributor, 0, len(contributors))
	for _, c := range contributors {
		out = append(out, contributor{
			Beneficiary: c.Beneficiary,
			Purchases:   c.Purchases,
			Value:       c.ValueWei.String(),
			Amount:      c.Tokens.String(),
		})
	}
	return writeJSON(stdout, map[string]any{
		"added":        added,
		"indexed":      len(s.engine.Purchases()),
		"contributors": out,
	})
}

func runExport(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("export", stderr)
	out := fs.String("out", "purchases.parquet", "Output parquet file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSaleAt(*configPath, 0, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	history := s.engine.Purchases()
	if err := indexer.WriteParquet(*out, history); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %d purchases to %s\n", len(history), *out)
	return nil
}
