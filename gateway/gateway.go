// Package gateway is the backend in front of the paymaster and the bundler:
// it sponsors, submits and reports on UserOperations over REST and over a
// JSON-RPC endpoint that a stock bundler client can use.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/userop-gateway/core/config"
	"github.com/AvaProtocol/userop-gateway/metrics"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
	"github.com/AvaProtocol/userop-gateway/pkg/timekeeper"
	"github.com/AvaProtocol/userop-gateway/version"
)

const shutdownTimeout = 10 * time.Second

type Status string

const (
	initStatus     Status = "init"
	runningStatus  Status = "running"
	shutdownStatus Status = "shutdown"
)

func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is valid yaml: %w", configPath, err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	gw, err := NewGateway(c)
	if err != nil {
		return fmt.Errorf("cannot initialize gateway from config: %w", err)
	}
	return gw.Start(context.Background())
}

type Gateway struct {
	config   *config.Config
	registry *prometheus.Registry
	metrics  *metrics.GatewayMetrics
	quota    *paymaster.DailyQuota
	receipts *bigcache.BigCache
	service  *Service
	echo     *echo.Echo
	status   Status
}

// NewGateway builds the upstream clients, the sponsorship policy and the
// HTTP server from c.
func NewGateway(c *config.Config) (*Gateway, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewGatewayMetrics(reg)

	gw := &Gateway{config: c, registry: reg, metrics: m, status: initStatus}

	eligibility, err := gw.buildEligibility()
	if err != nil {
		return nil, err
	}

	if c.ReceiptCacheTTL > 0 {
		gw.receipts, err = bigcache.New(context.Background(), receiptCacheConfig(c.ReceiptCacheTTL))
		if err != nil {
			return nil, fmt.Errorf("cannot create receipt cache: %w", err)
		}
	}

	pmRpc := jsonrpc.NewClient(jsonrpc.Options{
		Name:        "paymaster",
		URL:         c.Paymaster.Url,
		APIKey:      c.Paymaster.ApiKey,
		BearerToken: c.Paymaster.BearerToken,
		Timeout:     c.RequestTimeout,
		Logger:      c.Logger,
		Observer:    m,
	})
	pm := paymaster.NewClient(pmRpc, paymaster.Config{
		ChainID:            c.Chain.ID,
		EntryPoint:         c.EntryPoint,
		PaymasterID:        c.Paymaster.PaymasterID,
		CalculateGasLimits: *c.Paymaster.CalculateGasLimits,
	}, c.Logger, paymaster.WithEligibility(eligibility), paymaster.WithOutcome(m))

	bundlerRpc := jsonrpc.NewClient(jsonrpc.Options{
		Name:        "bundler",
		URL:         c.Bundler.Url,
		APIKey:      c.Bundler.ApiKey,
		BearerToken: c.Bundler.BearerToken,
		Timeout:     c.RequestTimeout,
		Logger:      c.Logger,
		Observer:    m,
	})
	bc := bundler.NewBundlerClient(bundlerRpc, c.EntryPoint, c.Logger)

	gw.service = NewService(pm, bc, c.Chain.ID, gw.receipts, c.Logger)
	gw.echo = NewHttpServer(gw.service, ServerOptions{
		AllowedOrigins: c.AllowedOrigins,
		Health: HealthInfo{
			Paymaster: configured(c.Paymaster.Url),
			Bundler:   configured(c.Bundler.Url),
			ChainName: c.Chain.Name,
			RpcUrl:    c.Chain.RpcUrl,
		},
		Registry: reg,
		Requests: m,
		Sentry:   gw.initSentry(),
	})
	return gw, nil
}

func configured(url string) string {
	if url == "" {
		return "not configured"
	}
	return "configured"
}

func (gw *Gateway) buildEligibility() (paymaster.Eligibility, error) {
	var policies paymaster.AllOf
	if gw.config.Sponsorship.Policy != "" {
		p, err := paymaster.NewExprPolicy(gw.config.Sponsorship.Policy)
		if err != nil {
			return nil, fmt.Errorf("invalid sponsorship.policy: %w", err)
		}
		policies = append(policies, p)
	}
	// the quota goes last so denied operations do not consume it
	if gw.config.Sponsorship.DailyQuota > 0 {
		q, err := paymaster.NewDailyQuota(context.Background(), uint64(gw.config.Sponsorship.DailyQuota))
		if err != nil {
			return nil, fmt.Errorf("cannot create sponsorship quota: %w", err)
		}
		gw.quota = q
		policies = append(policies, q)
	}
	if len(policies) == 0 {
		return paymaster.PermitAll{}, nil
	}
	return policies, nil
}

const (
	receiptCacheShards = 16
	// settled receipts expected within one TTL, used only for the initial
	// allocation
	receiptCacheEntries = 10_000
	// typical encoded receipt in bytes, used only for the initial allocation
	receiptCacheEntrySize = 1024
	// MB; the oldest receipts are overwritten past this
	receiptCacheMaxMB = 64
)

func receiptCacheConfig(ttl time.Duration) bigcache.Config {
	return bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: receiptCacheShards,

		// time after which entry can be evicted
		LifeWindow: ttl,

		// bigcache has a one second resolution
		CleanWindow: max(ttl/2, time.Second),

		MaxEntriesInWindow: receiptCacheEntries,
		MaxEntrySize:       receiptCacheEntrySize,
		HardMaxCacheSize:   receiptCacheMaxMB,

		Verbose: false,
	}
}

func (gw *Gateway) initSentry() bool {
	if gw.config.SentryDsn == "" {
		gw.config.Logger.Info("no sentry_dsn configured, Sentry integration is disabled")
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              gw.config.SentryDsn,
		ServerName:       gw.config.ServerName,
		Environment:      string(gw.config.Environment),
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.GetRevision()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		gw.config.Logger.Errorf("Sentry initialization failed: %v", err)
		return false
	}
	return true
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests.
func (gw *Gateway) Start(ctx context.Context) error {
	log := gw.config.Logger
	log.Info("Starting user operation gateway",
		"version", version.Get(),
		"address", gw.config.HttpBindAddress,
		"chainId", gw.config.Chain.ID,
		"entryPoint", gw.config.EntryPoint.Hex(),
		"allowedOrigins", gw.config.AllowedOrigins)

	serveErr := make(chan error, 1)
	goSafe(func() {
		if err := gw.echo.Start(gw.config.HttpBindAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	gw.status = runningStatus

	elapsing := timekeeper.NewElapsing()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
loop:
	for {
		select {
		case <-ticker.C:
			gw.metrics.AddUptime(float64(elapsing.Report().Milliseconds()))
		case err := <-serveErr:
			runErr = err
			break loop
		case <-sigs:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	log.Info("Shutting down...")
	gw.status = shutdownStatus
	gw.Close()
	return runErr
}

// Close stops the HTTP server and releases the caches.
func (gw *Gateway) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.echo.Shutdown(ctx); err != nil {
		gw.config.Logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if gw.quota != nil {
		_ = gw.quota.Close()
	}
	if gw.receipts != nil {
		_ = gw.receipts.Close()
	}
	sentryFlushSafely(2 * time.Second)
}

func (gw *Gateway) IsShutdown() bool {
	return gw.status == shutdownStatus
}
