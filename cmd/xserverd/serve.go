package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/chain"
	"github.com/xserver-network/xserverd/internal/config"
	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/handlers"
	"github.com/xserver-network/xserverd/internal/logging"
	"github.com/xserver-network/xserverd/internal/middleware"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/p2p"
	"github.com/xserver-network/xserverd/internal/peersync"
	"github.com/xserver-network/xserverd/internal/pricing"
	"github.com/xserver-network/xserverd/internal/services"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/stats"
	"github.com/xserver-network/xserverd/internal/storage"
	"github.com/xserver-network/xserverd/internal/tier"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the xServer daemon",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx)
}

type daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *storage.DB
	selfKey  string
	signKey  *ecdsa.PrivateKey
	stats    *stats.Stats
	heights  chain.HeightSource
	registry *services.Registry
	ledger   *services.ReservationLedger
	engine   *services.PriceLockEngine
	gate     *tier.Gate
	outbox   *peersync.Outbox
	node     *p2p.Node
	router   *gin.Engine

	wg sync.WaitGroup
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, stats: stats.Default()}

	if cfg.Node.KeyAddress != "" {
		key, err := signing.NormalizeAddress(cfg.Node.KeyAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid node.key_address: %w", err)
		}
		d.selfKey = key
	}
	if cfg.Node.SignKey != "" {
		key, err := signing.LoadKey(cfg.Node.SignKey)
		if err != nil {
			return nil, fmt.Errorf("invalid node.sign_key: %w", err)
		}
		d.signKey = key
	}

	// Stores stay nil interfaces when the database is disabled.
	var (
		registryStore    services.RegistryStore
		reservationStore services.ReservationStore
		priceLockStore   services.PriceLockStore
	)
	if !cfg.Database.Disabled {
		db, err := storage.New(ctx, cfg.Database.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		d.db = db
		registryStore, reservationStore, priceLockStore = db, db, db
	} else {
		logger.Warn("database disabled, state is kept in memory only")
	}

	httpClient := &http.Client{Timeout: config.Duration(cfg.Sync.RequestTimeoutSeconds, time.Second)}

	if cfg.Chain.Endpoint != "" {
		d.heights = chain.NewNodeClient(httpClient, cfg.Chain.Endpoint)
	} else {
		d.heights = chain.NewStatic(cfg.Chain.StaticHeight)
	}

	d.registry = services.NewRegistry(services.RegistryConfig{
		LivenessWindow: config.Duration(cfg.Registry.LivenessWindowMinutes, time.Minute),
		PageSize:       cfg.Registry.PageSize,
		HeartbeatSkew:  config.Duration(cfg.Registry.HeartbeatSkewSeconds, time.Second),
	}, signing.Secp256k1{}, registryStore, logger)
	d.gate = tier.NewGate(d.registry.TierSource(d.selfKey, tier.Level(cfg.Node.Tier)))

	var publisher services.Publisher
	if cfg.Sync.Enabled || cfg.P2P.Enabled {
		d.outbox = peersync.NewOutbox(cfg.Sync.OutboxSize, logger)
		publisher = d.outbox
	}
	d.ledger = services.NewReservationLedger(services.LedgerConfig{
		HeightWindow:   cfg.Profiles.HeightWindow,
		HeightDrift:    cfg.Profiles.HeightDrift,
		PageSize:       cfg.Profiles.PageSize,
		SelfKeyAddress: d.selfKey,
	}, signing.Secp256k1{}, d.heights, reservationStore, publisher, logger)
	d.ledger.WithObserver(d.stats)

	feed, verifier, err := newPricing(cfg, logger)
	if err != nil {
		return nil, err
	}
	d.engine = services.NewPriceLockEngine(services.PriceLockConfig{
		TTL:              config.Duration(cfg.PriceLock.TTLMinutes, time.Minute),
		PriceTimeout:     config.Duration(cfg.PriceLock.PriceTimeoutSeconds, time.Second),
		VerifyTimeout:    config.Duration(cfg.PriceLock.VerifyTimeoutSeconds, time.Second),
		IssuerKeyAddress: d.selfKey,
	}, feed, verifier, priceLockStore, logger)
	d.engine.WithObserver(d.stats)

	d.registry.AddPinner(d.ledger)
	d.registry.AddPinner(d.engine)

	if err := d.registry.Load(ctx); err != nil {
		return nil, err
	}
	if err := d.ledger.Load(ctx); err != nil {
		return nil, err
	}
	if err := d.engine.Load(ctx); err != nil {
		return nil, err
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	d.router = handlers.NewRouter(handlers.RouterConfig{
		Registry: d.registry,
		Ledger:   d.ledger,
		Engine:   d.engine,
		Admin:    services.NewAdminService(cfg.Admin.Username, cfg.Admin.PasswordHash),
		Gate:     d.gate,
		Heights:  d.heights,
		Verifier: signing.Secp256k1{},
		Stats:    d.stats,
		Gatherer: prometheus.DefaultGatherer,
		JWT: middleware.JWTConfig{
			Secret:     cfg.Admin.JWTSecret,
			Expiration: config.Duration(cfg.Admin.JWTExpirationMinutes, time.Minute),
			Issuer:     "xserverd",
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		PeerSkew: config.Duration(cfg.Node.PeerAuthSkewSeconds, time.Second),
		Version:  cfg.Node.Version,
		Logger:   logger,
	})
	return d, nil
}

func newPricing(cfg *config.Config, logger *zap.Logger) (pricing.Feed, pricing.Verifier, error) {
	pairs := make([]models.FiatPair, 0, len(cfg.Pricing.Pairs))
	for _, p := range cfg.Pricing.Pairs {
		pair := models.FiatPair{ID: p.ID, Currency: p.Currency}
		if cfg.Pricing.Provider == "static" {
			price, err := fixed.Parse(p.Price)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid price for pair %d: %w", p.ID, err)
			}
			pair.Price = price
		}
		pairs = append(pairs, pair)
	}

	upstream := &http.Client{Timeout: config.Duration(cfg.PriceLock.VerifyTimeoutSeconds, time.Second)}

	var feed pricing.Feed
	switch cfg.Pricing.Provider {
	case "static":
		feed = pricing.NewStaticFeed(pairs)
	default:
		feed = pricing.NewCoinGeckoFeed(upstream, cfg.Pricing.Endpoint, cfg.Pricing.CoinID, pairs,
			config.Duration(cfg.Pricing.CacheTTLSeconds, time.Second), logger)
	}

	var verifier pricing.Verifier
	switch cfg.Payments.Provider {
	case "static":
		verifier = pricing.StaticVerifier{Accept: cfg.Payments.AcceptAll}
	default:
		verifier = pricing.NewExplorerVerifier(upstream, cfg.Payments.Endpoint, cfg.Payments.MinConfirmations)
	}
	return feed, verifier, nil
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg

	if cfg.P2P.Enabled {
		auth := peersync.NewAuthenticator(d.registry.SignAddressOf, signing.Secp256k1{},
			config.Duration(cfg.Node.PeerAuthSkewSeconds, time.Second))
		d.node = p2p.NewNode(p2p.NodeConfig{
			ListenAddresses: cfg.P2P.ListenAddresses,
			BootstrapPeers:  cfg.P2P.BootstrapPeers,
			KeyAddress:      d.selfKey,
			SignKey:         d.signKey,
		}, d.ledger, auth, d.logger)
		if err := d.node.Start(ctx); err != nil {
			return fmt.Errorf("failed to start p2p node: %w", err)
		}
	}

	if d.outbox != nil {
		d.startSync(ctx)
	}
	d.startLoop(ctx, "registry prune", config.Duration(cfg.Registry.PruneIntervalMinutes, time.Minute), func(ctx context.Context) {
		cutoff := time.Now().Add(-config.Duration(cfg.Registry.PruneAfterHours, time.Hour))
		if n, err := d.registry.Prune(ctx, cutoff); err != nil {
			d.logger.Warn("registry prune failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("pruned xservers", zap.Int("removed", n))
		}
	})
	d.startLoop(ctx, "price lock reaper", config.Duration(cfg.PriceLock.ReapIntervalMinutes, time.Minute), func(ctx context.Context) {
		retention := config.Duration(cfg.PriceLock.RetentionHours, time.Hour)
		if n, err := d.engine.Reap(ctx, time.Now(), retention); err != nil {
			d.logger.Warn("price lock reap failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("reaped price locks", zap.Int("removed", n))
		}
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      d.router,
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, time.Second),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("xserverd listening",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Node.Version),
			zap.String("key_address", d.selfKey),
			zap.Stringer("tier", d.gate.Current()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server forced to shutdown", zap.Error(err))
	}
	d.wg.Wait()
	return nil
}

func (d *daemon) startSync(ctx context.Context) {
	cfg := d.cfg

	var peers peersync.PeerSource = peersync.StaticPeers{}
	if cfg.Sync.Enabled {
		peers = peersync.Combined{
			peersync.ParseStaticPeers(cfg.Sync.StaticPeers),
			peersync.RegistryPeers{
				Registry:       d.registry,
				SelfKeyAddress: d.selfKey,
				Scheme:         cfg.Node.PublicScheme,
				Limit:          cfg.Sync.MaxPeers,
			},
		}
	}

	client := peersync.NewClient(&http.Client{
		Timeout: config.Duration(cfg.Sync.RequestTimeoutSeconds, time.Second),
	}, d.selfKey, d.signKey)

	dispatcher := peersync.NewDispatcher(peersync.DispatcherConfig{
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BaseDelay:      config.Duration(cfg.Sync.BaseDelayMillis, time.Millisecond),
		MaxDelay:       config.Duration(cfg.Sync.MaxDelayMillis, time.Millisecond),
		AttemptTimeout: config.Duration(cfg.Sync.RequestTimeoutSeconds, time.Second),
		Workers:        cfg.Sync.Workers,
	}, d.outbox, peers, client, d.logger)
	dispatcher.WithReconciler(d.ledger)
	dispatcher.WithObserver(d.stats)
	if d.node != nil {
		dispatcher.WithBroadcaster(d.node)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dispatcher.Run(ctx)
	}()

	if cfg.Sync.Enabled {
		puller := peersync.NewPuller(peersync.PullerConfig{
			Interval:     config.Duration(cfg.Sync.PullIntervalSeconds, time.Second),
			PageSize:     cfg.Profiles.PageSize,
			MaxPages:     cfg.Sync.PullMaxPages,
			FetchTimeout: config.Duration(cfg.Sync.RequestTimeoutSeconds, time.Second),
		}, peers, client, d.ledger, d.logger)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			puller.Run(ctx)
		}()
	}
}

func (d *daemon) startLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		d.logger.Debug("background loop started", zap.String("loop", name), zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (d *daemon) close() {
	if d.node != nil {
		if err := d.node.Stop(); err != nil {
			d.logger.Warn("p2p node stop failed", zap.Error(err))
		}
	}
	if d.db != nil {
		d.db.Close()
	}
}
