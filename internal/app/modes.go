package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgesettle/internal/bridge"
	"github.com/alanyoungcy/hedgesettle/internal/chain"
	"github.com/alanyoungcy/hedgesettle/internal/config"
	"github.com/alanyoungcy/hedgesettle/internal/crypto"
	"github.com/alanyoungcy/hedgesettle/internal/domain"
	"github.com/alanyoungcy/hedgesettle/internal/notify"
	"github.com/alanyoungcy/hedgesettle/internal/orchestrator"
	"github.com/alanyoungcy/hedgesettle/internal/pipeline"
	"github.com/alanyoungcy/hedgesettle/internal/platform/futures"
	"github.com/alanyoungcy/hedgesettle/internal/platform/predmarket"
	"github.com/alanyoungcy/hedgesettle/internal/server"
	"github.com/alanyoungcy/hedgesettle/internal/server/handler"
	"github.com/alanyoungcy/hedgesettle/internal/server/ws"
	"github.com/alanyoungcy/hedgesettle/internal/service"
)

// OrchestrateMode runs the full settlement machine: chain observers, the
// strategy dispatcher with its venue and bridge adapters, the maturity
// scanner, audit archival, notifications, and the HTTP API.
func (a *App) OrchestrateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting orchestrate mode")

	g, ctx := errgroup.WithContext(ctx)

	privateKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("orchestrate mode: load wallet key: %w", err)
	}

	// Chain clients. The custody client serves both the vault observer and
	// the settlement writer.
	custodyClient, err := chain.Dial(ctx, a.cfg.CustodyChain.RPCURL, a.cfg.CustodyChain.ChainID)
	if err != nil {
		return fmt.Errorf("orchestrate mode: dial custody chain: %w", err)
	}
	a.closers = append(a.closers, custodyClient.Close)

	marketClient, err := chain.Dial(ctx, a.cfg.MarketChain.RPCURL, a.cfg.MarketChain.ChainID)
	if err != nil {
		return fmt.Errorf("orchestrate mode: dial market chain: %w", err)
	}
	a.closers = append(a.closers, marketClient.Close)

	vaultObs := chain.NewVaultObserver(custodyClient, observerConfig(a.cfg.CustodyChain), deps.Checkpoints, a.logger)
	receiverObs := chain.NewReceiverObserver(marketClient, observerConfig(a.cfg.MarketChain), deps.Checkpoints, a.logger)

	// Venue adapters share the distributed rate limiter so concurrent
	// workers stay inside each venue's request budget.
	futuresVenue := futures.NewClient(a.cfg.Futures.BaseURL, &crypto.HMACAuth{
		Key:        a.cfg.Futures.ApiKey,
		Secret:     a.cfg.Futures.ApiSecret,
		Passphrase: a.cfg.Futures.ApiPassphrase,
	})
	futuresVenue.SetLimiter(deps.RateLimiter)

	signer, err := crypto.NewSigner(privateKey, a.cfg.Predmarket.ChainID)
	if err != nil {
		return fmt.Errorf("orchestrate mode: create order signer: %w", err)
	}

	var clobAuth *crypto.HMACAuth
	if a.cfg.Predmarket.ApiKey != "" {
		clobAuth = &crypto.HMACAuth{
			Key:        a.cfg.Predmarket.ApiKey,
			Secret:     a.cfg.Predmarket.ApiSecret,
			Passphrase: a.cfg.Predmarket.ApiPassphrase,
		}
	}
	marketVenue := predmarket.NewClient(a.cfg.Predmarket.ClobHost, signer, clobAuth)
	marketVenue.SetLimiter(deps.RateLimiter)
	if clobAuth == nil {
		// Without the market venue no leg can be placed, so a failed
		// credential derivation refuses startup instead of degrading.
		if err := marketVenue.DeriveAPIKey(ctx); err != nil {
			return fmt.Errorf("orchestrate mode: derive market venue credentials: %w", err)
		}
	}

	bridgeClient := bridge.NewClient(a.cfg.Bridge.BaseURL, a.cfg.Bridge.ApiKey)
	tracker := bridge.NewDeliveryTracker()
	bridgeClient.SetTracker(tracker)

	writer, err := chain.NewWriter(custodyClient, chain.WriterConfig{
		ContractAddress: a.cfg.CustodyChain.ContractAddress,
		ChainID:         a.cfg.CustodyChain.ChainID,
	}, privateKey, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrate mode: create settlement writer: %w", err)
	}

	dispatcher := orchestrator.NewDispatcher(&orchestrator.Deps{
		Ledger:  deps.Ledger,
		Audit:   deps.Audit,
		Futures: futuresVenue,
		Market:  marketVenue,
		Bridge:  bridgeClient,
		Writer:  writer,
		Locks:   deps.LockManager,
		Status:  deps.StatusCache,
		Bus:     deps.SignalBus,
		Config: orchestrator.Config{
			MailboxSize:          a.cfg.Orchestrator.MailboxSize,
			SubmitRetryLimit:     a.cfg.Orchestrator.SubmitRetryLimit,
			CloseRetryLimit:      a.cfg.Orchestrator.CloseRetryLimit,
			RetryBackoff:         a.cfg.Orchestrator.RetryBackoff.Duration,
			RetryBackoffMax:      a.cfg.Orchestrator.RetryBackoffMax.Duration,
			LockTTL:              a.cfg.Orchestrator.LockTTL.Duration,
			BridgePollInterval:   a.cfg.Bridge.PollInterval.Duration,
			BridgePollBackoffMax: a.cfg.Bridge.PollBackoffMax.Duration,
			BridgeTimeout:        a.cfg.Bridge.Timeout.Duration,
			CustodyChain:         a.cfg.CustodyChain.Name,
			MarketChain:          a.cfg.MarketChain.Name,
			DestAddress:          a.cfg.Bridge.DestAddress,
			ReturnAddress:        a.cfg.Bridge.ReturnAddress,
		},
		Log: a.logger,
	}, []domain.EventSource{vaultObs, receiverObs})
	dispatcher.SetDeliveryRecorder(tracker)

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	// CLOB user feed: a fill event wakes every live worker for an early
	// poll pass. REST polling remains the source of truth, so a missing or
	// broken feed only costs latency.
	if a.cfg.Predmarket.WsHost != "" {
		feed := predmarket.NewWSClient(a.cfg.Predmarket.WsHost, marketVenue.Auth())
		feed.OnOrderUpdate(func(predmarket.OrderUpdate) {
			dispatcher.NudgeAll(orchestrator.Trigger{Kind: orchestrator.TriggerPoll})
		})
		if err := feed.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "orchestrate mode: user feed connect failed, polling only",
				slog.String("error", err.Error()),
			)
		} else {
			if err := feed.Subscribe(ctx, nil); err != nil {
				a.logger.WarnContext(ctx, "orchestrate mode: user feed subscribe failed, polling only",
					slog.String("error", err.Error()),
				)
			}
			a.closers = append(a.closers, func() { _ = feed.Close() })
		}
	}

	// Maturity scanning and audit archival share one job runner.
	scanner := pipeline.NewMaturityScanner(deps.Ledger, dispatcher, a.logger)
	var archiver *pipeline.Archiver
	if a.cfg.Pipeline.ArchiveEnabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveAfter.Duration, a.logger)
	}
	jobs := pipeline.NewOrchestrator(
		scanner,
		archiver,
		a.cfg.Orchestrator.MaturityScanInterval.Duration,
		a.cfg.Pipeline.ArchiveCron,
		a.logger,
	)
	g.Go(func() error {
		return jobs.Run(ctx)
	})

	if deps.Notifier != nil {
		watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, orchestrator.StatusChannel, a.logger)
		g.Go(func() error {
			err := watcher.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, dispatcher)
	}

	return g.Wait()
}

// ServeMode runs the HTTP API alone against the shared ledger and cache. No
// orchestrator runs in the process, so abort requests are refused.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps, nil)

	return g.Wait()
}

// ObserveMode watches both chains and logs every lifecycle event without
// acting on any. Scan progress stays in memory: the durable checkpoints are
// left untouched so a later orchestrate run rescans everything this process
// merely logged.
func (a *App) ObserveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting observe mode")

	g, ctx := errgroup.WithContext(ctx)

	custodyClient, err := chain.Dial(ctx, a.cfg.CustodyChain.RPCURL, a.cfg.CustodyChain.ChainID)
	if err != nil {
		return fmt.Errorf("observe mode: dial custody chain: %w", err)
	}
	a.closers = append(a.closers, custodyClient.Close)

	marketClient, err := chain.Dial(ctx, a.cfg.MarketChain.RPCURL, a.cfg.MarketChain.ChainID)
	if err != nil {
		return fmt.Errorf("observe mode: dial market chain: %w", err)
	}
	a.closers = append(a.closers, marketClient.Close)

	checkpoints := newMemCheckpoints()
	sources := []domain.EventSource{
		chain.NewVaultObserver(custodyClient, observerConfig(a.cfg.CustodyChain), checkpoints, a.logger),
		chain.NewReceiverObserver(marketClient, observerConfig(a.cfg.MarketChain), checkpoints, a.logger),
	}

	for _, src := range sources {
		src := src
		g.Go(func() error {
			err := src.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		g.Go(func() error {
			for ev := range src.Events() {
				a.logger.InfoContext(ctx, "chain event",
					slog.String("kind", string(ev.Kind)),
					slog.String("chain", ev.Chain),
					slog.String("strategy_id", ev.StrategyID),
					slog.Uint64("block", ev.BlockNumber),
					slog.String("tx", ev.TxHash),
				)
			}
			return nil
		})
	}

	return g.Wait()
}

// startHTTPServer adds the hub and HTTP server goroutines to the errgroup.
// aborter is the dispatcher in orchestrate mode and nil otherwise; without
// it the abort endpoint reports that no orchestrator runs in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, aborter handler.Aborter) {
	health := handler.NewHealthHandler(a.logger)
	if deps.PGClient != nil {
		health.AddDependency("postgres", deps.PGClient)
	}
	if deps.RedisClient != nil {
		health.AddDependency("redis", deps.RedisClient)
	}
	if deps.S3Client != nil {
		health.AddDependency("s3", handler.PingFunc(deps.S3Client.Health))
	}

	strategySvc := service.NewStrategyService(deps.Ledger, deps.Audit, deps.StatusCache, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Channels:  []string{orchestrator.StatusChannel},
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:     health,
			Strategies: handler.NewStrategyHandler(strategySvc, aborter, a.logger),
			Archives:   handler.NewArchiveHandler(deps.BlobReader, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// observerConfig maps one chain's config section onto observer parameters.
func observerConfig(c config.ChainConfig) chain.ObserverConfig {
	return chain.ObserverConfig{
		Chain:           c.Name,
		ContractAddress: c.ContractAddress,
		Confirmations:   c.Confirmations,
		PollInterval:    c.PollInterval.Duration,
		MaxBlockWindow:  c.MaxBlockWindow,
		AssetDecimals:   c.AssetDecimals,
	}
}

// memCheckpoints keeps scan progress in memory only.
type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]domain.Checkpoint
}

var _ domain.CheckpointStore = (*memCheckpoints)(nil)

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: make(map[string]domain.Checkpoint)}
}

func (m *memCheckpoints) Load(ctx context.Context, chainName string) (domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.saved[chainName]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return cp, nil
}

func (m *memCheckpoints) Save(ctx context.Context, chainName string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[chainName] = domain.Checkpoint{
		Chain:       chainName,
		BlockNumber: block,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}
