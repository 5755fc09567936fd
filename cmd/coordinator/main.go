package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/walletmesh/coordinator/config"
	"github.com/walletmesh/coordinator/internal/graceful"
	"github.com/walletmesh/coordinator/internal/logging"
	"github.com/walletmesh/coordinator/internal/metrics"
	"github.com/walletmesh/coordinator/internal/notify"
	"github.com/walletmesh/coordinator/internal/rpc"
	"github.com/walletmesh/coordinator/internal/signer"
	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/server"
	"github.com/walletmesh/coordinator/txcoord"
	"github.com/walletmesh/coordinator/walletconn"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfigure()
	if err != nil {
		panic(fmt.Errorf("config.GetConfigure: %w", err))
	}

	logger := logging.NewLogger(cfg.LogFormat)

	chains, err := config.LoadChains(cfg.ChainsFile)
	if err != nil {
		panic(fmt.Errorf("config.LoadChains: %w", err))
	}

	store, err := storage.NewRedisStorage(cfg.Redis)
	if err != nil {
		panic(fmt.Errorf("storage.NewRedisStorage: %w", err))
	}

	clients := make(map[uint64]rpc.ChainClient, len(chains))
	for _, chain := range chains {
		client, er := rpc.NewEvmClient(ctx, chain.ChainID, chain.RpcURL, cfg.Watcher.ReceiptPoll)
		if er != nil {
			panic(fmt.Errorf("rpc.NewEvmClient(%s): %w", chain.Name, er))
		}
		clients[chain.ChainID] = client
	}

	m := metrics.New()
	notifier := notify.NewAsynqNotifier(logger, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	flashbots := rpc.NewFlashbotsClient(cfg.Flashbots.StatusURL, cfg.Flashbots.PollInterval)

	sig := signer.NewLocalSigner()
	repo := txcoord.NewRepo(store)
	submitter := txcoord.NewSubmitter(logger, sig, clients, repo)
	watcher := txcoord.NewWatcher(
		logger,
		repo,
		clients,
		flashbots,
		submitter,
		sig,
		notifier,
		m,
		cfg.Watcher.ReplayConcurrency,
	)

	sessions := walletconn.NewSessionStore(logger, store)
	err = sessions.Load(ctx)
	if err != nil {
		panic(fmt.Errorf("sessions.Load: %w", err))
	}

	queue := walletconn.NewQueue(logger, store, m)
	err = queue.Load(ctx, sessions)
	if err != nil {
		panic(fmt.Errorf("queue.Load: %w", err))
	}

	capabilityChains := make([]uint64, 0, len(chains))
	for _, chain := range chains {
		capabilityChains = append(capabilityChains, chain.ChainID)
	}
	// the pairing relay plugs in as the transport; until it connects, the
	// service logs responses that have nowhere to go
	pairing := walletconn.NewService(
		logger,
		sessions,
		queue,
		walletconn.NewQuoteClient(cfg.Quoting.BaseURL, cfg.Quoting.Timeout),
		logOnlyTransport{logger: logger},
		notifier,
		m,
		cfg.Pairing.BatchedCallsEnabled,
		capabilityChains,
	)

	apiServer := server.NewServer(cfg.Server, logger, repo, submitter, watcher, queue, sessions, pairing)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		er := watcher.Run(egCtx)
		if er != nil {
			return fmt.Errorf("watcher.Run: %w", er)
		}
		return nil
	})
	eg.Go(func() error {
		er := apiServer.StartServer()
		if er != nil && !errors.Is(er, http.ErrServerClosed) {
			return fmt.Errorf("apiServer.StartServer: %w", er)
		}
		return nil
	})
	eg.Go(func() error {
		er := metricsServer.ListenAndServe()
		if er != nil && !errors.Is(er, http.ErrServerClosed) {
			return fmt.Errorf("metricsServer.ListenAndServe: %w", er)
		}
		return nil
	})
	eg.Go(func() error {
		graceful.HandleSignals(func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			er := apiServer.Stop(shutdownCtx)
			if er != nil {
				logger.Errorf("apiServer.Stop: %v", er)
			}
			er = metricsServer.Shutdown(shutdownCtx)
			if er != nil {
				logger.Errorf("metricsServer.Shutdown: %v", er)
			}
			er = notifier.Close()
			if er != nil {
				logger.Errorf("notifier.Close: %v", er)
			}
			er = store.Close()
			if er != nil {
				logger.Errorf("store.Close: %v", er)
			}
			cancel()
		})
		return nil
	})

	err = eg.Wait()
	if err != nil {
		logger.Fatalf("coordinator stopped: %v", err)
	}
	logger.Info("coordinator stopped")
}

// logOnlyTransport stands in until a real pairing relay is attached.
type logOnlyTransport struct {
	logger *logrus.Logger
}

func (t logOnlyTransport) Respond(_ context.Context, sessionID string, res walletconn.Response) error {
	t.logger.WithField("session_id", sessionID).Warnf("no pairing transport connected, dropping response id=%d", res.ID)
	return nil
}
