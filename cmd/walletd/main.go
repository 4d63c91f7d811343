package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/buildinfo"
	"github.com/textileio/go-walletd/internal/router"
	"github.com/textileio/go-walletd/internal/walletd/impl"
	"github.com/textileio/go-walletd/pkg/backup"
	"github.com/textileio/go-walletd/pkg/backup/restorer"
	"github.com/textileio/go-walletd/pkg/database"
	gasimpl "github.com/textileio/go-walletd/pkg/gas/impl"
	"github.com/textileio/go-walletd/pkg/logging"
	"github.com/textileio/go-walletd/pkg/metrics"
	nonceimpl "github.com/textileio/go-walletd/pkg/nonce/impl"
	trackerimpl "github.com/textileio/go-walletd/pkg/tracker/impl"
	txstoreimpl "github.com/textileio/go-walletd/pkg/txstore/impl"
	"github.com/textileio/go-walletd/pkg/wallet"
)

func main() {
	cfg := setupConfig()
	logging.SetupLogger(buildinfo.GitCommit, cfg.Log.Debug, cfg.Log.Human)
	if err := metrics.SetupInstrumentation(":"+cfg.Metrics.Port, "walletd"); err != nil {
		log.Fatal().Err(err).Str("port", cfg.Metrics.Port).Msg("could not setup instrumentation")
	}

	if cfg.BootstrapBackupURL != "" {
		if _, err := os.Stat(cfg.DB.Path); os.IsNotExist(err) {
			log.Info().Str("url", cfg.BootstrapBackupURL).Msg("bootstrapping database from backup")
			br := restorer.NewBackupRestorer(cfg.BootstrapBackupURL, cfg.DB.Path)
			if err := br.Restore(); err != nil {
				log.Fatal().Err(err).Msg("restoring backup")
			}
		}
	}

	databaseURL := fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
		cfg.DB.Path,
	)
	sqlite, err := database.Open(databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("opening the database")
	}

	flushInterval, err := time.ParseDuration(cfg.TxnStore.FlushInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("flush interval has invalid format: %s", cfg.TxnStore.FlushInterval)
	}
	store, err := txstoreimpl.New(
		cfg.Chain.ID,
		sqlite,
		txstoreimpl.WithHistoryLimit(cfg.TxnStore.HistoryLimit),
		txstoreimpl.WithFlushInterval(flushInterval),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("creating transaction store")
	}

	conn, err := ethclient.Dial(cfg.Chain.EthEndpoint)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("ethEndpoint", cfg.Chain.EthEndpoint).
			Msg("failed to connect to ethereum endpoint")
	}

	estimator, err := gasimpl.NewChainEstimator(conn, gasimpl.Config{
		FeeMarketCapable: cfg.GasEstimation.FeeMarketCapable,
		LegacyAPICapable: cfg.GasEstimation.LegacyAPICapable,
		FeeMarketAPIURL:  cfg.GasEstimation.FeeMarketAPIURL,
		LegacyAPIURL:     cfg.GasEstimation.LegacyAPIURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating gas estimator")
	}
	gasPollInterval, err := time.ParseDuration(cfg.GasEstimation.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("gas poll interval has invalid format: %s", cfg.GasEstimation.PollInterval)
	}
	poller := gasimpl.NewEstimatePoller(estimator, gasPollInterval)
	pollToken := poller.Acquire()

	coordinator, err := nonceimpl.NewLocalCoordinator(conn, store)
	if err != nil {
		log.Fatal().Err(err).Msg("creating nonce coordinator")
	}

	trackerPollInterval, err := time.ParseDuration(cfg.Tracker.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("tracker poll interval has invalid format: %s", cfg.Tracker.PollInterval)
	}
	tracker, err := trackerimpl.New(
		conn,
		store,
		trackerimpl.WithPollInterval(trackerPollInterval),
		trackerimpl.WithResubmitBlocks(cfg.Tracker.ResubmitBlocks),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("creating pending transaction tracker")
	}

	signer, err := setupSigner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("setting up signer")
	}

	svc := impl.NewWalletdController(cfg.Chain.ID, store, coordinator, estimator, poller, signer, conn)

	rateLimInterval, err := time.ParseDuration(cfg.HTTP.RateLimInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("rate limit interval has invalid format: %s", cfg.HTTP.RateLimInterval)
	}
	httpRouter, err := router.ConfiguredRouter(svc, store, cfg.HTTP.MaxRequestPerInterval, rateLimInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring router")
	}

	var backupScheduler *backup.Scheduler
	if cfg.Backup.Enabled {
		frequency, err := time.ParseDuration(cfg.Backup.Frequency)
		if err != nil {
			log.Fatal().Err(err).Msgf("backup frequency has invalid format: %s", cfg.Backup.Frequency)
		}
		backupScheduler, err = backup.NewScheduler(frequency, backup.BackuperOptions{
			SourcePath: cfg.DB.Path,
			BackupDir:  cfg.Backup.Dir,
			Opts: []backup.Option{
				backup.WithVacuum(cfg.Backup.EnableVacuum),
				backup.WithCompression(cfg.Backup.EnableCompression),
				backup.WithPruning(cfg.Backup.EnablePruning),
				backup.WithKeepFiles(cfg.Backup.KeepFiles),
			},
		}, false)
		if err != nil {
			log.Fatal().Err(err).Msg("creating backup scheduler")
		}
		go backupScheduler.Run()
	}

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           httpRouter.Handler(),
		ReadHeaderTimeout: time.Second * 10,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()
	log.Info().Str("port", cfg.HTTP.Port).Int64("chainID", cfg.Chain.ID).Msg("daemon started")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutting down http server")
	}
	if backupScheduler != nil {
		backupScheduler.Shutdown()
	}
	if err := tracker.Close(); err != nil {
		log.Error().Err(err).Msg("closing tracker")
	}
	poller.Release(pollToken)
	poller.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("closing transaction store")
	}
	conn.Close()
	log.Info().Msg("daemon closed")
}

func setupSigner(cfg *config) (wallet.Signer, error) {
	if cfg.Signer.PrivateKey != "" {
		w, err := wallet.NewWallet(cfg.Signer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("creating wallet from private key: %s", err)
		}
		log.Warn().Msg("signing with an in-memory private key, use a keystore in production")
		return wallet.NewStaticSigner(cfg.Chain.ID, w), nil
	}

	signer := wallet.NewKeystoreSigner(cfg.Signer.KeystoreDir, cfg.Chain.ID)
	passphrase := ""
	if cfg.Signer.PassphraseFile != "" {
		raw, err := os.ReadFile(cfg.Signer.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %s", err)
		}
		passphrase = strings.TrimSpace(string(raw))
	}
	if err := signer.Unlock(passphrase); err != nil {
		return nil, fmt.Errorf("unlocking keystore: %s", err)
	}
	return signer, nil
}
