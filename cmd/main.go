package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certmint/chain"
	"certmint/config"
	"certmint/db"
	"certmint/logger"
	"certmint/metrics"
	"certmint/mint"
	"certmint/offchain"
	"certmint/reconcile"
	"certmint/repository"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "certmint",
	Short: "Mints audit certificates on chain and reconciles them with local records",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config/config.yaml)")
}

// app holds the wired services shared by every subcommand.
type app struct {
	ldb          *db.LevelDB
	repo         *repository.CertificateRepository
	gateway      *chain.Gateway
	provider     chain.Provider
	orchestrator *mint.Orchestrator
	reconciler   *reconcile.Reconciler
	registry     *prometheus.Registry
}

func newApp(ctx context.Context) (*app, error) {
	var (
		ldb *db.LevelDB
		err error
	)
	if cfg.LevelDB.Path == "" {
		ldb, err = db.NewMemLevelDB()
	} else {
		ldb, err = db.NewLevelDB(cfg.LevelDB.Path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open leveldb")
	}

	a := &app{
		ldb:      ldb,
		repo:     repository.NewCertificateRepository(ldb),
		registry: prometheus.NewRegistry(),
	}
	m := metrics.New(a.registry)

	client, err := chain.Dial(ctx, cfg.Wallet.RPCURL)
	if err != nil {
		logger.Logger.Warn("Wallet bridge unavailable, chain calls will fail with NoProvider",
			zap.String("url", cfg.Wallet.RPCURL), zap.Error(err))
	} else {
		a.provider = client
	}

	a.gateway = chain.NewGateway(chain.Options{
		GasBufferPct: cfg.Wallet.GasBufferPct,
		FallbackGas:  cfg.Wallet.FallbackGas,
		PollInterval: cfg.Wallet.PollInterval,
	})

	a.reconciler = reconcile.NewReconciler(a.gateway, a.repo, m, reconcile.Options{
		Concurrency:   cfg.Reconcile.Concurrency,
		ReadsPerSec:   cfg.Reconcile.ReadsPerSec,
		ReadBurst:     cfg.Reconcile.ReadBurst,
		PromoteSweeps: cfg.Reconcile.PromoteSweeps,
	})

	opts := []offchain.Option{offchain.WithTimeout(cfg.Storage.Timeout)}
	if cfg.Storage.APIKey != "" {
		opts = append(opts, offchain.WithAPIKey(cfg.Storage.APIKey))
	}
	store := offchain.NewClient(cfg.Storage.URL, opts...)

	a.orchestrator = mint.NewOrchestrator(store, a.gateway, a.repo, a.reconciler, m, mint.Options{
		StepTimeout:    cfg.Mint.StepTimeout,
		ConfirmTimeout: cfg.Mint.ConfirmTimeout,
		WaitingNotice:  cfg.Mint.WaitingNotice,
		StatsDefer:     cfg.Mint.StatsDefer,
		UploadTries:    cfg.Storage.UploadTries,
	})
	return a, nil
}

func (a *app) close() {
	if c, ok := a.provider.(interface{ Close() }); ok {
		c.Close()
	}
	if err := a.ldb.Close(); err != nil {
		logger.Logger.Warn("Failed to close leveldb", zap.Error(err))
	}
}

// session builds the connection context for a network key and an optional
// account.
func (a *app) session(network, account string) (chain.Session, error) {
	if network == "" {
		network = cfg.Network
	}
	n, err := cfg.NetworkByKey(network)
	if err != nil {
		return chain.Session{}, err
	}
	sess := chain.Session{Network: n, Provider: a.provider}
	if account != "" {
		addr, err := parseAccount(account)
		if err != nil {
			return chain.Session{}, err
		}
		sess.Account = addr
	}
	return sess, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
