// Package main provides htlc-executor, the daemon that initiates, redeems and
// refunds the Bitcoin leg of matched orders on behalf of its wallet.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/config"
	"github.com/klingon-exchange/klingon-htlc/internal/executor"
	"github.com/klingon-exchange/klingon-htlc/internal/rpc"
	"github.com/klingon-exchange/klingon-htlc/internal/scheduler"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		network     = flag.String("network", "", "Bitcoin network (mainnet, testnet, regtest, signet), overrides config")
		indexerURL  = flag.String("indexer", "", "Esplora API URL, overrides config")
		rpcAddr     = flag.String("rpc", "", "Admin JSON-RPC address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		once        = flag.Bool("once", false, "Run a single poll cycle and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("htlc-executor %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *network != "" {
		n, err := chain.ParseNetwork(*network)
		if err != nil {
			log.Fatal("Invalid network", "error", err)
		}
		cfg.Network = n
	}
	if *indexerURL != "" {
		cfg.Indexer.URL = *indexerURL
	}
	if *rpcAddr != "" {
		cfg.Executor.RPCAddr = *rpcAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := config.LoadEnv(cfg.DataDir()); err != nil {
		log.Warn("Failed to load env file", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir()})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// log.Fatal exits without running deferred calls.
	fatal := func(msg string, keyvals ...interface{}) {
		store.Close()
		log.Fatal(msg, keyvals...)
	}

	indexer := backend.NewEsploraClient(cfg.IndexerURL(), cfg.Indexer.Timeout)

	w, err := wallet.Open(wallet.KeySource{
		KeystorePath: cfg.KeystorePath(),
		Password:     cfg.Password(),
		PrivateKey:   cfg.Wallet.PrivateKey,
		Mnemonic:     cfg.Wallet.Mnemonic,
		Passphrase:   cfg.Wallet.Passphrase,
	}, cfg.Network, indexer, cfg.Fees)
	if err != nil {
		fatal("Failed to open wallet", "error", err)
	}

	addresses := cfg.Executor.UserAddresses
	if len(addresses) == 0 {
		addresses = []string{w.XOnlyPubKeyHex()}
	}

	ex, err := executor.New(store, w, executor.Config{
		UserAddresses: addresses,
		DefaultAmount: cfg.Executor.DefaultAmount,
	})
	if err != nil {
		fatal("Failed to create executor", "error", err)
	}

	printBanner(log, cfg, w)

	sched, err := scheduler.New(ex, cfg.Executor.PollInterval)
	if err != nil {
		fatal("Failed to create scheduler", "error", err)
	}

	// First cycle runs immediately, later ones every poll interval
	if err := sched.RunOnce(context.Background()); err != nil && *once {
		store.Close()
		os.Exit(1)
	}
	if *once {
		return
	}

	var rpcServer *rpc.Server
	if cfg.Executor.RPCAddr != "" {
		rpcServer = rpc.NewServer()
		rpc.RegisterExecutor(rpcServer, ex, w, store)
		if err := rpcServer.Start(cfg.Executor.RPCAddr); err != nil {
			fatal("Failed to start RPC server", "error", err)
		}
	}

	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	sched.Stop()
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, w *wallet.HTLCWallet) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon HTLC Executor (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Address: %s", w.Address().EncodeAddress())
	log.Infof("  Pubkey:  %s", w.XOnlyPubKeyHex())
	log.Infof("  Indexer: %s", cfg.IndexerURL())
	if cfg.Executor.RPCAddr != "" {
		log.Infof("  API:     http://%s", cfg.Executor.RPCAddr)
	}
	log.Infof("  Poll:    %s", cfg.Executor.PollInterval)
	log.Infof("  Data dir: %s", cfg.DataDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
