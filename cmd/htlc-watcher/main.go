// Package main provides htlc-watcher, the daemon that follows HTLC addresses
// on the Bitcoin chain and records fundings, redeems, refunds and expiries.
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
	"github.com/klingon-exchange/klingon-htlc/internal/rpc"
	"github.com/klingon-exchange/klingon-htlc/internal/scheduler"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/watcher"
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
		log.Infof("htlc-watcher %s (commit: %s)", version, commit)
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
		cfg.Watcher.RPCAddr = *rpcAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
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

	w, err := watcher.New(indexer, store, store, watcher.NewStoreHandler(store, store), cfg.Network)
	if err != nil {
		fatal("Failed to create watcher", "error", err)
	}

	log.Info("Watching", "network", cfg.Network, "chain", w.ChainID(), "indexer", cfg.IndexerURL(), "poll", cfg.Watcher.PollInterval)

	sched, err := scheduler.New(w, cfg.Watcher.PollInterval)
	if err != nil {
		fatal("Failed to create scheduler", "error", err)
	}

	if err := sched.RunOnce(context.Background()); err != nil && *once {
		store.Close()
		os.Exit(1)
	}
	if *once {
		return
	}

	var rpcServer *rpc.Server
	if cfg.Watcher.RPCAddr != "" {
		rpcServer = rpc.NewServer()
		rpc.RegisterWatcher(rpcServer, w, store, store)
		if err := rpcServer.Start(cfg.Watcher.RPCAddr); err != nil {
			fatal("Failed to start RPC server", "error", err)
		}
		log.Infof("API: http://%s", rpcServer.Addr())
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
