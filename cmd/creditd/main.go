package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"creditmarket/config"
	"creditmarket/core"
	"creditmarket/observability/logging"
	"creditmarket/rpc"
	"creditmarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to node configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CREDITMARKET_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("creditd", env).Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.SetupWithLevel("creditd", env, logging.ParseLevel(cfg.LogLevel))

	var db storage.Database
	if cfg.InMemoryOnly {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			logger.Error("open database", "dataDir", cfg.DataDir, "err", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	token, err := cfg.RPCToken()
	if err != nil {
		logger.Error("resolve RPC token", "err", err)
		os.Exit(1)
	}
	if token == "" {
		logger.Warn("no RPC token configured, mutating methods are disabled", "env", cfg.RPCTokenEnv)
	}

	node := core.NewNode(db)
	server := rpc.NewServer(node, token)

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting node", "network", cfg.NetworkName, "rpc", cfg.RPCAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "err", err)
			os.Exit(1)
		}
	}
}
