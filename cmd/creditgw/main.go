package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"creditmarket/gateway/config"
	"creditmarket/gateway/middleware"
	"creditmarket/gateway/routes"
	"creditmarket/observability/logging"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./gateway.yaml", "path to gateway configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CREDITMARKET_ENV"))
	logger := logging.Setup("creditgw", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	target, err := url.Parse(cfg.NodeRPCURL)
	if err != nil {
		logger.Error("parse node RPC URL", "err", err)
		os.Exit(1)
	}

	nodeToken := ""
	if envName := strings.TrimSpace(cfg.NodeRPCToken); envName != "" {
		nodeToken = strings.TrimSpace(os.Getenv(envName))
		if nodeToken == "" {
			logger.Warn("node RPC token variable is empty, mutating routes will fail", "env", envName)
		}
	}

	secret, err := cfg.Auth.HMACSecret()
	if err != nil {
		logger.Error("resolve auth secret", "err", err)
		os.Exit(1)
	}
	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		limits[limit.ID] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}

	observability := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Enabled,
	}, logger)

	handler, err := routes.New(routes.Config{
		NodeRPCURL:    target,
		NodeRPCToken:  nodeToken,
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(limits),
		Observability: observability,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
	})
	if err != nil {
		logger.Error("assemble routes", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", "listen", cfg.ListenAddress, "node", cfg.NodeRPCURL)
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
