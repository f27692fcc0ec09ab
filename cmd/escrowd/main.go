package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/core"
	"escrowd/crypto"
	"escrowd/gateway"
	"escrowd/observability/logging"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", env, cfg.LogFile)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("open state database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	custodian := core.NewCustodian(db,
		core.WithDomainTag(cfg.DomainTag),
		core.WithLogger(logger),
	)

	credentials := make(map[string]gateway.Credential, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		principal, err := crypto.DecodeAddress(key.Principal)
		if err != nil {
			logger.Error("invalid principal address in config", "key", key.Key, "error", err)
			os.Exit(1)
		}
		credentials[key.Key] = gateway.Credential{
			Secret:    key.Secret,
			Principal: principal.Fixed(),
		}
	}
	auth := gateway.NewAuthenticator(credentials, 0, nil)
	server := gateway.NewServer(auth, custodian, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress, "domain_tag", cfg.DomainTag)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
