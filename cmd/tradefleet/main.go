package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradefleet/internal/api"
	"tradefleet/internal/backend/web"
	"tradefleet/internal/configs"
	"tradefleet/internal/fleet"
	"tradefleet/internal/models"
	"tradefleet/internal/platform/remote"
	"tradefleet/internal/storage"
	"tradefleet/internal/ws"
)

var (
	flagconf string

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: nil,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "config.json", "config path, eg: -conf config.json")
}

func main() {
	flag.Parse()

	config := &configs.Config{}
	configFile, err := os.ReadFile(flagconf)
	if err != nil {
		log.Error("Error reading config file", "err", err)
		return
	}

	if err := json.Unmarshal(configFile, config); err != nil {
		log.Error("Error parsing config file", "err", err)
		return
	}

	log.Debug("Loaded config", "backend", config.Backend.Endpoint, "gateway", config.Gateway.Endpoint)

	if config.Proxy != "" {
		_ = os.Setenv("HTTP_PROXY", config.Proxy)
		_ = os.Setenv("HTTPS_PROXY", config.Proxy)
		log.Debug("set proxy ok", "proxy", config.Proxy)
	}

	var store *storage.PostgresStorage
	if config.Database.ConnStr != "" {
		store, err = storage.NewPostgresStorage(config.Database.ConnStr)
		if err != nil {
			log.Error("Error creating storage", "err", err)
			return
		}
		defer store.Close()
		log.Debug("init storage")
	}

	backendClient := web.New(config.Backend.Endpoint, config.Backend.Token)
	log.Debug("init backend client")

	gateway := remote.NewGateway(config.Gateway.Endpoint, log)
	log.Debug("init session gateway")

	hub := ws.NewHub(log)
	go hub.Run()

	opts := fleet.Options{
		Dialer:   gateway,
		Backend:  backendClient,
		Notifier: hub,
		Logger:   log,
		Domain:   config.Fleet.Domain,
	}
	if store != nil {
		opts.Store = store
	}
	orch := fleet.NewOrchestrator(opts)

	accounts, err := loadAccounts(store, config)
	if err != nil {
		log.Error("Error loading accounts", "err", err)
		return
	}
	if len(accounts) == 0 {
		log.Warn("no accounts to run")
	}
	for _, account := range accounts {
		if account.AppScope == 0 {
			account.AppScope = config.Fleet.AppScope
		}
		orch.AddAccount(account)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)

	server := api.NewServer(orch, hub, log)
	httpServer := &http.Server{
		Addr:    config.API.Listen,
		Handler: server.Router(),
	}
	go func() {
		log.Info("control api listening", "addr", config.API.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control api failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	orch.Shutdown(fleet.LogOffForce)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("control api shutdown failed", "err", err)
	}
}

// loadAccounts prefers the database roster; the config seeds it on first
// run.
func loadAccounts(store *storage.PostgresStorage, config *configs.Config) ([]models.Account, error) {
	if store == nil {
		return config.Fleet.Accounts, nil
	}

	accounts, err := store.LoadAccounts(context.Background())
	if err != nil {
		return nil, err
	}
	if len(accounts) > 0 {
		return accounts, nil
	}

	for i := range config.Fleet.Accounts {
		account := config.Fleet.Accounts[i]
		if err := store.SaveAccount(context.Background(), &account); err != nil {
			return nil, err
		}
	}
	return config.Fleet.Accounts, nil
}
