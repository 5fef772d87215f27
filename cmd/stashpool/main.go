package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/apikey"
	"github.com/stashpool/stashpool/internal/config"
	"github.com/stashpool/stashpool/internal/logger"
	"github.com/stashpool/stashpool/internal/provider"
	"github.com/stashpool/stashpool/internal/quota"
	"github.com/stashpool/stashpool/internal/server"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/token"
	"github.com/stashpool/stashpool/internal/upload"
	"github.com/stashpool/stashpool/internal/vault"
	"github.com/stashpool/stashpool/internal/vfs"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.WithError(err).Fatal("create data directory")
	}
	db, err := storage.NewDB(cfg.DataDir + "/stashpool.db")
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		log.WithError(err).Fatal("credential vault")
	}

	client := provider.NewClient(cfg.OAuthClientID, cfg.OAuthClientSecret)
	if cfg.ProviderTokenURL != "" {
		client.TokenURL = cfg.ProviderTokenURL
	}
	if cfg.ProviderUploadURL != "" {
		client.UploadURL = cfg.ProviderUploadURL
	}
	if cfg.ProviderAPIURL != "" {
		client.APIURL = cfg.ProviderAPIURL
	}

	ledger := quota.NewLedger(db)
	folders := vfs.NewService(db)
	hub := activity.NewHub(log)
	recorder := activity.NewRecorder(db, hub, log)
	orch := upload.New(
		quota.NewSelector(ledger),
		ledger,
		token.NewManager(db, v, client, log),
		folders,
		client,
		db,
		recorder,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := server.New(server.Deps{
		DB:          db,
		Ledger:      ledger,
		Folders:     folders,
		Uploads:     orch,
		Recorder:    recorder,
		Feed:        hub,
		Keys:        apikey.NewService(db),
		Vault:       v,
		AdminSecret: cfg.AdminSecret,
		Log:         log,
	})
	api.StartWorkers(ctx, cfg.SweepInterval)

	// No WriteTimeout: the activity feed holds its connection open.
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.Port).Info("stashpool broker listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server")
	}
}
