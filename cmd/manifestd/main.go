package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seqworks/manifestd/internal/auxdb"
	"github.com/seqworks/manifestd/internal/config"
	"github.com/seqworks/manifestd/internal/httpapi"
	"github.com/seqworks/manifestd/internal/manifest"
	"github.com/seqworks/manifestd/internal/sysinfo"
)

func main() {
	addr := os.Getenv("MANIFESTD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	configDir := os.Getenv("MANIFESTD_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}
	userConfigDir := os.Getenv("MANIFESTD_USER_CONFIG_DIR")
	if userConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			userConfigDir = filepath.Join(home, ".manifestd")
		}
	}

	cfg, err := config.Load(configDir, userConfigDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	dsn := os.Getenv("MANIFESTD_POSTGRES_DSN")
	if dsn == "" {
		log.Fatalf("MANIFESTD_POSTGRES_DSN is required; the manifest daemon needs a running postgres server")
	}
	tables, err := auxdb.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tables.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("unable to reach postgres at %s: %v", dsn, err)
	}
	cancelPing()

	svc, err := manifest.NewService(manifest.ServiceOptions{
		ProcessesFile: cfg.ProcessesFile(),
		DropboxFile:   cfg.DropboxFile(),
		DataDir:       cfg.DataDir(),
		Tables:        tables,
		Logger:        log.Default(),
		BootID:        sysinfo.BootID(),
	})
	if err != nil {
		log.Fatalf("failed to build manifest service: %v", err)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), time.Minute)
	if err := svc.Init(initCtx); err != nil {
		cancelInit()
		log.Fatalf("initialization failed: %v", err)
	}
	cancelInit()
	log.Printf("initialization complete; watching %s and %s", svc.DropboxRoot(), svc.ResultsRoot())

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(svc),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("manifestd listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
