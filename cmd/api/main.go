package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vubank.org/internal/audit"
	"vubank.org/internal/auth"
	"vubank.org/internal/httpapi"
	"vubank.org/internal/obs"
)

var version = "1.0.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("VUBANK_BUILD_COMMIT"))

	dsn := os.Getenv("VUBANK_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DSN: set VUBANK_PG_DSN")
	}
	store, err := auth.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	recorder := audit.NewRecorder(store)
	svc, err := auth.NewService(store, recorder)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	// Clear stale active sessions from a prior process before serving. If
	// the store is not reachable yet the health probe retries the sweep.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if count, err := svc.EnsureStartupSweep(ctx); err != nil {
		log.Printf("startup sweep deferred: %v", err)
	} else {
		log.Printf("startup sweep terminated %d stale session(s)", count)
	}
	cancel()

	addr := os.Getenv("VUBANK_AUTH_ADDR")
	if addr == "" {
		addr = ":8001"
	}

	api := httpapi.New(svc, version)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vubank-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
