// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/housekeeper"
	"github.com/bleepstore/bleepstore/internal/objectstore"
	"github.com/bleepstore/bleepstore/internal/quota"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/wal"
)

func main() {
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg := config.Load()

	// Command-line flags override environment-derived config values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	// Crash-only design: every startup is recovery. No special recovery
	// mode. Steps that would normally be "recovery" run on every boot:
	// - temp file cleanup (below)
	// - WAL auto-recovers on open
	// - quota usage reconstruction from the filesystem on first read

	store, err := objectstore.New(cfg.Server.StoragePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize object store: %v\n", err)
		os.Exit(1)
	}
	if err := store.CleanTempFiles(); err != nil {
		log.Printf("Warning: failed to clean temp files: %v", err)
	}

	quotaManager := quota.NewManager(
		cfg.Server.StoragePath,
		cfg.Quota.DefaultQuotaBytes,
		time.Duration(cfg.Quota.FlushInterval)*time.Millisecond,
		cfg.Quota.Enabled,
	)
	go quotaManager.Run()
	defer quotaManager.Stop()
	store.Quota = quotaManager

	walWriter := wal.NewWriter(cfg.WAL.Path, cfg.WAL.NodeID, cfg.WAL.Enabled)
	defer walWriter.Stop()
	store.WAL = walWriter

	hk := housekeeper.New(cfg.Server.StoragePath, time.Duration(cfg.Housekeeper.IntervalMinute)*time.Minute, cfg.Housekeeper.Enabled)
	go hk.Run()
	defer hk.Stop()

	creds := auth.NewCredentialStore(cfg.Auth.AccessKey, cfg.Auth.SecretKey)

	srv, err := server.New(cfg, server.WithStore(store), server.WithCredentialStore(creds))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		// Give in-flight requests up to 30 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
