// Command bleepstore-replicator runs the out-of-process WAL replicator
// described in spec.md §4.10: it tails the local node's write-ahead log,
// batches and optimises the pending mutations, and ships them to peer
// nodes and an optional cloud mirror target. It also listens for
// incoming shipments from other nodes' replicators on /_replicate.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/replicator"
)

func main() {
	cfg := config.Load()

	mirror, err := replicator.NewCloudMirror(
		context.Background(),
		cfg.CloudMirror.Provider,
		cfg.CloudMirror.Bucket,
		cfg.CloudMirror.Prefix,
		cfg.CloudMirror.AWSRegion,
		cfg.CloudMirror.GCPProject,
		cfg.CloudMirror.AzureAccountURL,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize cloud mirror: %v\n", err)
		os.Exit(1)
	}

	var peers []replicator.Peer
	for _, addr := range cfg.Cluster.Nodes {
		peers = append(peers, replicator.NewPeer(addr))
	}

	walPath := filepath.Join(cfg.WAL.Path, "wal.log")
	rep := replicator.New(
		cfg.Server.StoragePath,
		walPath,
		cfg.WAL.NodeID,
		cfg.Cluster.StatePath,
		time.Duration(cfg.Cluster.BatchIntervalMS)*time.Millisecond,
		cfg.Cluster.MaxBatchSize,
		peers,
		mirror,
	)

	go rep.Run()

	mux := http.NewServeMux()
	mux.Handle("/_replicate", replicator.ReceiveHandler(rep))
	httpSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("bleepstore-replicator listening on %s, tailing %s", httpSrv.Addr, walPath)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
		rep.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "replicator server error: %v\n", err)
			rep.Stop()
			os.Exit(1)
		}
	}
}
