// Package housekeeper periodically removes empty directories left behind
// inside bucket trees by deletes and aborted multipart uploads.
package housekeeper

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Housekeeper runs a background sweep over a storage root's bucket
// directories, removing empty subdirectories. Bucket directories
// themselves and .multipart staging directories are never removed.
type Housekeeper struct {
	root     string
	interval time.Duration
	enabled  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Housekeeper rooted at storageRoot, sweeping every
// interval. When enabled is false, Run returns immediately without
// starting a background loop.
func New(storageRoot string, interval time.Duration, enabled bool) *Housekeeper {
	return &Housekeeper{
		root:     storageRoot,
		interval: interval,
		enabled:  enabled,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, sweeping every h.interval until Stop is called. Callers
// should invoke it in its own goroutine. The first sweep happens after one
// interval has elapsed, not immediately.
func (h *Housekeeper) Run() {
	defer close(h.doneCh)
	if !h.enabled {
		slog.Info("housekeeper: disabled")
		return
	}

	slog.Info("housekeeper: starting", "interval", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// Stop ends the background sweep loop and waits for it to exit.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *Housekeeper) sweep() {
	slog.Debug("housekeeper: running empty directory scan")
	entries, err := os.ReadDir(h.root)
	if err != nil {
		slog.Warn("housekeeper: failed to read storage root", "error", err)
		return
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		removed += removeEmptySubdirs(filepath.Join(h.root, e.Name()))
	}

	if removed > 0 {
		slog.Info("housekeeper: sweep complete", "removed", removed)
	} else {
		slog.Debug("housekeeper: sweep complete, nothing to remove")
	}
}

// removeEmptySubdirs removes empty subdirectories within a bucket
// directory, never the bucket directory itself.
func removeEmptySubdirs(bucketDir string) int {
	entries, err := os.ReadDir(bucketDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			removed += removeEmptySubdirRecursive(filepath.Join(bucketDir, e.Name()))
		}
	}
	return removed
}

// removeEmptySubdirRecursive cleans a directory's empty descendants
// bottom-up, then removes the directory itself if it is now empty.
// .multipart staging directories are never removed.
func removeEmptySubdirRecursive(dir string) int {
	removed := 0

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() {
			removed += removeEmptySubdirRecursive(filepath.Join(dir, e.Name()))
		}
	}

	if filepath.Base(dir) == ".multipart" {
		return removed
	}

	entries, err = os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return removed
	}

	if err := os.Remove(dir); err == nil {
		slog.Debug("housekeeper: removed empty directory", "path", dir)
		removed++
	}
	return removed
}
