// Package quota tracks per-bucket byte and object-count usage against a
// configured limit, backed by a write-behind on-disk cache.
package quota

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bleepstore/bleepstore/internal/metrics"
)

// Usage is the quota accounting record persisted at <bucket>/.quota.
type Usage struct {
	MaxSizeBytes      int64     `json:"max_size_bytes"`
	CurrentUsageBytes int64     `json:"current_usage_bytes"`
	ObjectCount       int64     `json:"object_count"`
	LastUpdated       time.Time `json:"last_updated"`
}

type cacheEntry struct {
	usage Usage
	dirty bool
}

// BucketStats is the per-calendar-month operation counter record persisted
// at <bucket>/.stats/<yyyy-mm>.json.
type BucketStats struct {
	Get       int64 `json:"get"`
	Put       int64 `json:"put"`
	Delete    int64 `json:"delete"`
	List      int64 `json:"list"`
	Head      int64 `json:"head"`
	Multipart int64 `json:"multipart"`
}

// statsEntry is a bucket's StatsCache: one BucketStats per calendar month
// touched so far, each tracked for dirtiness independently since a flush
// can straddle a month boundary.
type statsEntry struct {
	months map[string]*BucketStats
	dirty  map[string]bool
}

// Manager enforces a default byte quota per bucket, lazily seeded from a
// filesystem scan the first time a bucket is touched, then tracked
// in-memory and flushed to disk periodically. It also owns the sibling
// per-operation BucketStats cache, since spec.md assigns both <bucket>/.quota
// and <bucket>/.stats/ to the same owner.
type Manager struct {
	root          string
	defaultQuota  int64
	enabled       bool
	flushInterval time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry

	statsMu    sync.Mutex
	statsCache map[string]*statsEntry

	stopCh chan struct{}
}

// NewManager creates a quota manager rooted at storageRoot. When enabled is
// false, every check and update becomes a no-op and no filesystem scans or
// background flushes occur.
func NewManager(storageRoot string, defaultQuotaBytes int64, flushInterval time.Duration, enabled bool) *Manager {
	return &Manager{
		root:          storageRoot,
		defaultQuota:  defaultQuotaBytes,
		enabled:       enabled,
		flushInterval: flushInterval,
		cache:         make(map[string]*cacheEntry),
		statsCache:    make(map[string]*statsEntry),
		stopCh:        make(chan struct{}),
	}
}

// Enabled reports whether quota and stats accounting is active.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// CheckAndReserve reports whether adding additionalBytes to bucket would
// stay within its quota. It does not record the addition; call Record once
// the write actually succeeds.
func (m *Manager) CheckAndReserve(bucket string, additionalBytes int64) bool {
	if !m.enabled {
		return true
	}
	entry, err := m.load(bucket)
	if err != nil {
		slog.Warn("quota: failed to load usage, allowing write", "bucket", bucket, "error", err)
		return true
	}
	return entry.usage.CurrentUsageBytes+additionalBytes <= entry.usage.MaxSizeBytes
}

// Record adds size bytes and count objects to bucket's tracked usage.
func (m *Manager) Record(bucket string, size int64, count int) {
	if !m.enabled {
		return
	}
	entry, err := m.load(bucket)
	if err != nil {
		slog.Warn("quota: failed to load usage for record", "bucket", bucket, "error", err)
		return
	}

	m.mu.Lock()
	entry.usage.CurrentUsageBytes += size
	entry.usage.ObjectCount += int64(count)
	entry.usage.LastUpdated = time.Now().UTC()
	entry.dirty = true
	usage := entry.usage
	m.mu.Unlock()

	metrics.BucketQuotaUsedBytes.WithLabelValues(bucket).Set(float64(usage.CurrentUsageBytes))
}

// Release subtracts size bytes and count objects from bucket's tracked
// usage, saturating at zero.
func (m *Manager) Release(bucket string, size int64, count int) {
	if !m.enabled {
		return
	}
	entry, err := m.load(bucket)
	if err != nil {
		slog.Warn("quota: failed to load usage for release", "bucket", bucket, "error", err)
		return
	}

	m.mu.Lock()
	entry.usage.CurrentUsageBytes = saturatingSub(entry.usage.CurrentUsageBytes, size)
	entry.usage.ObjectCount = saturatingSub(entry.usage.ObjectCount, int64(count))
	entry.usage.LastUpdated = time.Now().UTC()
	entry.dirty = true
	usage := entry.usage
	m.mu.Unlock()

	metrics.BucketQuotaUsedBytes.WithLabelValues(bucket).Set(float64(usage.CurrentUsageBytes))
}

// RecordOp increments bucket's counter for op ("get", "put", "delete",
// "list", "head", or "multipart") in the current calendar month, seeding
// the month's entry from its .stats/<yyyy-mm>.json file on first touch.
func (m *Manager) RecordOp(bucket, op string) {
	if !m.enabled {
		return
	}
	month := time.Now().UTC().Format("2006-01")

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	entry, ok := m.statsCache[bucket]
	if !ok {
		entry = &statsEntry{months: make(map[string]*BucketStats), dirty: make(map[string]bool)}
		m.statsCache[bucket] = entry
	}
	stats, ok := entry.months[month]
	if !ok {
		loaded, err := readStatsFile(statsFilePath(m.root, bucket, month))
		if err != nil {
			loaded = BucketStats{}
		}
		stats = &loaded
		entry.months[month] = stats
	}

	switch op {
	case "get":
		stats.Get++
	case "put":
		stats.Put++
	case "delete":
		stats.Delete++
	case "list":
		stats.List++
	case "head":
		stats.Head++
	case "multipart":
		stats.Multipart++
	default:
		slog.Warn("quota: RecordOp called with unknown op kind", "op", op, "bucket", bucket)
		return
	}
	entry.dirty[month] = true
}

// GetStats returns bucket's operation counters for the given calendar month
// ("yyyy-mm"), loading them from disk if they aren't already cached.
func (m *Manager) GetStats(bucket, month string) (BucketStats, error) {
	if !m.enabled {
		return BucketStats{}, nil
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	if entry, ok := m.statsCache[bucket]; ok {
		if stats, ok := entry.months[month]; ok {
			return *stats, nil
		}
	}
	stats, err := readStatsFile(statsFilePath(m.root, bucket, month))
	if err != nil {
		if os.IsNotExist(err) {
			return BucketStats{}, nil
		}
		return BucketStats{}, err
	}
	return stats, nil
}

// flushStats writes every dirty cached BucketStats month to disk.
func (m *Manager) flushStats() {
	type pending struct {
		bucket, month string
		stats         BucketStats
	}
	m.statsMu.Lock()
	var items []pending
	for bucket, entry := range m.statsCache {
		for month, dirty := range entry.dirty {
			if dirty {
				items = append(items, pending{bucket, month, *entry.months[month]})
				entry.dirty[month] = false
			}
		}
	}
	m.statsMu.Unlock()

	for _, p := range items {
		if err := writeStatsFile(statsFilePath(m.root, p.bucket, p.month), p.stats); err != nil {
			slog.Error("quota: failed to flush stats", "bucket", p.bucket, "month", p.month, "error", err)
		}
	}
}

// GetUsage returns the current usage record for bucket, loading or
// generating it if necessary.
func (m *Manager) GetUsage(bucket string) (Usage, error) {
	if !m.enabled {
		return Usage{MaxSizeBytes: -1}, nil
	}
	entry, err := m.load(bucket)
	if err != nil {
		return Usage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.usage, nil
}

// load returns the cached entry for bucket, reading its .quota file or
// scanning the filesystem to seed it if this is the first touch.
func (m *Manager) load(bucket string) (*cacheEntry, error) {
	m.mu.Lock()
	if entry, ok := m.cache[bucket]; ok {
		m.mu.Unlock()
		return entry, nil
	}
	m.mu.Unlock()

	quotaFile := filepath.Join(m.root, bucket, ".quota")
	usage, err := readUsageFile(quotaFile)
	if err != nil {
		slog.Info("quota: no usage file, generating from filesystem scan", "bucket", bucket)
		usage, err = m.generateFromFS(bucket)
		if err != nil {
			return nil, err
		}
	}

	entry := &cacheEntry{usage: usage}

	m.mu.Lock()
	if existing, ok := m.cache[bucket]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.cache[bucket] = entry
	m.mu.Unlock()

	metrics.BucketQuotaUsedBytes.WithLabelValues(bucket).Set(float64(usage.CurrentUsageBytes))
	return entry, nil
}

// generateFromFS walks bucket's directory tree, summing regular file sizes
// while skipping hidden config files and metadata sidecars, then persists
// the result.
func (m *Manager) generateFromFS(bucket string) (Usage, error) {
	bucketPath := filepath.Join(m.root, bucket)
	var totalSize int64
	var objectCount int64

	err := filepath.WalkDir(bucketPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		name := d.Name()
		if len(name) > 0 && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if len(name) > 9 && name[len(name)-9:] == ".metadata" {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		totalSize += info.Size()
		objectCount++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return Usage{}, fmt.Errorf("quota: scanning bucket %q: %w", bucket, err)
	}

	usage := Usage{
		MaxSizeBytes:      m.defaultQuota,
		CurrentUsageBytes: totalSize,
		ObjectCount:       objectCount,
		LastUpdated:       time.Now().UTC(),
	}
	if err := writeUsageFile(filepath.Join(bucketPath, ".quota"), usage); err != nil {
		slog.Warn("quota: failed to persist generated usage", "bucket", bucket, "error", err)
	}
	return usage, nil
}

// FlushAll writes every dirty cached usage record to disk. Intended to be
// called on a periodic ticker by the owning process.
func (m *Manager) FlushAll() {
	if !m.enabled {
		return
	}
	m.flushStats()
	m.mu.Lock()
	type flush struct {
		bucket string
		usage  Usage
	}
	var pending []flush
	for bucket, entry := range m.cache {
		if entry.dirty {
			pending = append(pending, flush{bucket, entry.usage})
			entry.dirty = false
		}
	}
	m.mu.Unlock()

	for _, p := range pending {
		quotaFile := filepath.Join(m.root, p.bucket, ".quota")
		if err := writeUsageFile(quotaFile, p.usage); err != nil {
			slog.Error("quota: failed to flush usage", "bucket", p.bucket, "error", err)
		}
	}
}

// Run periodically flushes dirty usage records until ctx-independent Stop
// is called. It blocks, so callers should invoke it in its own goroutine.
func (m *Manager) Run() {
	if !m.enabled {
		return
	}
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.FlushAll()
		case <-m.stopCh:
			m.FlushAll()
			return
		}
	}
}

// Stop ends the background flush loop started by Run.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func readUsageFile(path string) (Usage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Usage{}, err
	}
	var usage Usage
	if err := json.Unmarshal(data, &usage); err != nil {
		return Usage{}, fmt.Errorf("quota: parsing usage file %q: %w", path, err)
	}
	return usage, nil
}

func writeUsageFile(path string, usage Usage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("quota: creating bucket directory: %w", err)
	}
	data, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return fmt.Errorf("quota: marshaling usage: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("quota: writing temp usage file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("quota: renaming usage file into place: %w", err)
	}
	return nil
}

func statsFilePath(root, bucket, month string) string {
	return filepath.Join(root, bucket, ".stats", month+".json")
}

func readStatsFile(path string) (BucketStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BucketStats{}, err
	}
	var stats BucketStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return BucketStats{}, fmt.Errorf("quota: parsing stats file %q: %w", path, err)
	}
	return stats, nil
}

func writeStatsFile(path string, stats BucketStats) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("quota: creating stats directory: %w", err)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("quota: marshaling stats: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("quota: writing temp stats file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("quota: renaming stats file into place: %w", err)
	}
	return nil
}

func saturatingSub(a, b int64) int64 {
	if b > a {
		return 0
	}
	return a - b
}
