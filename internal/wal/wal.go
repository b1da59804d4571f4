// Package wal appends a tab-separated write-ahead log of bucket and object
// mutations, batched and flushed in the background, so a replicator
// process can tail it and ship changes to peer nodes.
package wal

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bleepstore/bleepstore/internal/metrics"
)

const (
	batchSize     = 1000
	flushInterval = 5 * time.Second
	forceFlushAt  = 100
	channelDepth  = 10000
)

// record is one pending mutation awaiting a batch write.
type record struct {
	kind      string
	bucket    string
	key       string
	size      int64
	etag      string
	metaKind  string
	content   string
	timestamp int64
}

// Writer appends records to a tab-separated log file on a background
// goroutine, batching writes every flushInterval or batchSize records,
// whichever comes first.
type Writer struct {
	path     string
	nodeID   string
	enabled  bool
	sequence atomic.Uint64

	ch     chan record
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter creates a Writer appending to path. When enabled is false,
// every Log* call becomes a no-op and no background goroutine starts.
func NewWriter(path, nodeID string, enabled bool) *Writer {
	w := &Writer{
		path:    path,
		nodeID:  nodeID,
		enabled: enabled,
	}
	if !enabled {
		return w
	}

	initial := loadLastSequence(path, nodeID)
	w.sequence.Store(initial)
	slog.Info("wal: starting writer", "node_id", nodeID, "sequence", initial)

	w.ch = make(chan record, channelDepth)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run()
	return w
}

// LogPut enqueues a PUT record. Non-blocking: if the channel is full the
// record is dropped, matching the original's try_send best-effort policy.
func (w *Writer) LogPut(bucket, key string, size int64, etag string) {
	w.enqueue(record{kind: "PUT", bucket: bucket, key: key, size: size, etag: etag})
}

// LogDelete enqueues a DELETE record.
func (w *Writer) LogDelete(bucket, key string) {
	w.enqueue(record{kind: "DELETE", bucket: bucket, key: key})
}

// LogCreateBucket enqueues a CREATE_BUCKET record.
func (w *Writer) LogCreateBucket(bucket string) {
	w.enqueue(record{kind: "CREATE_BUCKET", bucket: bucket})
}

// LogDeleteBucket enqueues a DELETE_BUCKET record.
func (w *Writer) LogDeleteBucket(bucket string) {
	w.enqueue(record{kind: "DELETE_BUCKET", bucket: bucket})
}

// LogUpdateMetadata enqueues an UPDATE_METADATA record for a bucket
// sub-resource (policy, cors, lifecycle, encryption, acl, tags, versioning,
// ...). content is the new document, escaped on write so embedded
// newlines and tabs don't corrupt the tab-separated log line.
func (w *Writer) LogUpdateMetadata(bucket, kind, content string) {
	w.enqueue(record{kind: "UPDATE_METADATA", bucket: bucket, metaKind: kind, content: content})
}

// LogDeleteMetadata enqueues a DELETE_METADATA record for a bucket
// sub-resource that has been cleared.
func (w *Writer) LogDeleteMetadata(bucket, kind string) {
	w.enqueue(record{kind: "DELETE_METADATA", bucket: bucket, metaKind: kind})
}

func (w *Writer) enqueue(r record) {
	if !w.enabled {
		return
	}
	select {
	case w.ch <- r:
	default:
		slog.Warn("wal: channel full, dropping record", "kind", r.kind, "bucket", r.bucket)
	}
}

// Stop signals the background goroutine to flush and exit, and blocks
// until it has.
func (w *Writer) Stop() {
	if !w.enabled {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("wal: failed to open log file", "path", w.path, "error", err)
		return
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, 1<<20)

	var batch []record
	lastFlush := time.Now()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	stopping := false
	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
		case <-ticker.C:
		case <-w.stopCh:
			stopping = true
		}

	drain:
		for len(batch) < batchSize {
			select {
			case r := <-w.ch:
				batch = append(batch, r)
			default:
				break drain
			}
		}

		shouldFlush := len(batch) > 0 && (time.Since(lastFlush) >= flushInterval || len(batch) >= batchSize || stopping)
		if shouldFlush {
			forceSync := len(batch) >= forceFlushAt || time.Since(lastFlush) >= 30*time.Second || stopping
			w.writeBatch(bw, batch)
			batch = batch[:0]
			metrics.WALSequence.WithLabelValues(w.nodeID).Set(float64(w.sequence.Load()))

			if err := bw.Flush(); err != nil {
				slog.Error("wal: failed to flush", "error", err)
			}
			if forceSync {
				if err := f.Sync(); err != nil {
					slog.Error("wal: failed to fsync", "error", err)
				}
			}
			lastFlush = time.Now()
		}

		if stopping {
			bw.Flush()
			return
		}
	}
}

func (w *Writer) writeBatch(bw *bufio.Writer, batch []record) {
	timestamp := time.Now().UnixMilli()
	for _, r := range batch {
		seq := w.sequence.Add(1) - 1
		var line string
		switch r.kind {
		case "PUT":
			line = fmt.Sprintf("PUT\t%s\t%d\t%d\t%s\t%s\t%d\t%s\n", w.nodeID, seq, timestamp, r.bucket, r.key, r.size, r.etag)
		case "DELETE":
			line = fmt.Sprintf("DELETE\t%s\t%d\t%d\t%s\t%s\n", w.nodeID, seq, timestamp, r.bucket, r.key)
		case "CREATE_BUCKET":
			line = fmt.Sprintf("CREATE_BUCKET\t%s\t%d\t%d\t%s\n", w.nodeID, seq, timestamp, r.bucket)
		case "DELETE_BUCKET":
			line = fmt.Sprintf("DELETE_BUCKET\t%s\t%d\t%d\t%s\n", w.nodeID, seq, timestamp, r.bucket)
		case "UPDATE_METADATA":
			line = fmt.Sprintf("UPDATE_METADATA\t%s\t%d\t%d\t%s\t%s\t%s\n", w.nodeID, seq, timestamp, r.bucket, r.metaKind, escapeContent(r.content))
		case "DELETE_METADATA":
			line = fmt.Sprintf("DELETE_METADATA\t%s\t%d\t%d\t%s\t%s\n", w.nodeID, seq, timestamp, r.bucket, r.metaKind)
		}
		if _, err := bw.WriteString(line); err != nil {
			slog.Error("wal: failed to write record", "error", err)
		}
	}

	statePath := w.path + ".sequence"
	os.WriteFile(statePath, []byte(strconv.FormatUint(w.sequence.Load(), 10)), 0o644)
}

// escapeContent escapes newlines and tabs so a metadata document survives
// as the trailing field of a tab-separated, newline-delimited log line.
func escapeContent(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

// loadLastSequence recovers the next sequence number to use, preferring
// the small .sequence checkpoint file and falling back to a tail scan of
// the log itself.
func loadLastSequence(path, nodeID string) uint64 {
	if _, err := os.Stat(path); err != nil {
		return 0
	}

	statePath := path + ".sequence"
	if data, err := os.ReadFile(statePath); err == nil {
		if seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			slog.Info("wal: loaded sequence from state file", "sequence", seq)
			return seq
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0
	}

	const tailSize = 10240
	readSize := info.Size()
	if readSize > tailSize {
		readSize = tailSize
	}
	if info.Size() > readSize {
		f.Seek(info.Size()-readSize, 0)
	}

	scanner := bufio.NewScanner(f)
	scanner.Scan() // discard potentially partial first line

	var maxSeq uint64
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\t")
		if len(parts) >= 3 && parts[1] == nodeID {
			if seq, err := strconv.ParseUint(parts[2], 10, 64); err == nil && seq > maxSeq {
				maxSeq = seq
			}
		}
	}

	if maxSeq > 0 {
		return maxSeq + 1
	}
	return 0
}
