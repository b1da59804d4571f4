// Package replicator tails a node's write-ahead log, batches and optimises
// the pending mutations, and ships them to peer nodes (filesystem paths or
// HTTP endpoints) and an optional cloud mirror target. It runs as a
// separate long-lived process from the main server, per the crash-only
// design: the server only ever appends to the WAL.
package replicator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bleepstore/bleepstore/internal/objectstore"
)

// Record is one parsed line from the WAL, matching the tab-separated
// format internal/wal.Writer appends.
type Record struct {
	Kind      string // PUT, DELETE, CREATE_BUCKET, DELETE_BUCKET, UPDATE_METADATA, DELETE_METADATA
	NodeID    string
	Sequence  uint64
	Timestamp int64
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	MetaKind  string // bucket sub-resource kind, for UPDATE_METADATA/DELETE_METADATA
	Content   string // unescaped document body, for UPDATE_METADATA only
}

// parseLine parses one tab-separated WAL line into a Record. Malformed
// lines are skipped rather than failing the whole tail, since a torn
// write at the end of the log is expected after a crash.
func parseLine(line string) (Record, bool) {
	parts := strings.Split(line, "\t")
	if len(parts) < 4 {
		return Record{}, false
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Record{}, false
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Record{}, false
	}
	r := Record{Kind: parts[0], NodeID: parts[1], Sequence: seq, Timestamp: ts}
	switch r.Kind {
	case "PUT":
		if len(parts) < 8 {
			return Record{}, false
		}
		r.Bucket, r.Key = parts[4], parts[5]
		size, err := strconv.ParseInt(parts[6], 10, 64)
		if err != nil {
			return Record{}, false
		}
		r.Size, r.ETag = size, parts[7]
	case "DELETE":
		if len(parts) < 6 {
			return Record{}, false
		}
		r.Bucket, r.Key = parts[4], parts[5]
	case "CREATE_BUCKET", "DELETE_BUCKET":
		if len(parts) < 5 {
			return Record{}, false
		}
		r.Bucket = parts[4]
	case "DELETE_METADATA":
		if len(parts) < 6 {
			return Record{}, false
		}
		r.Bucket, r.MetaKind = parts[4], parts[5]
	case "UPDATE_METADATA":
		if len(parts) < 7 {
			return Record{}, false
		}
		r.Bucket, r.MetaKind = parts[4], parts[5]
		r.Content = unescapeContent(parts[6])
	default:
		return Record{}, false
	}
	return r, true
}

// unescapeContent reverses internal/wal.Writer's escaping of embedded
// newlines and tabs in an UPDATE_METADATA record's content field.
func unescapeContent(s string) string {
	s = strings.ReplaceAll(s, "\\t", "\t")
	s = strings.ReplaceAll(s, "\\n", "\n")
	return s
}

// cutLast splits s at the last occurrence of sep, so a key embedding sep
// itself doesn't truncate the trailing versionID.
func cutLast(s, sep string) (before, after string, ok bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// State is the replicator's durable progress checkpoint, persisted as
// JSON to STATE_PATH/replicator.state after every successful batch.
type State struct {
	LastProcessedPosition int64            `json:"last_processed_position"`
	LastProcessedSequence map[string]uint64 `json:"last_processed_sequence"`
	LastFlush             time.Time        `json:"last_flush"`
}

func loadState(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		return &State{LastProcessedSequence: make(map[string]uint64)}
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return &State{LastProcessedSequence: make(map[string]uint64)}
	}
	if s.LastProcessedSequence == nil {
		s.LastProcessedSequence = make(map[string]uint64)
	}
	return &s
}

func (s *State) save(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("replicator: marshaling state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("replicator: creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("replicator: writing state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Peer ships optimised WAL records to one remote node, either over a
// shared filesystem or an HTTP replication endpoint.
type Peer interface {
	Name() string
	ShipPut(rec Record, objectBody, sidecarBody []byte) error
	ShipDelete(rec Record) error
	ShipCreateBucket(rec Record) error
	ShipDeleteBucket(rec Record) error
	ShipUpdateMetadata(rec Record) error
	ShipDeleteMetadata(rec Record) error
}

// Replicator runs the tail-batch-ship loop for one node.
type Replicator struct {
	storageRoot string
	walPath     string
	nodeID      string
	statePath   string

	batchInterval time.Duration
	maxBatchSize  int

	peers       []Peer
	cloudMirror CloudMirror

	// store applies incoming UPDATE_METADATA/DELETE_METADATA records
	// through the same bucket-config mutators the server uses, with WAL
	// logging disabled so applying a replicated record never re-enters
	// the replication pipeline. nil if the store could not be opened.
	store *objectstore.Store

	// seen dedups incoming replicated records by (origin node, sequence)
	// so a record shipped A -> B does not bounce back B -> A.
	mu   sync.Mutex
	seen map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Replicator for the given node's storage root and WAL
// file, shipping to peers and, optionally, a cloud mirror.
func New(storageRoot, walPath, nodeID, statePath string, batchInterval time.Duration, maxBatchSize int, peers []Peer, mirror CloudMirror) *Replicator {
	store, err := objectstore.New(storageRoot)
	if err != nil {
		slog.Error("replicator: failed to open storage root for metadata replication", "root", storageRoot, "error", err)
		store = nil
	}
	return &Replicator{
		storageRoot:   storageRoot,
		walPath:       walPath,
		nodeID:        nodeID,
		statePath:     filepath.Join(statePath, "replicator.state"),
		batchInterval: batchInterval,
		maxBatchSize:  maxBatchSize,
		peers:         peers,
		cloudMirror:   mirror,
		store:         store,
		seen:          make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run executes the tail-batch-ship loop until Stop is called. A missing
// wal.log is not an error: the loop waits and retries.
func (r *Replicator) Run() {
	defer close(r.doneCh)
	state := loadState(r.statePath)
	ticker := time.NewTicker(r.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.tick(state); err != nil {
				slog.Warn("replicator: tick failed", "error", err)
			}
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (r *Replicator) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replicator) tick(state *State) error {
	f, err := os.Open(r.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(state.LastProcessedPosition, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wal: %w", err)
	}

	reader := bufio.NewReader(f)
	var batch []Record
	var consumed int64
	for len(batch) < r.maxBatchSize {
		line, err := reader.ReadString('\n')
		if line != "" {
			if strings.HasSuffix(line, "\n") {
				rec, ok := parseLine(strings.TrimSuffix(line, "\n"))
				consumed += int64(len(line))
				if ok && rec.NodeID == r.nodeID && rec.Sequence >= state.LastProcessedSequence[r.nodeID] {
					batch = append(batch, rec)
					state.LastProcessedSequence[r.nodeID] = rec.Sequence + 1
				}
			}
			// A line without a trailing newline is a torn write at the
			// tail; leave it unconsumed for the next tick to re-read.
		}
		if err != nil {
			break
		}
	}
	state.LastProcessedPosition += consumed

	if len(batch) == 0 {
		return nil
	}

	optimized := optimizeBatch(batch)
	r.ship(optimized)

	state.LastFlush = time.Now().UTC()
	return state.save(r.statePath)
}

// optimizeBatch groups records by (bucket, key): if a key is both PUT and
// DELETE within the batch, both are dropped (nothing to replicate);
// otherwise only the last operation for that key survives. Metadata
// records are grouped the same way, keyed by (bucket, metadata kind): an
// UPDATE_METADATA followed by a DELETE_METADATA for the same kind cancels
// out, otherwise the last write wins. Bucket-level records
// (CREATE_BUCKET/DELETE_BUCKET) are kept as-is, in order.
func optimizeBatch(batch []Record) []Record {
	type keyState struct {
		hasPut    bool
		hasDelete bool
		last      Record
	}
	order := make([]string, 0, len(batch))
	byKey := make(map[string]*keyState)
	var bucketOps []Record

	for _, rec := range batch {
		var k string
		switch rec.Kind {
		case "CREATE_BUCKET", "DELETE_BUCKET":
			bucketOps = append(bucketOps, rec)
			continue
		case "UPDATE_METADATA", "DELETE_METADATA":
			k = "\x01meta\x00" + rec.Bucket + "\x00" + rec.MetaKind
		default:
			k = rec.Bucket + "\x00" + rec.Key
		}
		st, ok := byKey[k]
		if !ok {
			st = &keyState{}
			byKey[k] = st
			order = append(order, k)
		}
		switch rec.Kind {
		case "PUT", "UPDATE_METADATA":
			st.hasPut = true
		case "DELETE", "DELETE_METADATA":
			st.hasDelete = true
		}
		st.last = rec
	}

	out := make([]Record, 0, len(order)+len(bucketOps))
	out = append(out, bucketOps...)
	for _, k := range order {
		st := byKey[k]
		if st.hasPut && st.hasDelete {
			continue
		}
		out = append(out, st.last)
	}
	return out
}

func (r *Replicator) ship(batch []Record) {
	for _, rec := range batch {
		var objectBody, sidecarBody []byte
		if rec.Kind == "PUT" {
			var err error
			objectBody, err = os.ReadFile(objectstore.ObjectPath(r.storageRoot, rec.Bucket, rec.Key))
			if err != nil {
				slog.Warn("replicator: source object missing for PUT, skipping peer shipment", "bucket", rec.Bucket, "key", rec.Key, "error", err)
				continue
			}
			sidecarBody, _ = os.ReadFile(objectstore.SidecarPath(r.storageRoot, rec.Bucket, rec.Key))
		}

		for _, p := range r.peers {
			if err := r.shipTo(p, rec, objectBody, sidecarBody); err != nil {
				slog.Warn("replicator: peer shipment failed", "peer", p.Name(), "kind", rec.Kind, "bucket", rec.Bucket, "key", rec.Key, "error", err)
			}
		}
		if r.cloudMirror != nil {
			r.shipToMirror(rec, objectBody)
		}
	}
}

func (r *Replicator) shipTo(p Peer, rec Record, objectBody, sidecarBody []byte) error {
	switch rec.Kind {
	case "PUT":
		return p.ShipPut(rec, objectBody, sidecarBody)
	case "DELETE":
		return p.ShipDelete(rec)
	case "CREATE_BUCKET":
		return p.ShipCreateBucket(rec)
	case "DELETE_BUCKET":
		return p.ShipDeleteBucket(rec)
	case "UPDATE_METADATA":
		return p.ShipUpdateMetadata(rec)
	case "DELETE_METADATA":
		return p.ShipDeleteMetadata(rec)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (r *Replicator) shipToMirror(rec Record, objectBody []byte) {
	switch rec.Kind {
	case "PUT":
		if err := r.cloudMirror.PutObject(rec.Bucket, rec.Key, objectBody); err != nil {
			slog.Warn("replicator: cloud mirror PUT failed", "bucket", rec.Bucket, "key", rec.Key, "error", err)
		}
	case "DELETE":
		if err := r.cloudMirror.DeleteObject(rec.Bucket, rec.Key); err != nil {
			slog.Warn("replicator: cloud mirror DELETE failed", "bucket", rec.Bucket, "key", rec.Key, "error", err)
		}
	}
}

// ApplyIncoming applies a record received from a peer's replicator
// directly to the local filesystem, bypassing the public HTTP API and
// the local WAL entirely -- appending to the WAL here would let the
// record ship back out and loop forever. Dedup is by (node, sequence).
func (r *Replicator) ApplyIncoming(rec Record, objectBody, sidecarBody []byte) error {
	dedupKey := rec.NodeID + "\x00" + strconv.FormatUint(rec.Sequence, 10)

	r.mu.Lock()
	if _, ok := r.seen[dedupKey]; ok {
		r.mu.Unlock()
		return nil
	}
	r.seen[dedupKey] = struct{}{}
	r.mu.Unlock()

	switch rec.Kind {
	case "PUT":
		objPath := objectstore.ObjectPath(r.storageRoot, rec.Bucket, rec.Key)
		if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
			return fmt.Errorf("replicator: creating directories for %q: %w", objPath, err)
		}
		if err := os.WriteFile(objPath, objectBody, 0o644); err != nil {
			return fmt.Errorf("replicator: writing replicated object: %w", err)
		}
		if len(sidecarBody) > 0 {
			if err := os.WriteFile(objectstore.SidecarPath(r.storageRoot, rec.Bucket, rec.Key), sidecarBody, 0o644); err != nil {
				return fmt.Errorf("replicator: writing replicated sidecar: %w", err)
			}
		}
		return nil
	case "DELETE":
		objPath := objectstore.ObjectPath(r.storageRoot, rec.Bucket, rec.Key)
		os.Remove(objPath)
		os.Remove(objectstore.SidecarPath(r.storageRoot, rec.Bucket, rec.Key))
		return nil
	case "CREATE_BUCKET":
		return os.MkdirAll(objectstore.BucketPath(r.storageRoot, rec.Bucket), 0o755)
	case "DELETE_BUCKET":
		return os.RemoveAll(objectstore.BucketPath(r.storageRoot, rec.Bucket))
	case "UPDATE_METADATA":
		return r.applyUpdateMetadata(rec)
	case "DELETE_METADATA":
		return r.applyDeleteMetadata(rec)
	default:
		slog.Warn("replicator: unknown incoming record kind, skipping", "kind", rec.Kind)
		return nil
	}
}

// namedBucketConfigs are the metadata kinds that map 1:1 onto
// objectstore.Store's named bucket sub-resource documents (see
// objectstore.namedConfigs): the replicated content is the document
// verbatim, so it is applied with a plain Put/Delete.
var namedBucketConfigs = map[string]bool{
	"policy": true, "encryption": true, "cors": true, "lifecycle": true, "tagging": true,
}

// applyUpdateMetadata applies a replicated UPDATE_METADATA record through
// the local Store's own mutators, so the on-disk representation matches
// exactly what a local write of the same content would produce.
func (r *Replicator) applyUpdateMetadata(rec Record) error {
	if r.store == nil {
		return fmt.Errorf("replicator: no local store available to apply metadata for bucket %q", rec.Bucket)
	}
	return applyUpdateMetadataTo(r.store, rec)
}

// applyDeleteMetadata applies a replicated DELETE_METADATA record.
func (r *Replicator) applyDeleteMetadata(rec Record) error {
	if r.store == nil {
		return fmt.Errorf("replicator: no local store available to apply metadata for bucket %q", rec.Bucket)
	}
	return applyDeleteMetadataTo(r.store, rec)
}

// applyUpdateMetadataTo dispatches a replicated UPDATE_METADATA record to
// the matching Store mutator for its metadata kind. Shared by
// Replicator.ApplyIncoming (records arriving over HTTP) and filesystemPeer
// (shipping out to a peer reachable over a shared filesystem).
func applyUpdateMetadataTo(store *objectstore.Store, rec Record) error {
	switch {
	case namedBucketConfigs[rec.MetaKind]:
		return store.PutBucketConfig(rec.Bucket, rec.MetaKind, []byte(rec.Content))
	case rec.MetaKind == "acl":
		return store.UpdateBucketACL(rec.Bucket, json.RawMessage(rec.Content))
	case rec.MetaKind == "versioning":
		return store.SetVersioning(rec.Bucket, rec.Content == "true")
	case strings.HasPrefix(rec.MetaKind, "object-acl:"):
		key := strings.TrimPrefix(rec.MetaKind, "object-acl:")
		return store.UpdateObjectACL(rec.Bucket, key, json.RawMessage(rec.Content))
	case strings.HasPrefix(rec.MetaKind, "object-tags:"):
		key := strings.TrimPrefix(rec.MetaKind, "object-tags:")
		var tags map[string]string
		if err := json.Unmarshal([]byte(rec.Content), &tags); err != nil {
			return fmt.Errorf("replicator: decoding replicated tags for %q/%q: %w", rec.Bucket, key, err)
		}
		return store.UpdateObjectTags(rec.Bucket, key, tags)
	default:
		slog.Warn("replicator: unknown metadata kind, skipping", "kind", rec.MetaKind, "bucket", rec.Bucket)
		return nil
	}
}

// applyDeleteMetadataTo dispatches a replicated DELETE_METADATA record.
func applyDeleteMetadataTo(store *objectstore.Store, rec Record) error {
	switch {
	case namedBucketConfigs[rec.MetaKind]:
		return store.DeleteBucketConfig(rec.Bucket, rec.MetaKind)
	case strings.HasPrefix(rec.MetaKind, "object-tags:"):
		key := strings.TrimPrefix(rec.MetaKind, "object-tags:")
		return store.UpdateObjectTags(rec.Bucket, key, nil)
	case strings.HasPrefix(rec.MetaKind, "object-version:"):
		rest := strings.TrimPrefix(rec.MetaKind, "object-version:")
		key, versionID, ok := cutLast(rest, ":")
		if !ok {
			slog.Warn("replicator: malformed object-version metadata kind, skipping", "kind", rec.MetaKind, "bucket", rec.Bucket)
			return nil
		}
		return store.DeleteObjectVersion(rec.Bucket, key, versionID)
	default:
		slog.Warn("replicator: metadata kind has no delete semantics, skipping", "kind", rec.MetaKind, "bucket", rec.Bucket)
		return nil
	}
}
