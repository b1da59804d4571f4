package replicator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/objectstore"
)

// NewPeer builds a Peer from one CLUSTER_NODES entry: an "http://" or
// "https://" address ships over HTTP to that node's replication
// endpoint; anything else is treated as a filesystem path to a sibling
// node's storage root (the common case for multi-node-on-one-host
// testing and for peers reachable over a shared/NFS mount).
func NewPeer(addr string) Peer {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return &httpPeer{addr: addr, client: &http.Client{Timeout: 30 * time.Second}}
	}
	return &filesystemPeer{root: addr}
}

// filesystemPeer ships by copying object bytes and sidecars directly
// into a peer's storage root, as spec.md §4.10 step 3 describes for
// peers sharing a filesystem.
type filesystemPeer struct {
	root string
}

func (p *filesystemPeer) Name() string { return "fs:" + p.root }

func (p *filesystemPeer) ShipPut(rec Record, objectBody, sidecarBody []byte) error {
	objPath := objectstore.ObjectPath(p.root, rec.Bucket, rec.Key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(objPath, objectBody, 0o644); err != nil {
		return err
	}
	if len(sidecarBody) > 0 {
		return os.WriteFile(objectstore.SidecarPath(p.root, rec.Bucket, rec.Key), sidecarBody, 0o644)
	}
	return nil
}

func (p *filesystemPeer) ShipDelete(rec Record) error {
	os.Remove(objectstore.ObjectPath(p.root, rec.Bucket, rec.Key))
	os.Remove(objectstore.SidecarPath(p.root, rec.Bucket, rec.Key))
	return nil
}

func (p *filesystemPeer) ShipCreateBucket(rec Record) error {
	return os.MkdirAll(objectstore.BucketPath(p.root, rec.Bucket), 0o755)
}

func (p *filesystemPeer) ShipDeleteBucket(rec Record) error {
	return os.RemoveAll(objectstore.BucketPath(p.root, rec.Bucket))
}

// ShipUpdateMetadata and ShipDeleteMetadata are applied through the same
// Store mutators Replicator.ApplyIncoming uses, rather than writing raw
// files here, since the peer's storage root is a full bucket tree too.
func (p *filesystemPeer) ShipUpdateMetadata(rec Record) error {
	store, err := objectstore.New(p.root)
	if err != nil {
		return err
	}
	return applyUpdateMetadataTo(store, rec)
}

func (p *filesystemPeer) ShipDeleteMetadata(rec Record) error {
	store, err := objectstore.New(p.root)
	if err != nil {
		return err
	}
	return applyDeleteMetadataTo(store, rec)
}

// httpPeer ships by POSTing to a peer node's replication receiver
// endpoint (served by cmd/bleepstore-replicator, not the main S3 API
// server -- see spec.md §4.10 step 4's "never via the public HTTP API").
type httpPeer struct {
	addr   string
	client *http.Client
}

// wireRecord is the JSON envelope posted to a peer's /_replicate endpoint.
type wireRecord struct {
	Kind      string `json:"kind"`
	NodeID    string `json:"node_id"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Object    []byte `json:"object,omitempty"`
	Sidecar   []byte `json:"sidecar,omitempty"`
	MetaKind  string `json:"meta_kind,omitempty"`
	Content   string `json:"content,omitempty"`
}

func (p *httpPeer) Name() string { return p.addr }

func (p *httpPeer) post(rec Record, objectBody, sidecarBody []byte) error {
	w := wireRecord{
		Kind: rec.Kind, NodeID: rec.NodeID, Sequence: rec.Sequence, Timestamp: rec.Timestamp,
		Bucket: rec.Bucket, Key: rec.Key, Object: objectBody, Sidecar: sidecarBody,
		MetaKind: rec.MetaKind, Content: rec.Content,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling replication record: %w", err)
	}
	resp, err := p.client.Post(strings.TrimRight(p.addr, "/")+"/_replicate", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("posting to peer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer replied with status %d", resp.StatusCode)
	}
	return nil
}

func (p *httpPeer) ShipPut(rec Record, objectBody, sidecarBody []byte) error {
	return p.post(rec, objectBody, sidecarBody)
}

func (p *httpPeer) ShipDelete(rec Record) error { return p.post(rec, nil, nil) }

func (p *httpPeer) ShipCreateBucket(rec Record) error { return p.post(rec, nil, nil) }

func (p *httpPeer) ShipDeleteBucket(rec Record) error { return p.post(rec, nil, nil) }

func (p *httpPeer) ShipUpdateMetadata(rec Record) error { return p.post(rec, nil, nil) }

func (p *httpPeer) ShipDeleteMetadata(rec Record) error { return p.post(rec, nil, nil) }

// ReceiveHandler returns an http.HandlerFunc that decodes incoming
// wireRecord posts from peer replicators and applies them via
// Replicator.ApplyIncoming. Mounted at /_replicate by
// cmd/bleepstore-replicator, entirely separate from the main S3 API
// server's routes.
func ReceiveHandler(r *Replicator) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var wr wireRecord
		if err := json.NewDecoder(req.Body).Decode(&wr); err != nil {
			http.Error(w, "malformed replication record", http.StatusBadRequest)
			return
		}
		rec := Record{
			Kind: wr.Kind, NodeID: wr.NodeID, Sequence: wr.Sequence, Timestamp: wr.Timestamp,
			Bucket: wr.Bucket, Key: wr.Key, MetaKind: wr.MetaKind, Content: wr.Content,
		}
		if err := r.ApplyIncoming(rec, wr.Object, wr.Sidecar); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
