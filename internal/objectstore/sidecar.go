package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bleepstore/bleepstore/internal/crypto"
	"github.com/bleepstore/bleepstore/internal/uid"
)

// Metadata is the JSON sidecar persisted next to every object file and
// version file.
type Metadata struct {
	Key                string            `json:"key"`
	Size               int64             `json:"size"`
	ETag               string            `json:"etag"`
	LastModified       time.Time         `json:"last_modified"`
	ContentType        string            `json:"content_type"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentLanguage    string            `json:"content_language,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	Expires            string            `json:"expires,omitempty"`
	StorageClass       string            `json:"storage_class"`
	UserMeta           map[string]string `json:"metadata,omitempty"`
	VersionID          string            `json:"version_id,omitempty"`
	Encryption         *crypto.Envelope  `json:"encryption,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	ACL                json.RawMessage   `json:"acl,omitempty"`

	// OriginSequence is a sidecar field for the WAL sequence number of the
	// node that produced a replicated write. No code in this module sets
	// or reads it: Replicator.ApplyIncoming writes the shipped sidecar as
	// received and does not compare sequence numbers.
	OriginSequence int64 `json:"origin_sequence,omitempty"`
}

// readSidecar loads and parses a sidecar file. Missing sidecars are not an
// error: callers fall back to deriving metadata from the file itself
// (invariant 1: reads tolerate a missing sidecar).
func readSidecar(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: reading sidecar %q: %w", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("objectstore: parsing sidecar %q: %w", path, err)
	}
	return &meta, nil
}

// writeSidecar persists meta to path using the write-to-temp + fsync +
// rename pattern, matching every other durable write in this package.
func writeSidecar(root, path string, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("objectstore: marshaling sidecar: %w", err)
	}
	return atomicWrite(root, path, data)
}

// atomicWrite writes data to path via a temp file in root's .tmp
// directory, fsyncs, then renames into place.
func atomicWrite(root, path string, data []byte) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}
	tmpPath := tempPath(root)
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("objectstore: creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: renaming temp file into place: %w", err)
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objectstore: creating parent directory %q: %w", dir, err)
	}
	return nil
}

// tempPath returns a unique temporary file path under root's .tmp
// directory, creating it if necessary.
func tempPath(root string) string {
	tmpDir := filepath.Join(root, ".tmp")
	os.MkdirAll(tmpDir, 0o755)
	return filepath.Join(tmpDir, "tmp-"+uid.New())
}
