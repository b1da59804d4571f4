package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bleepstore/bleepstore/internal/errors"
)

// BucketInfo is the JSON record persisted at a bucket's .bucket_metadata
// path: everything about the bucket that isn't an object.
type BucketInfo struct {
	Name              string          `json:"name"`
	Region            string          `json:"region"`
	OwnerID           string          `json:"owner_id"`
	OwnerDisplay      string          `json:"owner_display"`
	ACL               json.RawMessage `json:"acl,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	VersioningEnabled bool            `json:"versioning_enabled"`
}

// CreateBucket creates a bucket directory and writes its info record.
// An existing bucket directory is reused and its info record is
// overwritten; callers check BucketExists first.
func (s *Store) CreateBucket(bucket string, info BucketInfo) error {
	dir := BucketPath(s.Root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objectstore: creating bucket %q: %w", bucket, err)
	}
	info.Name = bucket
	if err := s.writeBucketInfo(bucket, &info); err != nil {
		return err
	}
	if s.WAL != nil {
		s.WAL.LogCreateBucket(bucket)
	}
	return nil
}

// GetBucketInfo reads a bucket's info record, returning nil if the bucket
// does not exist.
func (s *Store) GetBucketInfo(bucket string) (*BucketInfo, error) {
	data, err := os.ReadFile(bucketConfigPath(s.Root, bucket, ".bucket_metadata"))
	if err != nil {
		if os.IsNotExist(err) {
			if s.BucketExists(bucket) {
				return &BucketInfo{Name: bucket}, nil
			}
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: reading bucket info %q: %w", bucket, err)
	}
	var info BucketInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("objectstore: parsing bucket info %q: %w", bucket, err)
	}
	return &info, nil
}

func (s *Store) writeBucketInfo(bucket string, info *BucketInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("objectstore: marshaling bucket info: %w", err)
	}
	return atomicWrite(s.Root, bucketConfigPath(s.Root, bucket, ".bucket_metadata"), data)
}

// UpdateBucketACL rewrites a bucket's stored ACL document.
func (s *Store) UpdateBucketACL(bucket string, acl json.RawMessage) error {
	info, err := s.GetBucketInfo(bucket)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.ErrNoSuchBucket
	}
	info.ACL = acl
	if err := s.writeBucketInfo(bucket, info); err != nil {
		return err
	}
	if s.WAL != nil {
		s.WAL.LogUpdateMetadata(bucket, "acl", string(acl))
	}
	return nil
}

// SetVersioning flips a bucket's versioning flag.
func (s *Store) SetVersioning(bucket string, enabled bool) error {
	info, err := s.GetBucketInfo(bucket)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.ErrNoSuchBucket
	}
	info.VersioningEnabled = enabled
	if err := s.writeBucketInfo(bucket, info); err != nil {
		return err
	}
	if s.WAL != nil {
		s.WAL.LogUpdateMetadata(bucket, "versioning", fmt.Sprintf("%t", enabled))
	}
	return nil
}

// UpdateObjectACL rewrites an object's stored ACL document in its sidecar.
func (s *Store) UpdateObjectACL(bucket, key string, acl json.RawMessage) error {
	sidecarPath := SidecarPath(s.Root, bucket, key)
	meta, err := readSidecar(sidecarPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.ErrNoSuchKey
	}
	meta.ACL = acl
	if err := writeSidecar(s.Root, sidecarPath, meta); err != nil {
		return err
	}
	if s.WAL != nil {
		s.WAL.LogUpdateMetadata(bucket, "object-acl:"+key, string(acl))
	}
	return nil
}

// UpdateObjectTags replaces an object's stored tag set in its sidecar. A
// nil map clears all tags.
func (s *Store) UpdateObjectTags(bucket, key string, tags map[string]string) error {
	sidecarPath := SidecarPath(s.Root, bucket, key)
	meta, err := readSidecar(sidecarPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.ErrNoSuchKey
	}
	meta.Tags = tags
	if err := writeSidecar(s.Root, sidecarPath, meta); err != nil {
		return err
	}
	if s.WAL != nil {
		encoded, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("objectstore: marshaling tags for WAL: %w", err)
		}
		s.WAL.LogUpdateMetadata(bucket, "object-tags:"+key, string(encoded))
	}
	return nil
}

// namedConfigs are the bucket sub-resource documents stored as opaque
// blobs alongside the bucket directory: policy, encryption, cors,
// lifecycle, and tagging configuration.
var namedConfigs = map[string]string{
	"policy":     ".policy",
	"encryption": ".encryption",
	"cors":       ".cors",
	"lifecycle":  ".lifecycle",
	"tagging":    ".tagging",
}

// GetBucketConfig reads a named sub-resource document, returning nil, nil
// if it has never been set.
func (s *Store) GetBucketConfig(bucket, name string) ([]byte, error) {
	fileName, ok := namedConfigs[name]
	if !ok {
		return nil, fmt.Errorf("objectstore: unknown bucket config %q", name)
	}
	data, err := os.ReadFile(bucketConfigPath(s.Root, bucket, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: reading bucket %s %q: %w", name, bucket, err)
	}
	return data, nil
}

// PutBucketConfig writes a named sub-resource document.
func (s *Store) PutBucketConfig(bucket, name string, data []byte) error {
	fileName, ok := namedConfigs[name]
	if !ok {
		return fmt.Errorf("objectstore: unknown bucket config %q", name)
	}
	if err := atomicWrite(s.Root, bucketConfigPath(s.Root, bucket, fileName), data); err != nil {
		return err
	}
	if s.WAL != nil {
		s.WAL.LogUpdateMetadata(bucket, name, string(data))
	}
	return nil
}

// DeleteBucketConfig removes a named sub-resource document, tolerating it
// already being absent.
func (s *Store) DeleteBucketConfig(bucket, name string) error {
	fileName, ok := namedConfigs[name]
	if !ok {
		return fmt.Errorf("objectstore: unknown bucket config %q", name)
	}
	if err := os.Remove(bucketConfigPath(s.Root, bucket, fileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: deleting bucket %s %q: %w", name, bucket, err)
	}
	if s.WAL != nil {
		s.WAL.LogDeleteMetadata(bucket, name)
	}
	return nil
}
