package objectstore

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/crypto"
	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/google/uuid"
)

// QuotaChecker is consulted before a PUT to enforce a bucket's byte quota.
// It is satisfied by *quota.Manager; defined here to avoid a dependency
// cycle between objectstore and quota.
type QuotaChecker interface {
	CheckAndReserve(bucket string, additionalBytes int64) bool
	Release(bucket string, size int64, count int)
	Record(bucket string, size int64, count int)
	RecordOp(bucket, op string)
}

// WALWriter receives fire-and-forget notifications of mutations. It is
// satisfied by *wal.Writer.
type WALWriter interface {
	LogPut(bucket, key string, size int64, etag string)
	LogDelete(bucket, key string)
	LogCreateBucket(bucket string)
	LogDeleteBucket(bucket string)
	LogUpdateMetadata(bucket, kind, content string)
	LogDeleteMetadata(bucket, kind string)
}

// Store owns a filesystem tree rooted at Root: bucket directories, object
// bytes, their JSON sidecars, version copies, and multipart staging areas.
type Store struct {
	Root  string
	Quota QuotaChecker // nil disables quota enforcement
	WAL   WALWriter    // nil disables WAL logging
}

// New creates a Store rooted at root, creating the root and its .tmp
// staging directory if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: creating root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: creating temp directory: %w", err)
	}
	return &Store{Root: root}, nil
}

// CleanTempFiles removes leftover temp files from a previous crash.
func (s *Store) CleanTempFiles() error {
	tmpDir := filepath.Join(s.Root, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("objectstore: reading temp directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
	return nil
}

// PutOptions controls how a PUT writes object bytes and its sidecar.
type PutOptions struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	UserMeta           map[string]string
	ACL                json.RawMessage
	Encrypt            bool // bucket has server-side encryption enabled
}

// Result summarizes a completed PUT.
type Result struct {
	ETag      string
	Size      int64
	VersionID string // "" if versioning is not enabled on the bucket
}

// PutObject writes plaintext from r as the object bytes at bucket/key,
// transparently sealing it with AES-256-GCM when opts.Encrypt is set, and
// writes the adjacent sidecar. When versioning is enabled it also writes
// a copy under .versions/<key>/<vid>.
func (s *Store) PutObject(bucket, key string, r io.Reader, opts PutOptions, versioningEnabled bool) (*Result, error) {
	if strings.HasSuffix(key, "/") {
		return s.putDirectory(bucket, key)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: reading request body: %w", err)
	}

	if s.Quota != nil && !s.Quota.CheckAndReserve(bucket, int64(len(plaintext))) {
		return nil, errors.ErrQuotaExceeded
	}

	sum := md5.Sum(plaintext)
	etag := fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:]))

	payload := plaintext
	var envelope *crypto.Envelope
	if opts.Encrypt {
		ciphertext, env, err := crypto.Seal(plaintext)
		if err != nil {
			return nil, fmt.Errorf("objectstore: sealing object: %w", err)
		}
		payload = ciphertext
		envelope = &env
	}

	meta := &Metadata{
		Key:                key,
		Size:               int64(len(payload)),
		ETag:               etag,
		LastModified:       time.Now().UTC(),
		ContentType:        opts.ContentType,
		ContentEncoding:    opts.ContentEncoding,
		ContentLanguage:    opts.ContentLanguage,
		ContentDisposition: opts.ContentDisposition,
		CacheControl:       opts.CacheControl,
		Expires:            opts.Expires,
		StorageClass:       "STANDARD",
		UserMeta:           opts.UserMeta,
		ACL:                opts.ACL,
		Encryption:         envelope,
	}

	objPath := ObjectPath(s.Root, bucket, key)
	if err := atomicWrite(s.Root, objPath, payload); err != nil {
		return nil, err
	}

	var versionID string
	if versioningEnabled {
		versionID = uuid.New().String()
		meta.VersionID = versionID
		if err := atomicWrite(s.Root, VersionPath(s.Root, bucket, key, versionID), payload); err != nil {
			return nil, err
		}
		if err := writeSidecar(s.Root, VersionSidecarPath(s.Root, bucket, key, versionID), meta); err != nil {
			return nil, err
		}
	}

	if err := writeSidecar(s.Root, SidecarPath(s.Root, bucket, key), meta); err != nil {
		return nil, err
	}

	if s.WAL != nil {
		s.WAL.LogPut(bucket, key, meta.Size, etag)
	}
	if s.Quota != nil {
		s.Quota.Record(bucket, int64(len(payload)), 1)
		s.Quota.RecordOp(bucket, "put")
	}

	return &Result{ETag: etag, Size: int64(len(plaintext)), VersionID: versionID}, nil
}

func (s *Store) putDirectory(bucket, key string) (*Result, error) {
	dirPath := ObjectPath(s.Root, bucket, key)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: creating directory object %q: %w", key, err)
	}
	sum := md5.Sum(nil)
	etag := fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:]))
	return &Result{ETag: etag, Size: 0}, nil
}

// Object is the plaintext bytes and resolved metadata returned by GetObject.
type Object struct {
	Body io.ReadCloser
	Meta Metadata
}

// GetObject opens bucket/key (or, if versionID is non-empty and not
// "null", a specific version) and transparently decrypts it if the
// sidecar carries an encryption envelope. Missing sidecars are tolerated
// per invariant 1: ETag, LastModified, and ContentType are derived from
// the file itself.
func (s *Store) GetObject(bucket, key, versionID string) (*Object, error) {
	obj, err := s.getObject(bucket, key, versionID)
	if err == nil && s.Quota != nil {
		s.Quota.RecordOp(bucket, "get")
	}
	return obj, err
}

func (s *Store) getObject(bucket, key, versionID string) (*Object, error) {
	objPath := ObjectPath(s.Root, bucket, key)
	sidecarPath := SidecarPath(s.Root, bucket, key)
	if versionID != "" && versionID != "null" {
		objPath = VersionPath(s.Root, bucket, key, versionID)
		sidecarPath = VersionSidecarPath(s.Root, bucket, key, versionID)
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNoSuchKey
		}
		return nil, fmt.Errorf("objectstore: stat %q: %w", objPath, err)
	}
	if info.IsDir() {
		return nil, errors.ErrNoSuchKey
	}

	raw, err := os.ReadFile(objPath)
	if err != nil {
		return nil, fmt.Errorf("objectstore: reading object %q: %w", objPath, err)
	}

	meta, err := readSidecar(sidecarPath)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		sum := md5.Sum(raw)
		meta = &Metadata{
			Key:          key,
			Size:         info.Size(),
			ETag:         fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:])),
			LastModified: info.ModTime().UTC(),
			ContentType:  "application/octet-stream",
		}
	}

	plaintext := raw
	if meta.Encryption != nil {
		plaintext, err = crypto.Open(raw, *meta.Encryption)
		if err != nil {
			return nil, fmt.Errorf("objectstore: decrypting object %q: %w", key, err)
		}
	}

	return &Object{Body: io.NopCloser(bytes.NewReader(plaintext)), Meta: *meta}, nil
}

// HeadObject returns an object's metadata. It goes through getObject, so
// the object body is read (and decrypted) and then discarded.
func (s *Store) HeadObject(bucket, key, versionID string) (*Metadata, error) {
	obj, err := s.getObject(bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	obj.Body.Close()
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "head")
	}
	return &obj.Meta, nil
}

// DeleteObject removes bucket/key and its sidecar. Idempotent: deleting a
// non-existent key is not an error, matching S3 semantics.
func (s *Store) DeleteObject(bucket, key string) error {
	objPath := ObjectPath(s.Root, bucket, key)

	info, statErr := os.Stat(objPath)
	var size int64
	existed := statErr == nil
	if existed {
		size = info.Size()
	}

	if info != nil && info.IsDir() {
		if err := os.RemoveAll(objPath); err != nil {
			return fmt.Errorf("objectstore: removing directory object %q: %w", key, err)
		}
	} else {
		if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("objectstore: removing object %q: %w", key, err)
		}
		os.Remove(SidecarPath(s.Root, bucket, key))
	}

	cleanEmptyParents(filepath.Dir(objPath), BucketPath(s.Root, bucket))

	if s.WAL != nil {
		s.WAL.LogDelete(bucket, key)
	}
	if s.Quota != nil {
		if existed {
			s.Quota.Release(bucket, size, 1)
		}
		s.Quota.RecordOp(bucket, "delete")
	}
	return nil
}

// DeleteObjectVersion removes one specific version of bucket/key from
// .versions/<key>/<vid>, leaving the current (unversioned) object and any
// other versions untouched. Idempotent: deleting a non-existent version is
// not an error.
func (s *Store) DeleteObjectVersion(bucket, key, versionID string) error {
	versionPath := VersionPath(s.Root, bucket, key, versionID)

	info, statErr := os.Stat(versionPath)
	var size int64
	existed := statErr == nil
	if existed {
		size = info.Size()
	}

	if err := os.Remove(versionPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: removing version %q of %q: %w", versionID, key, err)
	}
	os.Remove(VersionSidecarPath(s.Root, bucket, key, versionID))

	cleanEmptyParents(filepath.Dir(versionPath), BucketPath(s.Root, bucket))

	if s.WAL != nil {
		// DELETE has no versionID field in its wire grammar, so a
		// version-specific delete rides as a DELETE_METADATA record with a
		// prefixed kind, the same convention object-acl:/object-tags: use
		// for per-object sub-resources.
		s.WAL.LogDeleteMetadata(bucket, "object-version:"+key+":"+versionID)
	}
	if s.Quota != nil {
		if existed {
			s.Quota.Release(bucket, size, 1)
		}
		s.Quota.RecordOp(bucket, "delete")
	}
	return nil
}

// CopyObject copies srcBucket/srcKey (optionally a specific version) to
// dstBucket/dstKey. When directiveReplace is false, replace's content
// headers and user metadata are ignored in favor of the source object's.
func (s *Store) CopyObject(srcBucket, srcKey, srcVersionID, dstBucket, dstKey string, directiveReplace bool, replace PutOptions, versioningEnabled bool) (*Result, error) {
	src, err := s.GetObject(srcBucket, srcKey, srcVersionID)
	if err != nil {
		return nil, err
	}
	defer src.Body.Close()

	opts := replace
	if !directiveReplace {
		opts = PutOptions{
			ContentType:        src.Meta.ContentType,
			ContentEncoding:    src.Meta.ContentEncoding,
			ContentLanguage:    src.Meta.ContentLanguage,
			ContentDisposition: src.Meta.ContentDisposition,
			CacheControl:       src.Meta.CacheControl,
			Expires:            src.Meta.Expires,
			UserMeta:           src.Meta.UserMeta,
			ACL:                src.Meta.ACL,
			Encrypt:            replace.Encrypt,
		}
	}

	return s.PutObject(dstBucket, dstKey, src.Body, opts, versioningEnabled)
}

// ObjectExists reports whether bucket/key names a regular file.
func (s *Store) ObjectExists(bucket, key string) (bool, error) {
	info, err := os.Stat(ObjectPath(s.Root, bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: checking existence of %q: %w", key, err)
	}
	return !info.IsDir(), nil
}

// ListedObject is a single entry returned by ListObjects.
type ListedObject struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListObjects walks the bucket subtree under prefix, returning objects
// sorted lexicographically by key, plus the set of common prefixes
// produced by collapsing keys that share a segment up to delimiter.
func (s *Store) ListObjects(bucket, prefix, delimiter string) ([]ListedObject, []string, error) {
	bucketDir := BucketPath(s.Root, bucket)
	var objects []ListedObject
	prefixSet := make(map[string]bool)

	err := filepath.WalkDir(bucketDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == bucketDir {
			return nil
		}
		rel, relErr := filepath.Rel(bucketDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		base := filepath.Base(path)
		if IsHidden(base) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}

		if delimiter != "" {
			afterPrefix := rel[len(prefix):]
			if idx := strings.Index(afterPrefix, delimiter); idx >= 0 {
				cp := prefix + afterPrefix[:idx+len(delimiter)]
				prefixSet[cp] = true
				return nil
			}
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		meta, _ := readSidecar(path + sidecarSuffix)
		etag := ""
		lastModified := info.ModTime().UTC()
		if meta != nil {
			etag = meta.ETag
			lastModified = meta.LastModified
		}
		objects = append(objects, ListedObject{
			Key:          rel,
			Size:         info.Size(),
			ETag:         etag,
			LastModified: lastModified,
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: listing bucket %q: %w", bucket, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	prefixes := make([]string, 0, len(prefixSet))
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "list")
	}

	return objects, prefixes, nil
}

// DeleteBucket removes an empty bucket directory (hidden config files are
// ignored for emptiness; IsBucketEmpty must be checked by the caller).
func (s *Store) DeleteBucket(bucket string) error {
	if err := os.RemoveAll(BucketPath(s.Root, bucket)); err != nil {
		return fmt.Errorf("objectstore: removing bucket %q: %w", bucket, err)
	}
	if s.WAL != nil {
		s.WAL.LogDeleteBucket(bucket)
	}
	return nil
}

// BucketExists reports whether a bucket directory exists.
func (s *Store) BucketExists(bucket string) bool {
	info, err := os.Stat(BucketPath(s.Root, bucket))
	return err == nil && info.IsDir()
}

// IsBucketEmpty reports whether a bucket contains no user objects. Hidden
// config files and staging directories do not count.
func (s *Store) IsBucketEmpty(bucket string) (bool, error) {
	empty := true
	err := filepath.WalkDir(BucketPath(s.Root, bucket), func(path string, d os.DirEntry, err error) error {
		if err != nil || path == BucketPath(s.Root, bucket) {
			return err
		}
		base := filepath.Base(path)
		if IsHidden(base) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			empty = false
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("objectstore: checking bucket %q emptiness: %w", bucket, err)
	}
	return empty, nil
}

// ListBuckets returns the names of every bucket directory under the root.
func (s *Store) ListBuckets() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("objectstore: listing buckets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !IsHidden(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// VersionEntry is a single entry returned by ListObjectVersions.
type VersionEntry struct {
	Key          string
	VersionID    string
	IsLatest     bool
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListObjectVersions walks a bucket's .versions tree under prefix,
// returning every version of every key sorted by key ascending, newest
// version first within a key.
func (s *Store) ListObjectVersions(bucket, prefix string) ([]VersionEntry, error) {
	versionsRoot := filepath.Join(BucketPath(s.Root, bucket), ".versions")
	var out []VersionEntry

	err := filepath.WalkDir(versionsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == versionsRoot || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(versionsRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, sidecarSuffix) {
			return nil
		}

		key := filepath.Dir(rel)
		versionID := filepath.Base(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		entry := VersionEntry{
			Key:          key,
			VersionID:    versionID,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		}
		if meta, _ := readSidecar(path + sidecarSuffix); meta != nil {
			entry.ETag = meta.ETag
			entry.LastModified = meta.LastModified
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: listing versions of bucket %q: %w", bucket, err)
	}

	currentVersion := make(map[string]string)
	for i := range out {
		if _, ok := currentVersion[out[i].Key]; ok {
			continue
		}
		if meta, _ := readSidecar(SidecarPath(s.Root, bucket, out[i].Key)); meta != nil {
			currentVersion[out[i].Key] = meta.VersionID
		}
	}
	for i := range out {
		out[i].IsLatest = out[i].VersionID == currentVersion[out[i].Key]
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].LastModified.After(out[j].LastModified)
	})

	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "list")
	}

	return out, nil
}

// cleanEmptyParents removes empty directories from dir upward, stopping
// at (and never removing) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

