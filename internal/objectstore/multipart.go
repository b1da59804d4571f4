package objectstore

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/errors"
	"github.com/google/uuid"
)

// UploadInfo is the initiation record for a multipart upload, persisted at
// MultipartUploadMetaPath so an in-progress upload survives a restart.
type UploadInfo struct {
	UploadID  string      `json:"upload_id"`
	Bucket    string      `json:"bucket"`
	Key       string      `json:"key"`
	Opts      PutOptions  `json:"opts"`
	Initiated time.Time   `json:"initiated"`
}

// PartInfo is the metadata recorded alongside a staged part's bytes.
type PartInfo struct {
	PartNumber   int       `json:"part_number"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// CreateMultipartUpload allocates a new upload ID and persists its
// initiation record.
func (s *Store) CreateMultipartUpload(bucket, key string, opts PutOptions) (*UploadInfo, error) {
	info := &UploadInfo{
		UploadID:  uuid.New().String(),
		Bucket:    bucket,
		Key:       key,
		Opts:      opts,
		Initiated: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("objectstore: marshaling upload record: %w", err)
	}
	if err := atomicWrite(s.Root, MultipartUploadMetaPath(s.Root, bucket, info.UploadID), data); err != nil {
		return nil, err
	}
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return info, nil
}

// GetMultipartUpload loads an upload's initiation record.
func (s *Store) GetMultipartUpload(bucket, uploadID string) (*UploadInfo, error) {
	data, err := os.ReadFile(MultipartUploadMetaPath(s.Root, bucket, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNoSuchUpload
		}
		return nil, fmt.Errorf("objectstore: reading upload record %q: %w", uploadID, err)
	}
	var info UploadInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("objectstore: parsing upload record %q: %w", uploadID, err)
	}
	return &info, nil
}

// PutPart stages a single part's bytes under the upload's staging
// directory and records its MD5-derived ETag.
func (s *Store) PutPart(bucket, uploadID string, partNumber int, r io.Reader) (*PartInfo, error) {
	h := md5.New()
	tee := io.TeeReader(r, h)
	data, err := io.ReadAll(tee)
	if err != nil {
		return nil, fmt.Errorf("objectstore: reading part %d: %w", partNumber, err)
	}
	if err := atomicWrite(s.Root, PartPath(s.Root, bucket, uploadID, partNumber), data); err != nil {
		return nil, err
	}

	info := &PartInfo{
		PartNumber:   partNumber,
		ETag:         fmt.Sprintf(`"%x"`, h.Sum(nil)),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
	}
	metaData, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("objectstore: marshaling part metadata: %w", err)
	}
	if err := atomicWrite(s.Root, PartMetaPath(s.Root, bucket, uploadID, partNumber), metaData); err != nil {
		return nil, err
	}
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return info, nil
}

// ListParts returns every staged part for an upload, sorted by part number.
func (s *Store) ListParts(bucket, uploadID string) ([]PartInfo, error) {
	dir := MultipartDir(s.Root, bucket, uploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: listing parts for upload %q: %w", uploadID, err)
	}

	var parts []PartInfo
	for _, e := range entries {
		name := e.Name()
		if len(name) < 5 || name[len(name)-5:] != ".meta" {
			continue
		}
		data, err := os.ReadFile(dir + string(os.PathSeparator) + name)
		if err != nil {
			continue
		}
		var info PartInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		parts = append(parts, info)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return parts, nil
}

// CompleteMultipartUpload concatenates the given parts in order into the
// final object, computing the composite ETag
// hex(md5(concat(part_md5_bytes)))-partCount, then cleans up staging and
// the initiation record.
func (s *Store) CompleteMultipartUpload(bucket, uploadID string, partNumbers []int, versioningEnabled bool) (*Result, error) {
	info, err := s.GetMultipartUpload(bucket, uploadID)
	if err != nil {
		return nil, err
	}

	compositeMD5 := md5.New()
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		for _, pn := range partNumbers {
			partPath := PartPath(s.Root, bucket, uploadID, pn)
			partFile, err := os.Open(partPath)
			if err != nil {
				errCh <- fmt.Errorf("objectstore: opening part %d: %w", pn, err)
				return
			}
			partHash := md5.New()
			tee := io.TeeReader(partFile, partHash)
			if _, err := io.Copy(pw, tee); err != nil {
				partFile.Close()
				errCh <- fmt.Errorf("objectstore: copying part %d: %w", pn, err)
				return
			}
			partFile.Close()
			compositeMD5.Write(partHash.Sum(nil))
		}
		errCh <- nil
	}()

	res, putErr := s.PutObject(bucket, info.Key, pr, info.Opts, versioningEnabled)
	if assembleErr := <-errCh; assembleErr != nil {
		return nil, assembleErr
	}
	if putErr != nil {
		return nil, putErr
	}

	res.ETag = fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))
	// Rewrite the sidecar with the composite ETag since PutObject computed
	// a plain MD5 of the assembled bytes, which S3 clients do not expect
	// for multipart objects.
	meta, err := readSidecar(SidecarPath(s.Root, bucket, info.Key))
	if err == nil && meta != nil {
		meta.ETag = res.ETag
		writeSidecar(s.Root, SidecarPath(s.Root, bucket, info.Key), meta)
	}

	if err := s.discardMultipartStaging(bucket, uploadID); err != nil {
		return nil, err
	}
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return res, nil
}

// ListMultipartUploads returns every in-progress upload in a bucket whose
// key starts with prefix, sorted by key then initiation time.
func (s *Store) ListMultipartUploads(bucket, prefix string) ([]UploadInfo, error) {
	dir := filepath.Join(BucketPath(s.Root, bucket), ".multipart")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: listing uploads for bucket %q: %w", bucket, err)
	}

	var uploads []UploadInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".upload") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var info UploadInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if prefix != "" && !strings.HasPrefix(info.Key, prefix) {
			continue
		}
		uploads = append(uploads, info)
	}

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].Initiated.Before(uploads[j].Initiated)
	})
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return uploads, nil
}

// AbortMultipartUpload discards all staged parts and the initiation record.
func (s *Store) AbortMultipartUpload(bucket, uploadID string) error {
	if err := s.discardMultipartStaging(bucket, uploadID); err != nil {
		return err
	}
	if s.Quota != nil {
		s.Quota.RecordOp(bucket, "multipart")
	}
	return nil
}

// discardMultipartStaging removes an upload's staged parts and initiation
// record without recording a stats operation, so CompleteMultipartUpload's
// cleanup call doesn't double-count against AbortMultipartUpload's own
// "multipart" counter.
func (s *Store) discardMultipartStaging(bucket, uploadID string) error {
	dir := MultipartDir(s.Root, bucket, uploadID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("objectstore: removing staging directory for upload %q: %w", uploadID, err)
	}
	if err := os.Remove(MultipartUploadMetaPath(s.Root, bucket, uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: removing upload record %q: %w", uploadID, err)
	}
	return nil
}
