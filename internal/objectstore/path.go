// Package objectstore owns a bucket's directory tree: object bytes, their
// JSON sidecars, version copies, and bucket-level config files. It merges
// what the teacher split across a storage backend and a SQL metadata
// store into a single filesystem-owning component, since every fact
// about an object here lives next to its bytes.
package objectstore

import (
	"fmt"
	"path/filepath"
)

// sidecarSuffix is appended to an object's path to name its metadata file.
const sidecarSuffix = ".metadata"

// BucketPath returns the directory for a bucket.
func BucketPath(root, bucket string) string {
	return filepath.Join(root, bucket)
}

// ObjectPath returns the path of an object's byte file.
func ObjectPath(root, bucket, key string) string {
	return filepath.Join(root, bucket, key)
}

// SidecarPath returns the path of an object's metadata sidecar.
func SidecarPath(root, bucket, key string) string {
	return ObjectPath(root, bucket, key) + sidecarSuffix
}

// VersionDir returns the directory holding all version copies of a key.
func VersionDir(root, bucket, key string) string {
	return filepath.Join(root, bucket, ".versions", key)
}

// VersionPath returns the path of a specific version's byte file.
func VersionPath(root, bucket, key, versionID string) string {
	return filepath.Join(VersionDir(root, bucket, key), versionID)
}

// VersionSidecarPath returns the path of a specific version's sidecar.
func VersionSidecarPath(root, bucket, key, versionID string) string {
	return VersionPath(root, bucket, key, versionID) + sidecarSuffix
}

// MultipartDir returns the staging directory for a single multipart upload.
func MultipartDir(root, bucket, uploadID string) string {
	return filepath.Join(root, bucket, ".multipart", uploadID)
}

// MultipartUploadMetaPath returns the path of an upload's initiation record.
func MultipartUploadMetaPath(root, bucket, uploadID string) string {
	return filepath.Join(root, bucket, ".multipart", uploadID+".upload")
}

// PartPath returns the path of a single part's byte file.
func PartPath(root, bucket, uploadID string, partNumber int) string {
	return filepath.Join(MultipartDir(root, bucket, uploadID), partName(partNumber))
}

// PartMetaPath returns the path of a single part's metadata file.
func PartMetaPath(root, bucket, uploadID string, partNumber int) string {
	return PartPath(root, bucket, uploadID, partNumber) + ".meta"
}

func partName(partNumber int) string {
	return fmt.Sprintf("part-%d", partNumber)
}

// bucketConfigPath returns the path of one of a bucket's hidden config
// files (.bucket_metadata, .policy, .encryption, .cors, .lifecycle,
// .tagging). The versioning flag is a field of .bucket_metadata; no
// separate .versioning file is written.
func bucketConfigPath(root, bucket, name string) string {
	return filepath.Join(root, bucket, name)
}

// IsHidden reports whether a directory entry name is a reserved,
// non-object filesystem entry (hidden config, sidecar, or staging area).
func IsHidden(name string) bool {
	if len(name) > 0 && name[0] == '.' {
		return true
	}
	return len(name) > len(sidecarSuffix) && name[len(name)-len(sidecarSuffix):] == sidecarSuffix
}
