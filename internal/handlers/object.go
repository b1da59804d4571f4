// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/objectstore"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	store        *objectstore.Store
	ownerID      string
	ownerDisplay string
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(store *objectstore.Store, ownerID, ownerDisplay string) *ObjectHandler {
	return &ObjectHandler{
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

// versioningEnabled reports whether the given bucket currently has
// versioning enabled, treating a missing bucket as not versioned.
func (h *ObjectHandler) versioningEnabled(bucket string) bool {
	info, err := h.store.GetBucketInfo(bucket)
	if err != nil || info == nil {
		return false
	}
	return info.VersioningEnabled
}

// putOptionsFromRequest builds a PutOptions from the standard S3 upload
// headers (Content-Type, content-negotiation headers, x-amz-meta-*, ACL,
// and the bucket's encryption setting).
func (h *ObjectHandler) putOptionsFromRequest(r *http.Request, bucket string) objectstore.PutOptions {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	cannedACL := r.Header.Get("x-amz-acl")
	var aclJSON json.RawMessage
	if cannedACL != "" {
		aclJSON = aclToJSON(parseCannedACL(cannedACL, h.ownerID, h.ownerDisplay))
	} else {
		aclJSON = defaultPrivateACL(h.ownerID, h.ownerDisplay)
	}

	encrypted := false
	if encCfg, _ := h.store.GetBucketConfig(bucket, "encryption"); encCfg != nil {
		encrypted = true
	}

	return objectstore.PutOptions{
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		UserMeta:           extractUserMetadata(r),
		ACL:                aclJSON,
		Encrypt:            encrypted,
	}
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket. Follows crash-only design: writes to a temp file,
// fsyncs, and renames atomically into place.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}
	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	opts := h.putOptionsFromRequest(r, bucketName)

	res, err := h.store.PutObject(bucketName, key, r.Body, opts, h.versioningEnabled(bucketName))
	if err != nil {
		if err == s3err.ErrQuotaExceeded {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrQuotaExceeded)
			return
		}
		log.Printf("PutObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", res.ETag)
	if res.VersionID != "" {
		w.Header().Set("x-amz-version-id", res.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data
// and metadata from the specified bucket. Supports range requests (Range
// header), conditional requests, and ?versionId.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	obj, err := h.store.GetObject(bucketName, key, versionID)
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("GetObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer obj.Body.Close()
	objMeta := &obj.Meta

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, objMeta.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", objMeta.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if seeker, ok := obj.Body.(io.ReadSeeker); ok {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				log.Printf("GetObject seek error: %v", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, obj.Body, start); discardErr != nil {
			log.Printf("GetObject discard error: %v", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		rangeLen := end - start + 1

		setObjectResponseHeaders(w, objMeta)
		applyResponseOverrides(w, r)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, objMeta.Size))
		w.WriteHeader(http.StatusPartialContent)

		io.CopyN(w, obj.Body, rangeLen)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	applyResponseOverrides(w, r)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, obj.Body)
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object
// metadata without the object body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	if !h.store.BucketExists(bucketName) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	objMeta, err := h.store.HeadObject(bucketName, key, versionID)
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		log.Printf("HeadObject storage error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, objMeta.ETag, objMeta.LastModified); skip {
		w.Header().Set("ETag", objMeta.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(objMeta.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, objMeta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object} and, with a ?versionId
// parameter, DELETE /{bucket}/{object}?versionId removing one specific
// version instead of the current object. Idempotent: deleting a
// non-existent object or version returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if versionID != "" && versionID != "null" {
		if err := h.store.DeleteObjectVersion(bucketName, key, versionID); err != nil {
			log.Printf("DeleteObject storage error: %v", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		w.Header().Set("x-amz-version-id", versionID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.store.DeleteObject(bucketName, key); err != nil {
		log.Printf("DeleteObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete and performs a multi-object
// delete operation. The request body contains an XML list of keys to
// delete.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		log.Printf("DeleteObjects XML parse error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}

	for _, obj := range deleteReq.Objects {
		if err := h.store.DeleteObject(bucketName, obj.Key); err != nil {
			log.Printf("DeleteObjects storage error for key %q: %v", obj.Key, err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}

		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source
// header, copying an object from one location to another. Supports
// x-amz-metadata-directive: COPY (default, copy source metadata) or
// REPLACE (use request headers).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	srcVersionID := ""
	if idx := strings.IndexByte(srcKey, '?'); idx >= 0 {
		if q, err := url.ParseQuery(srcKey[idx+1:]); err == nil {
			srcVersionID = q.Get("versionId")
		}
		srcKey = srcKey[:idx]
	}

	if !h.store.BucketExists(dstBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	if !h.store.BucketExists(srcBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcMeta, err := h.store.HeadObject(srcBucket, srcKey, srcVersionID)
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("CopyObject HeadObject (src) error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if proceed, condErr := checkCopySourceConditionals(r, srcMeta.ETag, srcMeta.LastModified); !proceed {
		xmlutil.WriteErrorResponse(w, r, condErr)
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	replace := directive == "REPLACE"

	opts := h.putOptionsFromRequest(r, dstBucket)

	res, err := h.store.CopyObject(srcBucket, srcKey, srcVersionID, dstBucket, dstKey, replace, opts, h.versioningEnabled(dstBucket))
	if err != nil {
		if err == s3err.ErrQuotaExceeded {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrQuotaExceeded)
			return
		}
		log.Printf("CopyObject storage error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(time.Now().UTC()),
		ETag:         res.ETag,
	}
	xmlutil.RenderCopyObject(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 and returns a listing of
// objects in the bucket using the V2 API format.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	objects, prefixes, err := h.store.ListObjects(bucketName, prefix, delimiter)
	if err != nil {
		log.Printf("ListObjectsV2 ListObjects error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	after := startAfter
	if continuationToken != "" {
		after = continuationToken
	}
	if after != "" {
		objects = filterObjectsAfter(objects, after)
	}

	isTruncated := false
	if len(objects) > maxKeys {
		objects = objects[:maxKeys]
		isTruncated = true
	}

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		Delimiter:    delimiter,
		StartAfter:   startAfter,
		MaxKeys:      maxKeys,
		KeyCount:     len(objects),
		IsTruncated:  isTruncated,
		EncodingType: encodingType,
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if isTruncated && len(objects) > 0 {
		result.NextContinuationToken = objects[len(objects)-1].Key
	}

	for _, obj := range objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(obj.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range prefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(p, encodingType),
		})
	}

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket} and returns a listing of objects in
// the bucket using the V1 API format.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	objects, prefixes, err := h.store.ListObjects(bucketName, prefix, delimiter)
	if err != nil {
		log.Printf("ListObjects ListObjects error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if marker != "" {
		objects = filterObjectsAfter(objects, marker)
	}

	isTruncated := false
	if len(objects) > maxKeys {
		objects = objects[:maxKeys]
		isTruncated = true
	}

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		Delimiter:   delimiter,
		MaxKeys:     maxKeys,
		IsTruncated: isTruncated,
	}
	if isTruncated && len(objects) > 0 {
		result.NextMarker = objects[len(objects)-1].Key
	}

	for _, obj := range objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          obj.Key,
			LastModified: xmlutil.FormatTimeS3(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range prefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: p})
	}

	xmlutil.RenderListObjects(w, result)
}

// ListObjectVersions handles GET /{bucket}?versions and lists every
// version of every key in the bucket, newest first within a key.
func (h *ObjectHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()
	prefix := q.Get("prefix")

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	versions, err := h.store.ListObjectVersions(bucketName, prefix)
	if err != nil {
		log.Printf("ListObjectVersions error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListVersionsResult{
		Name:            bucketName,
		Prefix:          prefix,
		KeyMarker:       q.Get("key-marker"),
		VersionIDMarker: q.Get("version-id-marker"),
		MaxKeys:         1000,
	}
	for _, v := range versions {
		result.Versions = append(result.Versions, xmlutil.ObjectVersion{
			Key:          v.Key,
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: xmlutil.FormatTimeS3(v.LastModified),
			ETag:         v.ETag,
			Size:         v.Size,
			StorageClass: "STANDARD",
		})
	}

	xmlutil.RenderListVersions(w, result)
}

// GetObjectAcl handles GET /{bucket}/{object}?acl and returns the access
// control list for the specified object.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	objMeta, err := h.store.HeadObject(bucketName, key, "")
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("GetObjectAcl error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	acp := aclFromJSON(objMeta.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}

	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutObjectAcl handles PUT /{bucket}/{object}?acl and sets the access
// control list for the specified object.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	exists, err := h.store.ObjectExists(bucketName, key)
	if err != nil {
		log.Printf("PutObjectAcl ObjectExists error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	var acp *xmlutil.AccessControlPolicy

	cannedACL := r.Header.Get("x-amz-acl")
	switch {
	case cannedACL != "":
		acp = parseCannedACL(cannedACL, h.ownerID, h.ownerDisplay)
	case hasGrantHeaders(r.Header):
		acp = parseGrantHeaders(r.Header, h.ownerID, h.ownerDisplay)
	case r.ContentLength > 0:
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB max
		if readErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		acp = &xmlutil.AccessControlPolicy{}
		if xmlErr := xml.Unmarshal(body, acp); xmlErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
	default:
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}

	if err := h.store.UpdateObjectACL(bucketName, key, aclToJSON(acp)); err != nil {
		log.Printf("PutObjectAcl update error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetObjectTagging handles GET /{bucket}/{object}?tagging and returns the
// tag set stored in the object's sidecar.
func (h *ObjectHandler) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	objMeta, err := h.store.HeadObject(bucketName, key, "")
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("GetObjectTagging error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderTagging(w, objMeta.Tags)
}

// PutObjectTagging handles PUT /{bucket}/{object}?tagging and replaces the
// tag set stored in the object's sidecar.
func (h *ObjectHandler) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	var tagging xmlutil.Tagging
	if err := xml.Unmarshal(body, &tagging); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	tags := make(map[string]string, len(tagging.TagSet))
	for _, t := range tagging.TagSet {
		tags[t.Key] = t.Value
	}

	if err := h.store.UpdateObjectTags(bucketName, key, tags); err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("PutObjectTagging error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging handles DELETE /{bucket}/{object}?tagging and
// clears the tag set stored in the object's sidecar.
func (h *ObjectHandler) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if err := h.store.UpdateObjectTags(bucketName, key, nil); err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		log.Printf("DeleteObjectTagging error: %v", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// filterObjectsAfter drops every listed object up to and including the
// given marker key, matching S3's exclusive marker/start-after semantics.
func filterObjectsAfter(objects []objectstore.ListedObject, marker string) []objectstore.ListedObject {
	for i, obj := range objects {
		if obj.Key > marker {
			return objects[i:]
		}
	}
	return nil
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
