package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/objectstore"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
type MultipartHandler struct {
	store         *objectstore.Store
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(store *objectstore.Store, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

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
	if encCfg, _ := h.store.GetBucketConfig(bucketName, "encryption"); encCfg != nil {
		encrypted = true
	}

	opts := objectstore.PutOptions{
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

	upload, err := h.store.CreateMultipartUpload(bucketName, key, opts)
	if err != nil {
		slog.Error("CreateMultipartUpload storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: upload.UploadID,
	}
	xmlutil.RenderInitiateMultipartUpload(w, result)
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// uploads a single part of a multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r, bucketName, key, q)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	upload, err := h.store.GetMultipartUpload(bucketName, uploadID)
	if err != nil {
		if err == s3err.ErrNoSuchUpload {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPart GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload.Bucket != bucketName || upload.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	part, err := h.store.PutPart(bucketName, uploadID, partNumber, r.Body)
	if err != nil {
		slog.Error("UploadPart storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID with
// an X-Amz-Copy-Source header, copying data from an existing object into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucketName, key string, q map[string][]string) {
	uploadID := getQueryValue(q, "uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(getQueryValue(q, "partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(bucketName, uploadID)
	if err != nil {
		if err == s3err.ErrNoSuchUpload {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPartCopy GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload.Bucket != bucketName || upload.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if !h.store.BucketExists(srcBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.store.GetObject(srcBucket, srcKey, "")
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		slog.Error("UploadPartCopy GetObject (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer srcObj.Body.Close()

	var partReader io.Reader = srcObj.Body
	copyRange := r.Header.Get("X-Amz-Copy-Source-Range")
	if copyRange != "" {
		start, end, rangeErr := parseRange(copyRange, srcObj.Meta.Size)
		if rangeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		if seeker, seekOK := srcObj.Body.(io.ReadSeeker); seekOK {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				slog.Error("UploadPartCopy seek error", "error", seekErr)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, srcObj.Body, start); discardErr != nil {
			slog.Error("UploadPartCopy discard error", "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		partReader = io.LimitReader(srcObj.Body, end-start+1)
	}

	part, err := h.store.PutPart(bucketName, uploadID, partNumber, partReader)
	if err != nil {
		slog.Error("UploadPartCopy storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyPartResult{
		ETag:         part.ETag,
		LastModified: xmlutil.FormatTimeS3(part.LastModified),
	}
	xmlutil.RenderCopyPartResult(w, result)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(bucketName, uploadID)
	if err != nil {
		if err == s3err.ErrNoSuchUpload {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("CompleteMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload.Bucket != bucketName || upload.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	storedParts, err := h.store.ListParts(bucketName, uploadID)
	if err != nil {
		slog.Error("CompleteMultipartUpload ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedMap := make(map[int]objectstore.PartInfo, len(storedParts))
	for _, sp := range storedParts {
		storedMap[sp.PartNumber] = sp
	}

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber

		stored, ok := storedMap[p.PartNumber]
		if !ok {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		if strings.Trim(p.ETag, `"`) != strings.Trim(stored.ETag, `"`) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
	}

	versioningEnabled := false
	if info, _ := h.store.GetBucketInfo(bucketName); info != nil {
		versioningEnabled = info.VersioningEnabled
	}

	res, err := h.store.CompleteMultipartUpload(bucketName, uploadID, partNumbers, versioningEnabled)
	if err != nil {
		slog.Error("CompleteMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     res.ETag,
	}
	xmlutil.RenderCompleteMultipartUpload(w, result)
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, freeing associated resources.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(bucketName, uploadID)
	if err != nil {
		if err == s3err.ErrNoSuchUpload {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload.Bucket != bucketName || upload.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if err := h.store.AbortMultipartUpload(bucketName, uploadID); err != nil {
		slog.Error("AbortMultipartUpload storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns a list of
// in-progress multipart uploads for the specified bucket.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if parsed, parseErr := strconv.Atoi(mu); parseErr == nil && parsed >= 0 {
			maxUploads = parsed
		}
	}

	uploads, err := h.store.ListMultipartUploads(bucketName, prefix)
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if keyMarker != "" {
		uploads = filterUploadsAfter(uploads, keyMarker, uploadIDMarker)
	}

	isTruncated := false
	if len(uploads) > maxUploads {
		uploads = uploads[:maxUploads]
		isTruncated = true
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         bucketName,
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
		IsTruncated:    isTruncated,
	}
	if isTruncated && len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}

	for _, u := range uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
			Owner:     xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
			Initiated: xmlutil.FormatTimeS3(u.Initiated),
		})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID and returns a list of
// parts that have been uploaded for the specified multipart upload.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.store.GetMultipartUpload(bucketName, uploadID)
	if err != nil {
		if err == s3err.ErrNoSuchUpload {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("ListParts GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload.Bucket != bucketName || upload.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	partNumberMarker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if parsed, parseErr := strconv.Atoi(pm); parseErr == nil {
			partNumberMarker = parsed
		}
	}
	maxParts := 1000
	if mp := q.Get("max-parts"); mp != "" {
		if parsed, parseErr := strconv.Atoi(mp); parseErr == nil && parsed >= 0 {
			maxParts = parsed
		}
	}

	parts, err := h.store.ListParts(bucketName, uploadID)
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if partNumberMarker > 0 {
		filtered := parts[:0]
		for _, p := range parts {
			if p.PartNumber > partNumberMarker {
				filtered = append(filtered, p)
			}
		}
		parts = filtered
	}

	isTruncated := false
	if len(parts) > maxParts {
		parts = parts[:maxParts]
		isTruncated = true
	}

	result := &xmlutil.ListPartsResult{
		Bucket:           bucketName,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
		IsTruncated:      isTruncated,
	}
	if isTruncated && len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}

	for _, p := range parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}

// filterUploadsAfter drops every listed upload up to and including the
// given key/upload-id marker.
func filterUploadsAfter(uploads []objectstore.UploadInfo, keyMarker, uploadIDMarker string) []objectstore.UploadInfo {
	for i, u := range uploads {
		if u.Key > keyMarker || (u.Key == keyMarker && u.UploadID > uploadIDMarker) {
			return uploads[i:]
		}
	}
	return nil
}

// getQueryValue is a helper to get a value from a url.Values map (which is
// map[string][]string).
func getQueryValue(q map[string][]string, key string) string {
	if vals, ok := q[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}
