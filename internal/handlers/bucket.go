// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/objectstore"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	store        *objectstore.Store
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(store *objectstore.Store, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns a list of all buckets owned by the
// authenticated sender of the request.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListBuckets()
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, name := range names {
		info, err := h.store.GetBucketInfo(name)
		if err != nil {
			slog.Error("ListBuckets GetBucketInfo error", "bucket", name, "error", err)
			continue
		}
		if info != nil && info.OwnerID != "" && info.OwnerID != h.ownerID {
			continue
		}
		created := time.Time{}
		if info != nil {
			created = info.CreatedAt
		}
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         name,
			CreationDate: xmlutil.FormatTimeS3(created),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	}

	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket} and creates a new bucket with the
// specified name.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	cannedACL := r.Header.Get("x-amz-acl")
	acp := parseCannedACL(cannedACL, h.ownerID, h.ownerDisplay)
	aclJSON := aclToJSON(acp)

	region := h.region
	if r.ContentLength > 0 || r.Header.Get("Content-Length") != "" {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB max
		if err == nil && len(body) > 0 {
			region = parseCreateBucketRegion(body, h.region)
		}
	}

	if h.store.BucketExists(bucketName) {
		existing, err := h.store.GetBucketInfo(bucketName)
		if err != nil {
			slog.Error("CreateBucket GetBucketInfo error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		if existing == nil || existing.OwnerID == "" || existing.OwnerID == h.ownerID {
			// us-east-1 behavior: return 200 OK (BucketAlreadyOwnedByYou).
			w.Header().Set("Location", "/"+bucketName)
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	info := objectstore.BucketInfo{
		Region:       region,
		OwnerID:      h.ownerID,
		OwnerDisplay: h.ownerDisplay,
		ACL:          aclJSON,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateBucket(bucketName, info); err != nil {
		slog.Error("CreateBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket} and removes the specified bucket.
// The bucket must be empty before it can be deleted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	empty, err := h.store.IsBucketEmpty(bucketName)
	if err != nil {
		slog.Error("DeleteBucket IsBucketEmpty error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !empty {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		return
	}

	if err := h.store.DeleteBucket(bucketName); err != nil {
		slog.Error("DeleteBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified bucket
// exists and is accessible.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if !h.store.BucketExists(bucketName) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := h.store.GetBucketInfo(bucketName)
	if err != nil {
		slog.Error("HeadBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if info != nil {
		w.Header().Set("x-amz-bucket-region", info.Region)
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and returns the region
// constraint for the specified bucket.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	info, ok := h.ensureBucketExists(w, r, bucketName)
	if !ok {
		return
	}

	// us-east-1 quirk: return empty LocationConstraint (effectively null).
	location := info.Region
	if location == "us-east-1" {
		location = ""
	}

	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl and returns the access control list
// for the specified bucket.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	info, ok := h.ensureBucketExists(w, r, bucketName)
	if !ok {
		return
	}

	acp := aclFromJSON(info.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	acp.Owner = xmlutil.Owner{
		ID:          h.ownerID,
		DisplayName: h.ownerDisplay,
	}

	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutBucketAcl handles PUT /{bucket}?acl and sets the access control list
// for the specified bucket.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if _, ok := h.ensureBucketExists(w, r, bucketName); !ok {
		return
	}

	var acp *xmlutil.AccessControlPolicy

	// Three mutually exclusive modes:
	// 1. Canned ACL via x-amz-acl header
	// 2. Explicit grants via x-amz-grant-* headers
	// 3. XML body
	cannedACL := r.Header.Get("x-amz-acl")
	switch {
	case cannedACL != "":
		acp = parseCannedACL(cannedACL, h.ownerID, h.ownerDisplay)
	case hasGrantHeaders(r.Header):
		acp = parseGrantHeaders(r.Header, h.ownerID, h.ownerDisplay)
	case r.ContentLength > 0:
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB max
		if readErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedACLError)
			return
		}
		acp = &xmlutil.AccessControlPolicy{}
		if xmlErr := xml.Unmarshal(body, acp); xmlErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedACLError)
			return
		}
	default:
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}

	if err := h.store.UpdateBucketACL(bucketName, aclToJSON(acp)); err != nil {
		slog.Error("PutBucketAcl update error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetBucketVersioning handles GET /{bucket}?versioning and returns the
// bucket's current versioning status.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	info, ok := h.ensureBucketExists(w, r, bucketName)
	if !ok {
		return
	}

	status := ""
	if info.VersioningEnabled {
		status = "Enabled"
	}
	xmlutil.RenderVersioningConfiguration(w, status)
}

// PutBucketVersioning handles PUT /{bucket}?versioning and toggles the
// bucket's versioning status between Enabled and Suspended.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)

	if _, ok := h.ensureBucketExists(w, r, bucketName); !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	var cfg xmlutil.VersioningConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	if err := h.store.SetVersioning(bucketName, cfg.Status == "Enabled"); err != nil {
		slog.Error("PutBucketVersioning error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// getBucketConfig is the shared implementation behind GetBucketPolicy,
// GetBucketEncryption, GetBucketCors, and GetBucketLifecycle: each stores
// and echoes back an opaque document rather than enforcing its contents,
// per the bucket sub-resource accept-and-echo behavior.
func (h *BucketHandler) getBucketConfig(w http.ResponseWriter, r *http.Request, name string, missing *s3err.S3Error) {
	bucketName := extractBucketName(r)

	if _, ok := h.ensureBucketExists(w, r, bucketName); !ok {
		return
	}

	data, err := h.store.GetBucketConfig(bucketName, name)
	if err != nil {
		slog.Error("GetBucketConfig error", "name", name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if data == nil {
		xmlutil.WriteErrorResponse(w, r, missing)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *BucketHandler) putBucketConfig(w http.ResponseWriter, r *http.Request, name string) {
	bucketName := extractBucketName(r)

	if _, ok := h.ensureBucketExists(w, r, bucketName); !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(body) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMissingRequestBodyError)
		return
	}

	if err := h.store.PutBucketConfig(bucketName, name, body); err != nil {
		slog.Error("PutBucketConfig error", "name", name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *BucketHandler) deleteBucketConfig(w http.ResponseWriter, r *http.Request, name string) {
	bucketName := extractBucketName(r)

	if _, ok := h.ensureBucketExists(w, r, bucketName); !ok {
		return
	}

	if err := h.store.DeleteBucketConfig(bucketName, name); err != nil {
		slog.Error("DeleteBucketConfig error", "name", name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBucketPolicy handles GET /{bucket}?policy.
func (h *BucketHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	h.getBucketConfig(w, r, "policy", s3err.ErrNotImplemented)
}

// PutBucketPolicy handles PUT /{bucket}?policy.
func (h *BucketHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	h.putBucketConfig(w, r, "policy")
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy.
func (h *BucketHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	h.deleteBucketConfig(w, r, "policy")
}

// GetBucketEncryption handles GET /{bucket}?encryption.
func (h *BucketHandler) GetBucketEncryption(w http.ResponseWriter, r *http.Request) {
	h.getBucketConfig(w, r, "encryption", s3err.ErrNotImplemented)
}

// PutBucketEncryption handles PUT /{bucket}?encryption.
func (h *BucketHandler) PutBucketEncryption(w http.ResponseWriter, r *http.Request) {
	h.putBucketConfig(w, r, "encryption")
}

// DeleteBucketEncryption handles DELETE /{bucket}?encryption.
func (h *BucketHandler) DeleteBucketEncryption(w http.ResponseWriter, r *http.Request) {
	h.deleteBucketConfig(w, r, "encryption")
}

// GetBucketCors handles GET /{bucket}?cors.
func (h *BucketHandler) GetBucketCors(w http.ResponseWriter, r *http.Request) {
	h.getBucketConfig(w, r, "cors", s3err.ErrNotImplemented)
}

// PutBucketCors handles PUT /{bucket}?cors.
func (h *BucketHandler) PutBucketCors(w http.ResponseWriter, r *http.Request) {
	h.putBucketConfig(w, r, "cors")
}

// DeleteBucketCors handles DELETE /{bucket}?cors.
func (h *BucketHandler) DeleteBucketCors(w http.ResponseWriter, r *http.Request) {
	h.deleteBucketConfig(w, r, "cors")
}

// GetBucketLifecycle handles GET /{bucket}?lifecycle.
func (h *BucketHandler) GetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	h.getBucketConfig(w, r, "lifecycle", s3err.ErrNotImplemented)
}

// PutBucketLifecycle handles PUT /{bucket}?lifecycle.
func (h *BucketHandler) PutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	h.putBucketConfig(w, r, "lifecycle")
}

// DeleteBucketLifecycle handles DELETE /{bucket}?lifecycle.
func (h *BucketHandler) DeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	h.deleteBucketConfig(w, r, "lifecycle")
}

// parseCreateBucketRegion parses a CreateBucketConfiguration XML body to
// extract the LocationConstraint value. Returns the default region if
// parsing fails or no LocationConstraint is specified.
func parseCreateBucketRegion(body []byte, defaultRegion string) string {
	type createBucketConfig struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	var config createBucketConfig
	if err := xml.Unmarshal(body, &config); err != nil {
		return defaultRegion
	}
	if config.LocationConstraint == "" {
		return defaultRegion
	}
	return config.LocationConstraint
}

// ensureBucketExists is a helper that checks for bucket existence and writes
// the appropriate error response if it does not exist. Returns the bucket
// info record if found.
func (h *BucketHandler) ensureBucketExists(w http.ResponseWriter, r *http.Request, bucketName string) (*objectstore.BucketInfo, bool) {
	if !h.store.BucketExists(bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return nil, false
	}
	info, err := h.store.GetBucketInfo(bucketName)
	if err != nil {
		slog.Error("ensureBucketExists error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if info == nil {
		info = &objectstore.BucketInfo{Name: bucketName}
	}
	return info, true
}
