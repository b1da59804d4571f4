// Package server implements the BleepStore HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/config"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/handlers"
	"github.com/bleepstore/bleepstore/internal/objectstore"
	"github.com/bleepstore/bleepstore/internal/policy"
	"github.com/bleepstore/bleepstore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the BleepStore HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      *objectstore.Store
	creds      *auth.CredentialStore
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStore sets the object store for the server.
func WithStore(store *objectstore.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithCredentialStore sets the SigV4 credential store for the server.
func WithCredentialStore(creds *auth.CredentialStore) ServerOption {
	return func(s *Server) {
		s.creds = creds
	}
}

// New creates a new Server with the given configuration and wires up all
// S3-compatible routes on the Chi router with Huma API. Use ServerOption
// functions to provide the object store and credential store.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	ownerID := cfg.Auth.AccessKey
	ownerDisplay := cfg.Auth.AccessKey
	region := cfg.Server.Region

	if s.creds != nil {
		s.verifier = auth.NewSigV4Verifier(s.creds, region)
	}

	maxObjectSize := cfg.Server.MaxObjectSize
	s.bucket = handlers.NewBucketHandler(s.store, ownerID, ownerDisplay, region)
	s.object = handlers.NewObjectHandler(s.store, ownerID, ownerDisplay)
	s.multi = handlers.NewMultipartHandler(s.store, ownerID, ownerDisplay, maxObjectSize)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// Middleware chain: metricsMiddleware -> commonHeaders -> transferEncodingCheck ->
// auth.Middleware (when a verifier is set) -> metadataHeaderMiddleware -> policyMiddleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = s.policyMiddleware(handler)
	// Rewrite x-amz-meta-* headers to lowercase (wraps the policy check and router).
	handler = metadataHeaderMiddleware(handler)
	// Wrap with auth middleware if a verifier is available.
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the BleepStore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Register /metrics via promhttp.Handler().
	s.router.Handle("/metrics", promhttp.Handler())

	// S3 catch-all: all remaining requests go through the dispatch function.
	// Chi matches more specific routes (health, docs, metrics, openapi) first,
	// then falls through to the catch-all.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// requestAction derives a coarse s3:* action name from the method, path
// shape, and query string, for bucket policy evaluation.
func requestAction(method string, hasKey bool, q map[string][]string) string {
	has := func(name string) bool { _, ok := q[name]; return ok }
	switch method {
	case http.MethodGet:
		switch {
		case has("acl"):
			return "s3:GetBucketAcl"
		case has("policy"):
			return "s3:GetBucketPolicy"
		case has("versions"), has("versioning"):
			return "s3:GetBucketVersioning"
		case hasKey:
			return "s3:GetObject"
		default:
			return "s3:ListBucket"
		}
	case http.MethodPut:
		switch {
		case has("acl"):
			return "s3:PutObjectAcl"
		case has("policy"):
			return "s3:PutBucketPolicy"
		case hasKey:
			return "s3:PutObject"
		default:
			return "s3:CreateBucket"
		}
	case http.MethodDelete:
		if hasKey {
			return "s3:DeleteObject"
		}
		return "s3:DeleteBucket"
	case http.MethodPost:
		if has("uploads") || has("uploadId") {
			return "s3:PutObject"
		}
		return "s3:DeleteObject"
	default:
		return "s3:GetObject"
	}
}

// policyMiddleware denies requests a bucket's stored policy document does
// not allow: an explicit Deny, or no matching statement at all. A bucket
// with no stored policy is unaffected: ownership alone still governs
// access (see internal/policy).
func (s *Server) policyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		bucket, key := parsePath(r.URL.Path)
		if bucket == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := s.store.GetBucketConfig(bucket, "policy")
		if err != nil || raw == nil {
			next.ServeHTTP(w, r)
			return
		}
		doc, err := policy.Parse(raw)
		if err != nil {
			slog.Warn("ignoring malformed bucket policy", "bucket", bucket, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		principal, _ := auth.OwnerFromContext(r.Context())
		resource := "arn:aws:s3:::" + bucket
		if key != "" {
			resource += "/" + key
		}

		req := policy.Request{
			Action:    requestAction(r.Method, key != "", r.URL.Query()),
			Resource:  resource,
			Principal: principal,
			ClientIP:  auth.ClientIPFromContext(r.Context()),
		}
		if !policy.Evaluate(doc, req) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				s.multi.UploadPart(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			case q.Has("acl"):
				s.object.PutObjectAcl(w, r)
			case q.Has("tagging"):
				s.object.PutObjectTagging(w, r)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			switch {
			case q.Has("acl"):
				s.object.GetObjectAcl(w, r)
			case q.Has("tagging"):
				s.object.GetObjectTagging(w, r)
			case q.Has("uploadId"):
				s.multi.ListParts(w, r)
			default:
				s.object.GetObject(w, r)
			}
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			switch {
			case q.Has("uploadId"):
				s.multi.AbortMultipartUpload(w, r)
			case q.Has("tagging"):
				s.object.DeleteObjectTagging(w, r)
			case q.Has("versionId"):
				// DeleteObject itself reads versionId and removes that
				// specific .versions/<key>/<vid> entry instead of the
				// current object.
				s.object.DeleteObject(w, r)
			default:
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("acl"):
			s.bucket.PutBucketAcl(w, r)
		case q.Has("versioning"):
			s.bucket.PutBucketVersioning(w, r)
		case q.Has("policy"):
			s.bucket.PutBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.PutBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.PutBucketCors(w, r)
		case q.Has("lifecycle"):
			s.bucket.PutBucketLifecycle(w, r)
		default:
			s.bucket.CreateBucket(w, r)
		}
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("acl"):
			s.bucket.GetBucketAcl(w, r)
		case q.Has("versioning"):
			s.bucket.GetBucketVersioning(w, r)
		case q.Has("policy"):
			s.bucket.GetBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.GetBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.GetBucketCors(w, r)
		case q.Has("lifecycle"):
			s.bucket.GetBucketLifecycle(w, r)
		case q.Has("versions"):
			s.object.ListObjectVersions(w, r)
		case q.Has("uploads"):
			s.multi.ListMultipartUploads(w, r)
		case q.Has("list-type"):
			s.object.ListObjectsV2(w, r)
		default:
			s.object.ListObjects(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		switch {
		case q.Has("policy"):
			s.bucket.DeleteBucketPolicy(w, r)
		case q.Has("encryption"):
			s.bucket.DeleteBucketEncryption(w, r)
		case q.Has("cors"):
			s.bucket.DeleteBucketCors(w, r)
		case q.Has("lifecycle"):
			s.bucket.DeleteBucketLifecycle(w, r)
		default:
			s.bucket.DeleteBucket(w, r)
		}
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
