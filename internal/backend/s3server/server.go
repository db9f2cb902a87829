// Package s3server exposes an fsstore.Store over the S3 REST API, path-style.
//
// It implements the subset of the API the key-value layer talks to: bucket
// create/head, ListObjects (V1 and V2), object get/put/head/delete, and the
// tagging, retention and legal-hold subresources. Any S3 client configured
// for path-style addressing can use it, including aws-sdk-go-v2.
package s3server

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/backend/fsstore"
	"github.com/s3kv/s3kv/internal/logging/audit"
)

// DefaultMaxObjectSize caps a single PUT body unless SetMaxObjectSize is called.
const DefaultMaxObjectSize int64 = 256 << 20

// timeFormat is the ISO 8601 form S3 uses in XML bodies.
const timeFormat = "2006-01-02T15:04:05.000Z"

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the S3 error code of the response.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	code        string
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts a response to a metric status label.
func classifyStatus(httpStatus int, code string) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case code == "AccessDenied":
		return "access_denied"
	default:
		return "error"
	}
}

// Server provides an S3-compatible HTTP interface over a Store.
type Server struct {
	store         *fsstore.Store
	authorizer    Authorizer
	metrics       *Metrics
	audit         *audit.Logger
	maxObjectSize int64
}

// New creates a new S3 server.
// If metrics is nil, metrics will not be recorded.
func New(store *fsstore.Store, authorizer Authorizer, metrics *Metrics) *Server {
	return &Server{
		store:      store,
		authorizer:    authorizer,
		metrics:       metrics,
		maxObjectSize: DefaultMaxObjectSize,
	}
}

// SetAuditLogger records auth decisions and state-changing requests to l.
func (s *Server) SetAuditLogger(l *audit.Logger) {
	s.audit = l
}

// SetMaxObjectSize caps request bodies at n bytes. Values below 1 restore
// DefaultMaxObjectSize.
func (s *Server) SetMaxObjectSize(n int64) {
	if n < 1 {
		n = DefaultMaxObjectSize
	}
	s.maxObjectSize = n
}

// auditedOps are the requests that change stored data or its protection.
var auditedOps = map[string]bool{
	"PutObject":          true,
	"DeleteObject":       true,
	"PutObjectRetention": true,
	"PutObjectLegalHold": true,
}

// Handler returns the HTTP handler for S3 requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// handleRequest authorizes, routes and records every request.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	rec.Header().Set("x-amz-request-id", uuid.NewString())

	// Path format: /{bucket} or /{bucket}/{key...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	op := operationName(r, bucket, key)
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest(op, classifyStatus(rec.getStatus(), rec.code), time.Since(startTime).Seconds())
		}
	}()

	log.Debug().
		Str("method", r.Method).
		Str("op", op).
		Str("bucket", bucket).
		Str("key", key).
		Msg("S3 request")

	if op == "" {
		s.writeError(rec, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
		return
	}

	user, err := s.authorizer.AuthorizeRequest(r, bucket, key)
	if err != nil {
		s.audit.LogAuth("", authMethod(r), audit.ResultDenied, err.Error(), r.RemoteAddr)
		s.handleAuthError(rec, err)
		return
	}
	if auditedOps[op] {
		defer func() {
			result, details := audit.ResultAllowed, ""
			if status := rec.getStatus(); status >= 300 {
				result, details = audit.ResultFailed, rec.code
			}
			if op == "PutObjectRetention" && r.Header.Get("x-amz-bypass-governance-retention") != "" {
				details = strings.TrimSpace(details + " bypass-governance")
			}
			s.audit.LogS3Op(user, op, bucket, key, result, details, r.RemoteAddr)
		}()
	}

	switch op {
	case "CreateBucket":
		s.createBucket(rec, r, bucket)
	case "HeadBucket":
		s.headBucket(rec, r, bucket)
	case "ListObjects", "ListObjectsV2":
		s.listObjects(rec, r, bucket, op == "ListObjectsV2")
	case "GetObject":
		s.getObject(rec, r, bucket, key)
	case "PutObject":
		s.putObject(rec, r, bucket, key)
	case "HeadObject":
		s.headObject(rec, r, bucket, key)
	case "DeleteObject":
		s.deleteObject(rec, r, bucket, key)
	case "GetObjectTagging":
		s.getObjectTagging(rec, r, bucket, key)
	case "PutObjectTagging", "DeleteObjectTagging":
		s.putObjectTagging(rec, r, bucket, key, op == "DeleteObjectTagging")
	case "GetObjectRetention":
		s.getObjectRetention(rec, r, bucket, key)
	case "PutObjectRetention":
		s.putObjectRetention(rec, r, bucket, key)
	case "GetObjectLegalHold":
		s.getObjectLegalHold(rec, r, bucket, key)
	case "PutObjectLegalHold":
		s.putObjectLegalHold(rec, r, bucket, key)
	}
}

// operationName maps a request to its S3 operation, or "" if unsupported.
func operationName(r *http.Request, bucket, key string) string {
	if bucket == "" {
		return ""
	}
	q := r.URL.Query()

	if key == "" {
		switch r.Method {
		case http.MethodPut:
			return "CreateBucket"
		case http.MethodHead:
			return "HeadBucket"
		case http.MethodGet:
			if q.Get("list-type") == "2" {
				return "ListObjectsV2"
			}
			return "ListObjects"
		}
		return ""
	}

	var sub string
	switch {
	case q.Has("tagging"):
		sub = "Tagging"
	case q.Has("retention"):
		sub = "Retention"
	case q.Has("legal-hold"):
		sub = "LegalHold"
	}

	switch r.Method {
	case http.MethodGet:
		return "GetObject" + sub
	case http.MethodPut:
		return "PutObject" + sub
	case http.MethodHead:
		if sub == "" {
			return "HeadObject"
		}
	case http.MethodDelete:
		if sub == "" || sub == "Tagging" {
			return "DeleteObject" + sub
		}
	}
	return ""
}

// createBucket handles PUT /{bucket}.
func (s *Server) createBucket(w *statusRecorder, r *http.Request, bucket string) {
	if err := s.store.CreateBucket(r.Context(), bucket); err != nil {
		if errors.Is(err, fsstore.ErrBucketExists) {
			s.writeError(w, http.StatusConflict, "BucketAlreadyOwnedByYou", "Bucket already exists")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// headBucket handles HEAD /{bucket}.
func (s *Server) headBucket(w *statusRecorder, r *http.Request, bucket string) {
	if _, err := s.store.HeadBucket(r.Context(), bucket); err != nil {
		if errors.Is(err, backend.ErrBucketNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// listObjects handles GET /{bucket} and GET /{bucket}?list-type=2.
func (s *Server) listObjects(w *statusRecorder, r *http.Request, bucket string, v2 bool) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	maxKeys := backend.DefaultPageSize
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed > 0 && parsed <= backend.DefaultPageSize {
			maxKeys = parsed
		}
	}

	marker := q.Get("marker")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	if v2 {
		// continuation-token takes precedence over start-after
		marker = startAfter
		if continuationToken != "" {
			marker = continuationToken
		}
	}

	objects, isTruncated, nextMarker, err := s.store.ListObjects(r.Context(), bucket, prefix, marker, maxKeys)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	contents := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		contents = append(contents, ObjectInfo{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC().Format(timeFormat),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}

	if !v2 {
		s.writeXML(w, http.StatusOK, ListBucketResult{
			Name:        bucket,
			Prefix:      prefix,
			Marker:      marker,
			MaxKeys:     maxKeys,
			IsTruncated: isTruncated,
			NextMarker:  nextMarker,
			Contents:    contents,
		})
		return
	}

	s.writeXML(w, http.StatusOK, ListBucketResultV2{
		Name:                  bucket,
		Prefix:                prefix,
		StartAfter:            startAfter,
		ContinuationToken:     continuationToken,
		MaxKeys:               maxKeys,
		KeyCount:              len(contents),
		IsTruncated:           isTruncated,
		NextContinuationToken: nextMarker,
		Contents:              contents,
	})
}

// getObject handles GET /{bucket}/{key}.
func (s *Server) getObject(w *statusRecorder, r *http.Request, bucket, key string) {
	body, meta, err := s.store.GetObject(r.Context(), bucket, key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	setObjectHeaders(w, meta)
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(body)
	if err != nil {
		log.Error().Err(err).Msg("failed to write object body")
	}
	if s.metrics != nil && n > 0 {
		s.metrics.RecordDownload(int64(n))
	}
}

// putObject handles PUT /{bucket}/{key}.
func (s *Server) putObject(w *statusRecorder, r *http.Request, bucket, key string) {
	body, err := s.readBody(w, r)
	if err != nil {
		if !s.writeTooLarge(w, err) {
			s.writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		}
		return
	}

	meta, err := s.store.PutObject(r.Context(), bucket, key, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("ETag", meta.ETag)
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil && meta.Size > 0 {
		s.metrics.RecordUpload(meta.Size)
	}
}

// headObject handles HEAD /{bucket}/{key}.
func (s *Server) headObject(w *statusRecorder, r *http.Request, bucket, key string) {
	meta, err := s.store.HeadObject(r.Context(), bucket, key)
	if err != nil {
		// HEAD responses carry no body
		switch {
		case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrBucketNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, backend.ErrAccessDenied):
			w.code = "AccessDenied"
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	setObjectHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

// deleteObject handles DELETE /{bucket}/{key}.
func (s *Server) deleteObject(w *statusRecorder, r *http.Request, bucket, key string) {
	if err := s.store.DeleteObject(r.Context(), bucket, key); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getObjectTagging handles GET /{bucket}/{key}?tagging.
func (s *Server) getObjectTagging(w *statusRecorder, r *http.Request, bucket, key string) {
	tags, err := s.store.GetObjectTagging(r.Context(), bucket, key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := Tagging{}
	for _, t := range tags {
		resp.TagSet.Tags = append(resp.TagSet.Tags, XMLTag(t))
	}
	s.writeXML(w, http.StatusOK, resp)
}

// putObjectTagging handles PUT and DELETE /{bucket}/{key}?tagging.
func (s *Server) putObjectTagging(w *statusRecorder, r *http.Request, bucket, key string, remove bool) {
	var tags backend.TagSet
	if !remove {
		var req Tagging
		if !s.decodeXML(w, r, &req) {
			return
		}
		for _, t := range req.TagSet.Tags {
			tags = append(tags, backend.Tag(t))
		}
	}

	if err := s.store.PutObjectTagging(r.Context(), bucket, key, tags); err != nil {
		s.writeStoreError(w, err)
		return
	}

	if remove {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getObjectRetention handles GET /{bucket}/{key}?retention.
func (s *Server) getObjectRetention(w *statusRecorder, r *http.Request, bucket, key string) {
	retention, err := s.store.GetObjectRetention(r.Context(), bucket, key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if retention == nil {
		s.writeError(w, http.StatusNotFound, "NoSuchObjectLockConfiguration", "The specified object does not have a ObjectLock configuration")
		return
	}

	s.writeXML(w, http.StatusOK, Retention{
		Mode:            string(retention.Mode),
		RetainUntilDate: retention.RetainUntil.UTC().Format(timeFormat),
	})
}

// putObjectRetention handles PUT /{bucket}/{key}?retention.
func (s *Server) putObjectRetention(w *statusRecorder, r *http.Request, bucket, key string) {
	var req Retention
	if !s.decodeXML(w, r, &req) {
		return
	}

	var retention *backend.Retention
	if req.Mode != "" {
		until, err := time.Parse(time.RFC3339Nano, req.RetainUntilDate)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid RetainUntilDate")
			return
		}
		retention = &backend.Retention{Mode: backend.RetentionMode(req.Mode), RetainUntil: until}
	}

	bypass, _ := strconv.ParseBool(r.Header.Get("x-amz-bypass-governance-retention"))
	if err := s.store.PutObjectRetention(r.Context(), bucket, key, retention, bypass); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getObjectLegalHold handles GET /{bucket}/{key}?legal-hold.
func (s *Server) getObjectLegalHold(w *statusRecorder, r *http.Request, bucket, key string) {
	status, err := s.store.GetObjectLegalHold(r.Context(), bucket, key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeXML(w, http.StatusOK, LegalHold{Status: string(status)})
}

// putObjectLegalHold handles PUT /{bucket}/{key}?legal-hold.
func (s *Server) putObjectLegalHold(w *statusRecorder, r *http.Request, bucket, key string) {
	var req LegalHold
	if !s.decodeXML(w, r, &req) {
		return
	}

	if err := s.store.PutObjectLegalHold(r.Context(), bucket, key, backend.LegalHoldStatus(req.Status)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func setObjectHeaders(w http.ResponseWriter, meta *fsstore.ObjectMeta) {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("ETag", meta.ETag)
	w.Header().Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
}

// readBody reads a request body, decoding aws-chunked framing when present.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxObjectSize))
	if err != nil {
		return nil, err
	}
	if isAWSChunked(r) {
		return decodeAWSChunked(data)
	}
	return data, nil
}

func isAWSChunked(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
		strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-")
}

// decodeAWSChunked strips aws-chunked framing:
//
//	<hex size>[;chunk-signature=...]\r\n<data>\r\n ... 0[;...]\r\n[trailers]\r\n
func decodeAWSChunked(data []byte) ([]byte, error) {
	var out bytes.Buffer
	for {
		line, rest, ok := bytes.Cut(data, []byte("\r\n"))
		if !ok {
			return nil, fmt.Errorf("malformed aws-chunked body: missing chunk header")
		}
		sizeField, _, _ := bytes.Cut(line, []byte(";"))
		size, err := strconv.ParseInt(strings.TrimSpace(string(sizeField)), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed aws-chunked body: invalid chunk size %q", sizeField)
		}
		if size == 0 {
			// Trailers (checksums) follow; nothing left to decode
			return out.Bytes(), nil
		}
		if int64(len(rest)) < size+2 {
			return nil, fmt.Errorf("malformed aws-chunked body: short chunk")
		}
		out.Write(rest[:size])
		data = rest[size+2:]
	}
}

// writeTooLarge writes EntityTooLarge when err came from the body size limit.
func (s *Server) writeTooLarge(w *statusRecorder, err error) bool {
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		return false
	}
	s.writeError(w, http.StatusRequestEntityTooLarge, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size")
	return true
}

// decodeXML reads and decodes an XML request body. An oversized body gets
// EntityTooLarge; anything else that fails gets MalformedXML.
func (s *Server) decodeXML(w *statusRecorder, r *http.Request, v any) bool {
	body, err := s.readBody(w, r)
	if err != nil && s.writeTooLarge(w, err) {
		return false
	}
	if err == nil {
		err = xml.Unmarshal(body, v)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed")
		return false
	}
	return true
}

// writeStoreError maps store errors to S3 error responses.
func (s *Server) writeStoreError(w *statusRecorder, err error) {
	switch {
	case errors.Is(err, backend.ErrBucketNotFound):
		s.writeError(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
	case errors.Is(err, backend.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist")
	case errors.Is(err, backend.ErrAccessDenied):
		s.writeError(w, http.StatusForbidden, "AccessDenied", err.Error())
	case errors.Is(err, backend.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	default:
		log.Error().Err(err).Msg("S3 request failed")
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// handleAuthError writes the appropriate error response for auth errors.
func (s *Server) handleAuthError(w *statusRecorder, err error) {
	if errors.Is(err, ErrAccessDenied) {
		s.writeError(w, http.StatusForbidden, "AccessDenied", "Access denied")
		return
	}
	s.writeError(w, http.StatusForbidden, "InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records")
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w *statusRecorder, status int, code, message string) {
	w.code = code
	s.writeXML(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get("x-amz-request-id"),
	})
}

// writeXML writes an XML response.
func (s *Server) writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	_, _ = io.WriteString(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode XML response")
	}
}
