package s3server

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/backend/fsstore"
)

func newTestServer(t *testing.T) (*Server, *fsstore.Store) {
	t.Helper()
	store, err := fsstore.New(t.TempDir(), fsstore.WithEncryptionKey([32]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "kv"))
	return New(store, AllowAllAuthorizer{}, nil), store
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Code
}

func TestCreateBucket(t *testing.T) {
	srv, store := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/other", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("x-amz-request-id"))

	_, err := store.HeadBucket(context.Background(), "other")
	require.NoError(t, err)

	w = do(t, srv, http.MethodPut, "/other", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodHead, "/other", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodHead, "/missing", "").Code)
}

func TestPutGetObject(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/kv/s3kv/a.json", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", backend.ContentTypeJSON)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	w = do(t, srv, http.MethodGet, "/kv/s3kv/a.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"x":1}`, w.Body.String())
	assert.Equal(t, backend.ContentTypeJSON, w.Header().Get("Content-Type"))
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = do(t, srv, http.MethodHead, "/kv/s3kv/a.json", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())
}

func TestGetObjectNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/kv/missing.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchKey", errorCode(t, w))

	w = do(t, srv, http.MethodGet, "/nope/missing.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchBucket", errorCode(t, w))

	w = do(t, srv, http.MethodHead, "/kv/missing.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestDeleteObject(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "kv", "a", []byte("x"), "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/kv/a", "").Code)
	_, err = store.HeadObject(ctx, "kv", "a")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	// S3 returns 204 for missing objects too
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/kv/a", "").Code)
}

func TestPutObjectAWSChunked(t *testing.T) {
	srv, store := newTestServer(t)

	body := "5;chunk-signature=abc\r\nhello\r\n6;chunk-signature=def\r\n world\r\n0;chunk-signature=ghi\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n"
	req := httptest.NewRequest(http.MethodPut, "/kv/greeting", strings.NewReader(body))
	req.Header.Set("Content-Encoding", "aws-chunked")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	got, _, err := store.GetObject(context.Background(), "kv", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestDecodeAWSChunkedMalformed(t *testing.T) {
	_, err := decodeAWSChunked([]byte("zz\r\nhello\r\n"))
	assert.Error(t, err)

	_, err = decodeAWSChunked([]byte("10\r\nshort\r\n"))
	assert.Error(t, err)

	_, err = decodeAWSChunked([]byte("no framing"))
	assert.Error(t, err)
}

func TestListObjectsV2Pagination(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	for _, key := range []string{"s3kv/a.json", "s3kv/b.json", "s3kv/c.json", "other.json"} {
		_, err := store.PutObject(ctx, "kv", key, []byte("{}"), "")
		require.NoError(t, err)
	}

	w := do(t, srv, http.MethodGet, "/kv?list-type=2&prefix=s3kv/&max-keys=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page1 ListBucketResultV2
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &page1))
	assert.True(t, page1.IsTruncated)
	assert.Equal(t, 2, page1.KeyCount)
	require.Len(t, page1.Contents, 2)
	assert.Equal(t, "s3kv/a.json", page1.Contents[0].Key)
	assert.NotEmpty(t, page1.NextContinuationToken)

	w = do(t, srv, http.MethodGet, "/kv?list-type=2&prefix=s3kv/&max-keys=2&continuation-token="+page1.NextContinuationToken, "")
	require.Equal(t, http.StatusOK, w.Code)

	var page2 ListBucketResultV2
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &page2))
	assert.False(t, page2.IsTruncated)
	require.Len(t, page2.Contents, 1)
	assert.Equal(t, "s3kv/c.json", page2.Contents[0].Key)

	_, err := time.Parse(time.RFC3339, page2.Contents[0].LastModified)
	assert.NoError(t, err)
}

func TestListObjectsV1(t *testing.T) {
	srv, store := newTestServer(t)

	_, err := store.PutObject(context.Background(), "kv", "a", []byte("x"), "")
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/kv", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListBucketResult
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Contents, 1)
	assert.Equal(t, "a", resp.Contents[0].Key)
}

func TestObjectTagging(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "kv", "a", []byte("x"), "")
	require.NoError(t, err)

	body := `<Tagging xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><TagSet><Tag><Key>env</Key><Value>dev</Value></Tag></TagSet></Tagging>`
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a?tagging", body).Code)

	w := do(t, srv, http.MethodGet, "/kv/a?tagging", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp Tagging
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.TagSet.Tags, 1)
	assert.Equal(t, XMLTag{Key: "env", Value: "dev"}, resp.TagSet.Tags[0])

	require.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/kv/a?tagging", "").Code)
	tags, err := store.GetObjectTagging(ctx, "kv", "a")
	require.NoError(t, err)
	assert.Empty(t, tags)

	w = do(t, srv, http.MethodPut, "/kv/a?tagging", "<Tagging><TagSet>")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MalformedXML", errorCode(t, w))
}

func TestObjectRetention(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "kv", "a", []byte("x"), "")
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/kv/a?retention", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchObjectLockConfiguration", errorCode(t, w))

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	body := `<Retention><Mode>GOVERNANCE</Mode><RetainUntilDate>` + until.Format(timeFormat) + `</RetainUntilDate></Retention>`
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a?retention", body).Code)

	w = do(t, srv, http.MethodGet, "/kv/a?retention", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp Retention
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "GOVERNANCE", resp.Mode)
	assert.Equal(t, until.Format(timeFormat), resp.RetainUntilDate)

	// Locked objects refuse deletion
	w = do(t, srv, http.MethodDelete, "/kv/a", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AccessDenied", errorCode(t, w))

	// Clearing requires bypass
	w = do(t, srv, http.MethodPut, "/kv/a?retention", "<Retention/>")
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPut, "/kv/a?retention", strings.NewReader("<Retention/>"))
	req.Header.Set("x-amz-bypass-governance-retention", "true")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/kv/a", "").Code)
}

func TestObjectLegalHold(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "kv", "a", []byte("x"), "")
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/kv/a?legal-hold", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp LegalHold
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "OFF", resp.Status)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a?legal-hold", "<LegalHold><Status>ON</Status></LegalHold>").Code)

	status, err := store.GetObjectLegalHold(ctx, "kv", "a")
	require.NoError(t, err)
	assert.Equal(t, backend.LegalHoldOn, status)

	w = do(t, srv, http.MethodPut, "/kv/a?legal-hold", "<LegalHold><Status>MAYBE</Status></LegalHold>")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidRequest", errorCode(t, w))
}

func TestUnsupportedMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/kv/a", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(t, srv, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestOperationName(t *testing.T) {
	tests := []struct {
		method, target, want string
	}{
		{http.MethodPut, "/b", "CreateBucket"},
		{http.MethodGet, "/b?list-type=2", "ListObjectsV2"},
		{http.MethodGet, "/b", "ListObjects"},
		{http.MethodGet, "/b/k", "GetObject"},
		{http.MethodGet, "/b/k?x-id=GetObject", "GetObject"},
		{http.MethodPut, "/b/k?tagging", "PutObjectTagging"},
		{http.MethodGet, "/b/k?retention", "GetObjectRetention"},
		{http.MethodPut, "/b/k?legal-hold", "PutObjectLegalHold"},
		{http.MethodDelete, "/b/k?retention", ""},
		{http.MethodHead, "/b/k?tagging", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
			key := ""
			if len(parts) == 2 {
				key = parts[1]
			}
			assert.Equal(t, tt.want, operationName(req, parts[0], key))
		})
	}
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func TestServerMetrics(t *testing.T) {
	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "kv"))

	metrics := InitMetrics(prometheus.NewRegistry())
	require.NotNil(t, metrics)
	srv := New(store, AllowAllAuthorizer{}, metrics)

	success := metrics.RequestsTotal.WithLabelValues("PutObject", "success")
	notFound := metrics.RequestsTotal.WithLabelValues("GetObject", "not_found")
	beforeOK, beforeMiss, beforeUp := counterValue(success), counterValue(notFound), counterValue(metrics.BytesUploaded)

	do(t, srv, http.MethodPut, "/kv/a", "hello")
	do(t, srv, http.MethodGet, "/kv/missing", "")

	assert.Equal(t, beforeOK+1, counterValue(success))
	assert.Equal(t, beforeMiss+1, counterValue(notFound))
	assert.Equal(t, beforeUp+5, counterValue(metrics.BytesUploaded))
}
