package s3server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3kv/s3kv/internal/logging/audit"
)

func auditEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestAuditDeniedAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authorizer = NewStaticAuthorizer("AKID", "secret")
	var buf bytes.Buffer
	srv.SetAuditLogger(audit.NewLogger(zerolog.New(&buf)))

	req := httptest.NewRequest(http.MethodGet, "/kv/a", nil)
	req.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=NOPE/20240101/us-east-1/s3/aws4_request, Signature=x")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	entries := auditEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "auth", entries[0]["event_type"])
	assert.Equal(t, "aws_sigv4", entries[0]["method"])
	assert.Equal(t, audit.ResultDenied, entries[0]["result"])
}

func TestAuditStateChanges(t *testing.T) {
	srv, _ := newTestServer(t)
	var buf bytes.Buffer
	srv.SetAuditLogger(audit.NewLogger(zerolog.New(&buf)))

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a", "x").Code)
	// Reads are not audited
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/kv/a", "").Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a?legal-hold", `<LegalHold><Status>ON</Status></LegalHold>`).Code)
	require.Equal(t, http.StatusForbidden, do(t, srv, http.MethodDelete, "/kv/a", "").Code)

	req := httptest.NewRequest(http.MethodPut, "/kv/a?retention", strings.NewReader("<Retention/>"))
	req.Header.Set("x-amz-bypass-governance-retention", "true")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	entries := auditEntries(t, &buf)
	require.Len(t, entries, 4)

	ops := make([]string, len(entries))
	for i, e := range entries {
		assert.Equal(t, "s3_op", e["event_type"])
		ops[i] = e["operation"].(string)
	}
	assert.Equal(t, []string{"PutObject", "PutObjectLegalHold", "DeleteObject", "PutObjectRetention"}, ops)

	assert.Equal(t, audit.ResultFailed, entries[2]["result"])
	assert.Equal(t, "AccessDenied", entries[2]["details"])
	assert.Contains(t, entries[3]["details"], "bypass-governance")
}

func TestMaxObjectSize(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetMaxObjectSize(4)

	w := do(t, srv, http.MethodPut, "/kv/big", "too large")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "EntityTooLarge", errorCode(t, w))

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/small", "ok").Code)

	srv.SetMaxObjectSize(0)
	assert.Equal(t, DefaultMaxObjectSize, srv.maxObjectSize)
}

func TestMaxObjectSizeXMLBody(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/kv/a", "v").Code)
	srv.SetMaxObjectSize(16)

	tagging := `<Tagging><TagSet><Tag><Key>env</Key><Value>prod</Value></Tag></TagSet></Tagging>`
	w := do(t, srv, http.MethodPut, "/kv/a?tagging", tagging)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "EntityTooLarge", errorCode(t, w))

	w = do(t, srv, http.MethodPut, "/kv/a?tagging", "<Tagging>")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MalformedXML", errorCode(t, w))
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", "anonymous"},
		{"AWS4-HMAC-SHA256 Credential=A/x", "aws_sigv4"},
		{"AWS A:sig", "aws_sigv2"},
		{"Basic dXNlcjpwYXNz", "basic"},
		{"Bearer tok", "bearer"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/kv", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, authMethod(req), tt.header)
	}
}
