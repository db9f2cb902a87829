package s3server

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrAccessDenied is returned by authorizers that reject a request.
var ErrAccessDenied = errors.New("access denied")

// Authorizer authenticates S3 requests.
type Authorizer interface {
	// AuthorizeRequest returns the caller's access key if the request may
	// proceed, or an error if not.
	AuthorizeRequest(r *http.Request, bucket, objectKey string) (accessKey string, err error)
}

// StaticAuthorizer accepts requests carrying one of a fixed set of access keys.
//
// Signatures are not verified for SigV4 requests; the server is a local
// development backend and the check only guards against misconfigured
// clients. Basic auth passwords are compared against the secret.
type StaticAuthorizer struct {
	secrets map[string]string // access key -> secret key
}

// NewStaticAuthorizer creates an authorizer for a single credential pair.
func NewStaticAuthorizer(accessKey, secretKey string) *StaticAuthorizer {
	return &StaticAuthorizer{secrets: map[string]string{accessKey: secretKey}}
}

// Add registers another credential pair.
func (a *StaticAuthorizer) Add(accessKey, secretKey string) {
	a.secrets[accessKey] = secretKey
}

// AuthorizeRequest checks the access key in the Authorization header.
func (a *StaticAuthorizer) AuthorizeRequest(r *http.Request, bucket, objectKey string) (string, error) {
	accessKey, _ := parseAuthHeader(r.Header.Get("Authorization"))
	if accessKey == "" {
		// Try Basic auth for simple clients
		user, password, ok := r.BasicAuth()
		if !ok {
			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("S3 access denied: no credentials")
			return "", ErrAccessDenied
		}
		secret, known := a.secrets[user]
		if !known || !hmac.Equal([]byte(secret), []byte(password)) {
			log.Info().Str("access_key", user[:min(8, len(user))]).Msg("S3 access denied: invalid password")
			return "", ErrAccessDenied
		}
		return user, nil
	}

	if _, ok := a.secrets[accessKey]; !ok {
		log.Info().Str("access_key", accessKey[:min(8, len(accessKey))]).Msg("S3 access denied: unknown access key")
		return "", ErrAccessDenied
	}
	return accessKey, nil
}

// parseAuthHeader parses an AWS-style Authorization header.
// Supports:
// - "AWS4-HMAC-SHA256 Credential=ACCESS_KEY/..."
// - "AWS ACCESS_KEY:SIGNATURE"
// - "Bearer ACCESS_KEY"
func parseAuthHeader(header string) (accessKey, signature string) {
	authType, params, ok := strings.Cut(header, " ")
	if !ok {
		return "", ""
	}

	switch strings.ToUpper(authType) {
	case "AWS4-HMAC-SHA256":
		// Credential=ACCESS_KEY/date/region/s3/aws4_request, SignedHeaders=..., Signature=...
		for _, field := range strings.Split(params, ",") {
			field = strings.TrimSpace(field)
			if cred, found := strings.CutPrefix(field, "Credential="); found {
				if idx := strings.Index(cred, "/"); idx > 0 {
					accessKey = cred[:idx]
				}
			}
			if sig, found := strings.CutPrefix(field, "Signature="); found {
				signature = sig
			}
		}
		return accessKey, signature

	case "AWS":
		// Legacy AWS Signature V2: ACCESS_KEY:SIGNATURE
		key, sig, _ := strings.Cut(params, ":")
		return key, sig

	case "BEARER":
		return params, ""

	default:
		return "", ""
	}
}

// AllowAllAuthorizer allows every request.
type AllowAllAuthorizer struct{}

// AuthorizeRequest always allows the request.
func (AllowAllAuthorizer) AuthorizeRequest(r *http.Request, bucket, objectKey string) (string, error) {
	accessKey, _ := parseAuthHeader(r.Header.Get("Authorization"))
	return accessKey, nil
}

// authMethod names the credential scheme a request used, for audit events.
func authMethod(r *http.Request) string {
	authType, _, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	switch strings.ToUpper(authType) {
	case "AWS4-HMAC-SHA256":
		return "aws_sigv4"
	case "AWS":
		return "aws_sigv2"
	case "BEARER":
		return "bearer"
	case "BASIC":
		return "basic"
	case "":
		return "anonymous"
	default:
		return strings.ToLower(authType)
	}
}
