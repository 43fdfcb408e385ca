package stashgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	SignatureAlgorithm = "AWS4-HMAC-SHA256"
	MaxExpiresSeconds  = 604800 // 7 days, hard service ceiling
	DateTimeFormat     = "20060102T150405Z"
	DateFormat         = "20060102"

	// Body length is unknown at presign time, so the payload hash is
	// always the sentinel value.
	unsignedPayload = "UNSIGNED-PAYLOAD"
	scopeTerminator = "aws4_request"
)

// SignerConfig holds the fixed logical constants of the signing scope.
type SignerConfig struct {
	// Region of the credential scope (e.g. "auto" for R2).
	Region string `mapstructure:"region"`
	// Service of the credential scope (e.g. "s3").
	Service string `mapstructure:"service"`
	// Endpoint overrides the account-derived base URL, e.g.
	// "http://127.0.0.1:9000". Empty means
	// "https://{accountId}.r2.cloudflarestorage.com".
	Endpoint string `mapstructure:"endpoint"`
}

// Signer produces AWS Signature V4 signed requests for an S3-compatible
// store without ever transmitting the secret key. It is pure computation
// and safe for concurrent use.
type Signer struct {
	creds   Credentials
	region  string
	service string
	scheme  string
	host    string

	// Now is the clock used for signing timestamps. Overridable in tests.
	Now func() time.Time
}

// NewSigner creates a Signer for the given credentials.
//
// Returns ErrConfig if any credential field is empty or the endpoint
// override does not parse.
func NewSigner(creds Credentials, cfg SignerConfig) (*Signer, error) {
	if !creds.Valid() {
		return nil, fmt.Errorf("new signer: missing credential fields: %w", ErrConfig)
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	service := cfg.Service
	if service == "" {
		service = "s3"
	}

	scheme := "https"
	host := creds.AccountID + ".r2.cloudflarestorage.com"
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("new signer: invalid endpoint %q: %w", cfg.Endpoint, ErrConfig)
		}
		scheme = u.Scheme
		host = u.Host
	}

	return &Signer{
		creds:   creds,
		region:  region,
		service: service,
		scheme:  scheme,
		host:    host,
		Now:     time.Now,
	}, nil
}

// Presign returns a presigned URL authorizing method on bucket/key until
// expiresSeconds from now. expiresSeconds is clamped to [1, 604800].
// subresource parameters (partNumber, uploadId, uploads, response-* ...)
// are merged into the signed query.
func (s *Signer) Presign(method, bucket, key string, expiresSeconds int, subresource url.Values) (string, error) {
	if err := validMethod(method); err != nil {
		return "", err
	}

	expires := clampExpires(expiresSeconds)
	now := s.Now().UTC()
	date := now.Format(DateFormat)
	amzDate := now.Format(DateTimeFormat)
	path := objectPath(bucket, key)

	params := url.Values{}
	params.Set("X-Amz-Algorithm", SignatureAlgorithm)
	params.Set("X-Amz-Credential", s.credentialScope(date))
	params.Set("X-Amz-Date", amzDate)
	params.Set("X-Amz-Expires", fmt.Sprintf("%d", expires))
	params.Set("X-Amz-SignedHeaders", "host")
	for k, vs := range subresource {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	canonicalQuery := canonicalQueryString(params)
	canonicalHeaders := "host:" + s.host + "\n"
	signedHeaders := "host"

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		method, path, canonicalQuery, canonicalHeaders, signedHeaders, unsignedPayload)

	signature := s.sign(canonicalRequest, now, date)

	return fmt.Sprintf("%s://%s%s?%s&X-Amz-Signature=%s",
		s.scheme, s.host, path, canonicalQuery, signature), nil
}

// SignHeaders signs a server-to-server request (create/complete/abort
// multipart) and embeds the signature in an Authorization header instead of
// the query string. The returned URL carries only the subresource query.
func (s *Signer) SignHeaders(method, bucket, key string, subresource url.Values, contentType string) (string, http.Header, error) {
	if err := validMethod(method); err != nil {
		return "", nil, err
	}

	now := s.Now().UTC()
	date := now.Format(DateFormat)
	amzDate := now.Format(DateTimeFormat)
	path := objectPath(bucket, key)
	canonicalQuery := canonicalQueryString(subresource)

	canonicalHeaders := "host:" + s.host + "\n" +
		"x-amz-content-sha256:" + unsignedPayload + "\n" +
		"x-amz-date:" + amzDate + "\n"
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		method, path, canonicalQuery, canonicalHeaders, signedHeaders, unsignedPayload)

	signature := s.sign(canonicalRequest, now, date)

	authorization := fmt.Sprintf("%s Credential=%s, SignedHeaders=%s, Signature=%s",
		SignatureAlgorithm, s.credentialScope(date), signedHeaders, signature)

	headers := http.Header{}
	headers.Set("Authorization", authorization)
	headers.Set("X-Amz-Date", amzDate)
	headers.Set("X-Amz-Content-Sha256", unsignedPayload)
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}

	reqURL := fmt.Sprintf("%s://%s%s", s.scheme, s.host, path)
	if canonicalQuery != "" {
		reqURL += "?" + canonicalQuery
	}

	return reqURL, headers, nil
}

func (s *Signer) credentialScope(date string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.creds.AccessKeyID, date, s.region, s.service, scopeTerminator)
}

// sign hashes the canonical request into the string-to-sign and signs it
// with a key freshly derived for the request's date. The derived key is
// never cached: a stale key would silently break signing across midnight.
func (s *Signer) sign(canonicalRequest string, now time.Time, date string) string {
	scope := fmt.Sprintf("%s/%s/%s/%s", date, s.region, s.service, scopeTerminator)
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		SignatureAlgorithm, now.Format(DateTimeFormat), scope, sha256Hex(canonicalRequest))

	signingKey := deriveSigningKey(s.creds.SecretAccessKey, date, s.region, s.service)
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

func validMethod(method string) error {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodHead:
		return nil
	default:
		return fmt.Errorf("unsupported method %q: %w", method, ErrInvalidInput)
	}
}

func clampExpires(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > MaxExpiresSeconds {
		return MaxExpiresSeconds
	}
	return seconds
}

// objectPath builds the path-style request path, percent-encoding each
// segment but not the separators.
func objectPath(bucket, key string) string {
	var b strings.Builder
	if bucket != "" {
		b.WriteString("/")
		b.WriteString(uriEncode(bucket, false))
	}
	for _, seg := range strings.Split(key, "/") {
		b.WriteString("/")
		b.WriteString(uriEncode(seg, false))
	}
	return b.String()
}

// canonicalQueryString percent-encodes every key and value and sorts the
// pairs lexicographically by encoded key (then encoded value).
func canonicalQueryString(params url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, pair{uriEncode(k, true), uriEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// uriEncode implements the canonical URI encoding: unreserved characters
// pass through, everything else becomes uppercase %XX. encodeSlash controls
// whether "/" is escaped (query values) or preserved (path segments).
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// deriveSigningKey runs the four-step HMAC chain seeded from the secret
// key, successively scoped by date, region, service and the terminator.
func deriveSigningKey(secretKey, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(scopeTerminator))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
