package stashgate

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SingleUploadMaxBytes is the largest file sent as one presigned PUT.
	SingleUploadMaxBytes = 5 << 20
	// MinPartSizeBytes is the smallest part the store accepts except the last.
	MinPartSizeBytes = 5 << 20
	// DefaultPartSizeBytes is used when the configuration names no part size.
	DefaultPartSizeBytes = 10 << 20
	// MaxParts is the store's hard cap on parts per multipart upload.
	MaxParts = 10000
)

// UploadConfig tunes upload planning and the per-user upload quota.
type UploadConfig struct {
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Namespace string `mapstructure:"namespace"`

	// AllowedExtensions is the lowercase extension allow-list. Empty means
	// nothing is accepted.
	AllowedExtensions []string `mapstructure:"allowed_extensions" validate:"min=1"`

	// PartSizeBytes for multipart plans. Values below the store minimum are
	// raised to it; zero selects the default.
	PartSizeBytes int64 `mapstructure:"part_size_bytes"`

	// URLExpiresSeconds is the lifetime of issued upload URLs.
	URLExpiresSeconds int `mapstructure:"url_expires_seconds" validate:"min=1"`

	// UserLimit uploads per UserWindowSeconds per user. Zero disables the quota.
	UserLimit         int `mapstructure:"user_limit"`
	UserWindowSeconds int `mapstructure:"user_window_seconds"`
}

// DefaultUploadConfig returns the stock upload policy.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		Namespace:         "uploads",
		AllowedExtensions: []string{"jpg", "jpeg", "png", "gif", "webp", "mp4", "webm", "pdf"},
		PartSizeBytes:     DefaultPartSizeBytes,
		URLExpiresSeconds: 3600,
		UserLimit:         50,
		UserWindowSeconds: 3600,
	}
}

// UploadRequest describes the file a caller wants to push.
type UploadRequest struct {
	UserID      string
	FileName    string
	SizeBytes   int64
	ContentType string
}

// UploadCoordinator plans uploads and drives the multipart session calls
// that must carry server credentials. File bytes never pass through it; the
// client moves them with the presigned URLs in the plan.
type UploadCoordinator struct {
	signer  *Signer
	limiter *RateLimiter
	client  *http.Client
	cfg     UploadConfig
	log     *slog.Logger

	// NewID generates object identifiers. Overridable in tests.
	NewID func() string
}

// NewUploadCoordinator wires a coordinator. limiter may be nil when no
// per-user quota is wanted; client falls back to http.DefaultClient.
func NewUploadCoordinator(signer *Signer, limiter *RateLimiter, client *http.Client, cfg UploadConfig, log *slog.Logger) *UploadCoordinator {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.PartSizeBytes <= 0 {
		cfg.PartSizeBytes = DefaultPartSizeBytes
	}
	if cfg.PartSizeBytes < MinPartSizeBytes {
		cfg.PartSizeBytes = MinPartSizeBytes
	}
	return &UploadCoordinator{
		signer:  signer,
		limiter: limiter,
		client:  client,
		cfg:     cfg,
		log:     log,
		NewID:   uuid.NewString,
	}
}

// Init validates req and returns an UploadPlan. Files up to
// SingleUploadMaxBytes get one presigned PUT; larger files get a multipart
// session with a presigned URL per part. Validation runs before any store
// call, so a rejected extension or size costs no network round trip.
func (c *UploadCoordinator) Init(ctx context.Context, req UploadRequest) (UploadPlan, error) {
	if req.SizeBytes <= 0 {
		return UploadPlan{}, fmt.Errorf("init upload: size must be positive: %w", ErrInvalidInput)
	}
	ext := extensionOf(req.FileName)
	if !extensionAllowed(ext, c.cfg.AllowedExtensions) {
		return UploadPlan{}, fmt.Errorf("init upload: extension %q not allowed: %w", ext, ErrInvalidInput)
	}

	if c.limiter != nil && c.cfg.UserLimit > 0 && req.UserID != "" {
		d, err := c.limiter.Check(ctx, "rl:upload:"+req.UserID, c.cfg.UserLimit, c.cfg.UserWindowSeconds)
		if err != nil {
			return UploadPlan{}, fmt.Errorf("init upload: %w", err)
		}
		if !d.Allowed {
			return UploadPlan{}, &RateLimitError{Scope: "upload", ResetAtMs: d.ResetAtMs}
		}
	}

	key := buildStorageKey(c.cfg.Namespace, c.NewID(), ext)

	if req.SizeBytes <= SingleUploadMaxBytes {
		signed, err := c.signer.Presign("PUT", c.cfg.Bucket, key, c.cfg.URLExpiresSeconds, nil)
		if err != nil {
			return UploadPlan{}, fmt.Errorf("init upload: %w", err)
		}
		return UploadPlan{Key: key, Mode: ModeSingle, URL: signed}, nil
	}

	partSize := c.cfg.PartSizeBytes
	partCount := int((req.SizeBytes + partSize - 1) / partSize)
	if partCount > MaxParts {
		return UploadPlan{}, fmt.Errorf("init upload: %d parts exceeds the %d part cap: %w", partCount, MaxParts, ErrInvalidInput)
	}

	uploadID, err := c.createMultipart(ctx, key, req.ContentType)
	if err != nil {
		return UploadPlan{}, fmt.Errorf("init upload: %w", err)
	}

	partURLs := make([]string, partCount)
	for i := range partURLs {
		sub := url.Values{}
		sub.Set("partNumber", strconv.Itoa(i+1))
		sub.Set("uploadId", uploadID)
		signed, err := c.signer.Presign("PUT", c.cfg.Bucket, key, c.cfg.URLExpiresSeconds, sub)
		if err != nil {
			c.Abort(ctx, key, uploadID)
			return UploadPlan{}, fmt.Errorf("init upload: %w", err)
		}
		partURLs[i] = signed
	}

	return UploadPlan{
		Key:           key,
		Mode:          ModeMultipart,
		UploadID:      uploadID,
		PartSizeBytes: partSize,
		PartURLs:      partURLs,
	}, nil
}

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

func (c *UploadCoordinator) createMultipart(ctx context.Context, key, contentType string) (string, error) {
	sub := url.Values{}
	sub.Set("uploads", "")

	body, err := c.do(ctx, "POST", key, sub, contentType, nil, "create multipart")
	if err != nil {
		return "", err
	}

	var result initiateMultipartResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("create multipart: decode response: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("create multipart: response carried no upload id: %w", ErrUploadFailed)
	}
	return result.UploadID, nil
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// Complete stitches the uploaded parts into the final object. Parts may
// arrive in any order; they are sorted and must then form the contiguous
// sequence 1..N with an ETag each.
func (c *UploadCoordinator) Complete(ctx context.Context, key, uploadID string, parts []MultipartPart) error {
	if key == "" || uploadID == "" || len(parts) == 0 {
		return fmt.Errorf("complete upload: key, upload id and parts are required: %w", ErrInvalidInput)
	}

	sorted := make([]MultipartPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	envelope := completeMultipartUpload{Parts: make([]completedPart, len(sorted))}
	for i, p := range sorted {
		if p.PartNumber != i+1 {
			return fmt.Errorf("complete upload: parts must form 1..%d, got %d at position %d: %w",
				len(sorted), p.PartNumber, i, ErrInvalidInput)
		}
		if p.ETag == "" {
			return fmt.Errorf("complete upload: part %d has no etag: %w", p.PartNumber, ErrInvalidInput)
		}
		envelope.Parts[i] = completedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	payload, err := xml.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}

	sub := url.Values{}
	sub.Set("uploadId", uploadID)
	body, err := c.do(ctx, "POST", key, sub, "application/xml", payload, "complete multipart")
	if err != nil {
		return err
	}
	// The store can answer 200 and still report an error in the body.
	if bytes.Contains(body, []byte("<Error")) {
		return &StoreError{Op: "complete multipart", Status: http.StatusOK, Body: truncateBody(body)}
	}
	return nil
}

// Abort tears down a multipart session so orphaned parts stop accruing
// storage. It is best effort and idempotent: an already-gone session is
// success, and any other failure is logged rather than returned because the
// caller can do nothing further with it.
func (c *UploadCoordinator) Abort(ctx context.Context, key, uploadID string) {
	if key == "" || uploadID == "" {
		return
	}

	sub := url.Values{}
	sub.Set("uploadId", uploadID)
	if _, err := c.do(ctx, "DELETE", key, sub, "", nil, "abort multipart"); err != nil {
		var storeErr *StoreError
		if errors.As(err, &storeErr) && storeErr.Status == http.StatusNotFound {
			return
		}
		c.log.WarnContext(ctx, "abort multipart failed", "key", key, "error", err)
	}
}

// do signs and executes one credentialed request against the store and
// returns the response body, mapping non-2xx answers to *StoreError.
func (c *UploadCoordinator) do(ctx context.Context, method, key string, sub url.Values, contentType string, payload []byte, op string) ([]byte, error) {
	reqURL, headers, err := c.signer.SignHeaders(method, c.cfg.Bucket, key, sub, contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header = headers

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StoreError{Op: op, Status: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// UploadExpiry reports when upload URLs issued now stop working. Exposed so
// handlers can echo it to clients.
func (c *UploadCoordinator) UploadExpiry(now time.Time) time.Time {
	return now.Add(time.Duration(c.cfg.URLExpiresSeconds) * time.Second)
}
