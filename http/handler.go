package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/metrics"
)

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type HandlerConfig struct {
	// IdentityHeader carries the verified caller id set by the upstream
	// gateway.
	IdentityHeader string `mapstructure:"identity_header"`
	CORS           CORSConfig
}

// Handler provides the HTTP handlers for upload planning and brokered
// downloads.
type Handler struct {
	config  HandlerConfig
	uploads *stashgate.UploadCoordinator
	broker  *stashgate.DownloadBroker
	limiter *stashgate.RateLimiter
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewHandler creates a Handler wired to its collaborators.
func NewHandler(config *HandlerConfig, uploads *stashgate.UploadCoordinator, broker *stashgate.DownloadBroker, limiter *stashgate.RateLimiter, m *metrics.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg := *config
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-User-Id"
	}
	return &Handler{
		config:  cfg,
		uploads: uploads,
		broker:  broker,
		limiter: limiter,
		metrics: m,
		log:     log,
	}
}

// Router returns the configured route tree. The download endpoint stays
// outside the identity group so emailed or shared links keep working for
// anonymous clients; everything else requires a verified caller.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	if h.config.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.CORS.AllowedOrigins,
			AllowedMethods:   h.config.CORS.AllowedMethods,
			AllowedHeaders:   h.config.CORS.AllowedHeaders,
			ExposedHeaders:   h.config.CORS.ExposedHeaders,
			AllowCredentials: h.config.CORS.AllowCredentials,
			MaxAge:           h.config.CORS.MaxAge,
		}))
	}

	r.Use(LoggingMiddleware(h.log))
	r.Use(MetricsMiddleware(h.metrics))
	r.Use(IdentityMiddleware(h.config.IdentityHeader))

	r.Get("/healthz", h.handleHealth)
	r.Get("/api/file", h.handleFile)

	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity)
		r.Post("/api/upload/init", h.handleUploadInit)
		r.Post("/api/upload/complete", h.handleUploadComplete)
		r.Post("/api/upload/abort", h.handleUploadAbort)
		r.Post("/api/items/{id}/download-url", h.handleDownloadURL)
		r.Post("/api/ratecheck", h.handleRateCheck)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type initUploadRequest struct {
	FileName    string `json:"file_name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

type initUploadResponse struct {
	stashgate.UploadPlan
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body")
		return
	}

	plan, err := h.uploads.Init(r.Context(), stashgate.UploadRequest{
		UserID:      UserID(r.Context()),
		FileName:    req.FileName,
		SizeBytes:   req.SizeBytes,
		ContentType: req.ContentType,
	})
	if err != nil {
		h.countDenied(err)
		HandleError(w, err)
		return
	}

	h.metrics.UploadsInitiated.WithLabelValues(string(plan.Mode)).Inc()
	_ = WriteJSON(w, http.StatusOK, initUploadResponse{
		UploadPlan: plan,
		ExpiresAt:  h.uploads.UploadExpiry(time.Now()).UTC(),
	})
}

type completeUploadRequest struct {
	Key      string                    `json:"key"`
	UploadID string                    `json:"upload_id"`
	Parts    []stashgate.MultipartPart `json:"parts"`
}

func (h *Handler) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body")
		return
	}

	if err := h.uploads.Complete(r.Context(), req.Key, req.UploadID, req.Parts); err != nil {
		HandleError(w, err)
		return
	}

	h.metrics.UploadsCompleted.Inc()
	_ = WriteJSON(w, http.StatusOK, map[string]string{"key": req.Key})
}

type abortUploadRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
}

func (h *Handler) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	var req abortUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body")
		return
	}

	h.uploads.Abort(r.Context(), req.Key, req.UploadID)
	h.metrics.UploadsAborted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type downloadURLRequest struct {
	StorageKey string `json:"storage_key"`
	Visibility string `json:"visibility"`
	OwnerID    string `json:"owner_id"`
	TTLMinutes int    `json:"ttl_minutes"`
}

type downloadURLResponse struct {
	stashgate.IssueResult
	URL string `json:"url"`
}

func (h *Handler) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	var req downloadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body")
		return
	}

	res, err := h.broker.Issue(r.Context(), stashgate.IssueRequest{
		ItemID:      chi.URLParam(r, "id"),
		RequesterID: UserID(r.Context()),
		StorageKey:  req.StorageKey,
		Visibility:  stashgate.Visibility(req.Visibility),
		OwnerID:     req.OwnerID,
		RequesterIP: clientAddr(r),
		TTLMinutes:  req.TTLMinutes,
	})
	if err != nil {
		h.countDenied(err)
		HandleError(w, err)
		return
	}

	h.metrics.TokensIssued.Inc()
	_ = WriteJSON(w, http.StatusOK, downloadURLResponse{
		IssueResult: res,
		URL:         fmt.Sprintf("/api/file?t=%s", res.Token),
	})
}

// handleFile redirects a valid token to a short-lived signed URL. Every
// failure mode answers the same 410 so a probing client cannot distinguish
// unknown, expired and already-used tokens.
func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	if token == "" {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Missing token")
		return
	}

	forceDownload := r.URL.Query().Get("download") == "1"
	name := r.URL.Query().Get("name")

	signed, tok, err := h.broker.Resolve(r.Context(), token, name, forceDownload)
	if err != nil {
		if errors.Is(err, stashgate.ErrNotFound) || errors.Is(err, stashgate.ErrExpired) || errors.Is(err, stashgate.ErrAlreadyUsed) {
			h.metrics.TokensResolved.WithLabelValues("rejected").Inc()
			h.log.InfoContext(r.Context(), "download link rejected", "error", err)
			WriteError(w, http.StatusGone, "link_invalid", "This download link is no longer valid")
			return
		}
		h.metrics.TokensResolved.WithLabelValues("error").Inc()
		HandleError(w, err)
		return
	}

	h.metrics.TokensResolved.WithLabelValues("ok").Inc()
	if forceDownload {
		actor := clientAddr(r)
		if actor == "" {
			actor = tok.UserID
		}
		if _, _, err := h.broker.RecordDownload(r.Context(), tok.ItemID, actor); err != nil {
			// The redirect still succeeds; only the tally is best effort.
			h.log.WarnContext(r.Context(), "record download failed", "item", tok.ItemID, "error", err)
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, signed, http.StatusFound)
}

// clientAddr returns the client host without the port, or "" when the
// remote address is unparseable.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateCheckRequest struct {
	Key           string `json:"key"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"windowSeconds"`
}

func (h *Handler) handleRateCheck(w http.ResponseWriter, r *http.Request) {
	var req rateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body")
		return
	}
	if req.Key == "" {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Missing key")
		return
	}

	decision, err := h.limiter.Check(r.Context(), "rc:"+req.Key, req.Limit, req.WindowSeconds)
	if err != nil {
		HandleError(w, err)
		return
	}
	if !decision.Allowed {
		h.metrics.RateLimitDenied.WithLabelValues("custom").Inc()
	}

	_ = WriteJSON(w, http.StatusOK, decision)
}

func (h *Handler) countDenied(err error) {
	var rateErr *stashgate.RateLimitError
	if errors.As(err, &rateErr) {
		h.metrics.RateLimitDenied.WithLabelValues(rateErr.Scope).Inc()
	}
}
