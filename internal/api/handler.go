// Package api exposes the orchestrator, the response cache and the
// idempotency guard over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/internal/invalidation"
	"github.com/sowbridge/sowbridge/internal/orchestrator"
	"github.com/sowbridge/sowbridge/internal/respcache"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
	"github.com/sowbridge/sowbridge/pkg/logger"
)

const (
	maxBodyBytes       = 1 << 20
	defaultHybridAlpha = 0.7
	defaultTopK        = 20
)

var validate = validator.New()

type Service interface {
	FetchResources(ctx context.Context, noticeID string, payload []byte) (*orchestrator.FetchResult, error)
	FetchMany(ctx context.Context, noticeIDs []string) ([]*orchestrator.FetchResult, []error, error)
	GenerateSection(ctx context.Context, req orchestrator.GenerationRequest) (*orchestrator.Section, error)
}

type CacheStats interface {
	Stats(ctx context.Context) respcache.Stats
}

type Invalidator interface {
	Apply(ctx context.Context, req invalidation.Request) (int64, error)
}

type ProcessingStats interface {
	Stats() idempotency.Stats
}

type Handler struct {
	svc         Service
	cache       CacheStats
	invalidator Invalidator
	processing  map[string]ProcessingStats
	retryAfter  time.Duration
	logger      *slog.Logger
}

// New creates a Handler. processing maps a label ("fetch", "generate") to
// the guard whose stats it reports.
func New(svc Service, cache CacheStats, invalidator Invalidator, processing map[string]ProcessingStats) *Handler {
	return &Handler{
		svc:         svc,
		cache:       cache,
		invalidator: invalidator,
		processing:  processing,
		retryAfter:  5 * time.Second,
		logger:      slog.Default().With("component", "api-handler"),
	}
}

// Resources handles GET /api/v1/opportunities/{noticeID}/resources. The
// optional source_hash query parameter identifies the source revision.
func (h *Handler) Resources(w http.ResponseWriter, r *http.Request) {
	noticeID := r.PathValue("noticeID")
	if noticeID == "" {
		h.writeError(w, http.StatusBadRequest, "notice id is required")
		return
	}
	var payload []byte
	if v := r.URL.Query().Get("source_hash"); v != "" {
		payload = []byte(v)
	}
	res, err := h.svc.FetchResources(r.Context(), noticeID, payload)
	if err != nil {
		h.writeCallError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	NoticeIDs []string `json:"notice_ids" validate:"required,min=1,max=50,dive,required"`
}

type batchItem struct {
	NoticeID string                    `json:"notice_id"`
	Result   *orchestrator.FetchResult `json:"result,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Status   int                       `json:"status"`
}

// BatchResources handles POST /api/v1/opportunities/resources.
func (h *Handler) BatchResources(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, errs, err := h.svc.FetchMany(r.Context(), req.NoticeIDs)
	if err != nil {
		h.writeCallError(w, r, err)
		return
	}
	items := make([]batchItem, len(req.NoticeIDs))
	for i, id := range req.NoticeIDs {
		items[i] = batchItem{NoticeID: id, Result: results[i], Status: http.StatusOK}
		if errs[i] != nil {
			items[i].Error = errs[i].Error()
			items[i].Status = apperrors.HTTPStatusCode(errs[i])
			items[i].Result = nil
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": items, "count": len(items)})
}

// Section handles POST /api/v1/proposals/sections. Omitted hybrid_alpha and
// top_k take the service defaults.
func (h *Handler) Section(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.GenerationRequest{HybridAlpha: defaultHybridAlpha, TopK: defaultTopK}
	if !h.decode(w, r, &req) {
		return
	}
	start := time.Now()
	sec, err := h.svc.GenerateSection(r.Context(), req)
	if err != nil {
		h.writeCallError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("section served",
		"notice_id", req.NoticeID,
		"cached", sec.Cached,
		"reused", sec.Reused,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, sec)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

type invalidateRequest struct {
	NoticeID string `json:"notice_id" validate:"required_without=All,max=128"`
	All      bool   `json:"all"`
}

// CacheInvalidate handles POST /api/v1/cache/invalidate with either a
// notice_id or "all": true.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	deleted, err := h.invalidator.Apply(r.Context(), invalidation.Request{
		NoticeID: req.NoticeID,
		All:      req.All,
		Reason:   "api",
	})
	if err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) ProcessingStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]idempotency.Stats, len(h.processing))
	for name, src := range h.processing {
		out[name] = src.Stats()
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			h.writeError(w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeCallError maps err to a status. Retryable failures get a Retry-After
// hint.
func (h *Handler) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "status", status, "kind", apperrors.KindOf(err).String(), "error", err)
	} else {
		log.Info("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err).String(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
