// Package invalidation applies cache invalidation requests received from
// Kafka.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
	"github.com/sowbridge/sowbridge/pkg/kafka"
)

// Request drops the cached entries of one notice, or everything when All is
// set.
type Request struct {
	NoticeID string `json:"notice_id"`
	All      bool   `json:"all"`
	Reason   string `json:"reason,omitempty"`
}

// Invalidator is implemented by *respcache.Cache.
type Invalidator interface {
	InvalidateScope(ctx context.Context, scope string) (int64, error)
	InvalidateAll(ctx context.Context) (int64, error)
}

type Handler struct {
	cache  Invalidator
	logger *slog.Logger
}

func NewHandler(cache Invalidator) *Handler {
	return &Handler{
		cache:  cache,
		logger: slog.Default().With("component", "cache-invalidation"),
	}
}

// Apply performs req and returns the number of keys removed.
func (h *Handler) Apply(ctx context.Context, req Request) (int64, error) {
	var (
		deleted int64
		err     error
	)
	switch {
	case req.All:
		deleted, err = h.cache.InvalidateAll(ctx)
	case strings.TrimSpace(req.NoticeID) != "":
		deleted, err = h.cache.InvalidateScope(ctx, strings.TrimSpace(req.NoticeID))
	default:
		return 0, fmt.Errorf("%w: invalidation needs notice_id or all", apperrors.ErrInvalidInput)
	}
	if err != nil {
		return 0, err
	}
	h.logger.Info("cache entries invalidated",
		"notice_id", req.NoticeID,
		"all", req.All,
		"reason", req.Reason,
		"deleted", deleted,
	)
	return deleted, nil
}

// HandleMessage is a kafka.MessageHandler. Malformed messages are logged and
// acknowledged so they do not block the partition; store failures are
// returned so the message is fetched again.
func (h *Handler) HandleMessage(ctx context.Context, key, value []byte) error {
	req, err := kafka.DecodeJSON[Request](value)
	if err != nil {
		h.logger.Warn("skipping malformed invalidation message", "key", string(key), "error", err)
		return nil
	}
	if req.NoticeID == "" && !req.All {
		req.NoticeID = string(key)
	}
	if _, err := h.Apply(ctx, req); err != nil {
		if apperrors.KindOf(err) == apperrors.KindFatal {
			h.logger.Warn("skipping invalid invalidation message", "key", string(key), "error", err)
			return nil
		}
		return err
	}
	return nil
}
