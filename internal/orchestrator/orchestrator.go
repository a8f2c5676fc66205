// Package orchestrator runs the two units of work the service offers:
// fetching a notice's resource links and generating a proposal section. Each
// runs under the idempotency guard; generation is also memoized in the
// response cache.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/sowbridge/sowbridge/internal/events"
	"github.com/sowbridge/sowbridge/internal/generation"
	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/internal/respcache"
	"github.com/sowbridge/sowbridge/internal/samapi"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
	"github.com/sowbridge/sowbridge/pkg/logger"
	"github.com/sowbridge/sowbridge/pkg/tracing"
)

const (
	opFetch    = "fetch_resources"
	opGenerate = "generate_section"

	slowSpan = 5 * time.Second

	sectionSystemPrompt = "You draft sections of responses to U.S. government contract opportunities. " +
		"Answer only from the notice's documents and say so when they do not cover the question."
)

var validate = validator.New()

type ResourceFetcher interface {
	ResourceLinks(ctx context.Context, noticeID string) (*samapi.Resources, error)
}

type Generator interface {
	Generate(ctx context.Context, p generation.Prompt) (*generation.Completion, error)
}

// GenerationRequest identifies one section. Its fields, in this order, form
// the cache key.
type GenerationRequest struct {
	Query       string  `json:"query" validate:"required,max=4000"`
	NoticeID    string  `json:"notice_id" validate:"required,max=128"`
	HybridAlpha float64 `json:"hybrid_alpha" validate:"gte=0,lte=1"`
	TopK        int     `json:"top_k" validate:"gte=1,lte=100"`
}

func (r GenerationRequest) cacheInputs() []any {
	return []any{r.Query, r.NoticeID, r.HybridAlpha, r.TopK}
}

type Section struct {
	NoticeID    string           `json:"notice_id"`
	Query       string           `json:"query"`
	Text        string           `json:"text"`
	Model       string           `json:"model"`
	Usage       generation.Usage `json:"usage"`
	GeneratedAt time.Time        `json:"generated_at"`
	Cached      bool             `json:"cached"`
	Reused      bool             `json:"reused"`
}

type FetchResult struct {
	Resources *samapi.Resources `json:"resources"`
	Key       string            `json:"key"`
	Reused    bool              `json:"reused"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	guard         *idempotency.Guard
	generateGuard *idempotency.Guard
	sam           ResourceFetcher
	gen           Generator
	cache         *respcache.Cache
	tracker       events.Tracker
	concurrency   int
	sectionTTL    time.Duration
	logSpans      bool
	logger        *slog.Logger
}

type Option func(*Orchestrator)

func WithTracker(t events.Tracker) Option { return func(o *Orchestrator) { o.tracker = t } }

// WithConcurrency bounds FetchMany's parallelism.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.concurrency = n } }

func WithSectionTTL(d time.Duration) Option { return func(o *Orchestrator) { o.sectionTTL = d } }

// WithSpanLogging logs every finished span, not only slow ones.
func WithSpanLogging(enabled bool) Option { return func(o *Orchestrator) { o.logSpans = enabled } }

// WithGenerationGuard gives generation its own guard, usually with a
// retention matching the section cache TTL so invalidated sections can be
// regenerated.
func WithGenerationGuard(g *idempotency.Guard) Option {
	return func(o *Orchestrator) { o.generateGuard = g }
}

func New(guard *idempotency.Guard, sam ResourceFetcher, gen Generator, cache *respcache.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		guard:       guard,
		sam:         sam,
		gen:         gen,
		cache:       cache,
		tracker:     events.Discard{},
		concurrency: 4,
		logger:      slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.generateGuard == nil {
		o.generateGuard = guard
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// FetchResources looks up noticeID's resource links once per distinct source
// payload. A completed lookup inside the guard's retention is returned
// without calling SAM again; one still running yields ErrWorkInProgress.
func (o *Orchestrator) FetchResources(ctx context.Context, noticeID string, payload []byte) (*FetchResult, error) {
	noticeID = strings.TrimSpace(noticeID)
	if noticeID == "" {
		return nil, fmt.Errorf("%w: notice id is required", apperrors.ErrInvalidInput)
	}
	ctx, span := o.startSpan(ctx, opFetch)
	defer o.endSpan(span)
	span.SetAttr("notice_id", noticeID)

	key := idempotency.NewKey(noticeID, idempotency.ContentFingerprint(payload))
	span.SetAttr("key", key.String())

	token, prior, err := o.admit(ctx, o.guard, opFetch, key)
	if err != nil {
		return nil, err
	}
	if prior != "" {
		var res samapi.Resources
		if err := json.Unmarshal([]byte(prior), &res); err != nil {
			return nil, fmt.Errorf("decoding prior result for %s: %w", key, err)
		}
		span.SetAttr("reused", true)
		return &FetchResult{Resources: &res, Key: key.String(), Reused: true}, nil
	}

	start := time.Now()
	childCtx, child := tracing.StartChildSpan(ctx, "sam.resource_links")
	res, err := o.sam.ResourceLinks(childCtx, noticeID)
	child.SetError(err)
	child.End()
	if err != nil {
		span.SetError(err)
		o.fail(ctx, o.guard, opFetch, token, err, start)
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		o.fail(ctx, o.guard, opFetch, token, err, start)
		return nil, fmt.Errorf("encoding resources: %w", err)
	}
	o.complete(ctx, o.guard, opFetch, token, string(data), start)
	span.SetAttr("links", len(res.Links))
	return &FetchResult{Resources: res, Key: key.String()}, nil
}

// GenerateSection returns the cached section for req or generates it. The
// guard key's fingerprint is the cache key's fingerprint, so a generation
// running in this process is never started twice.
func (o *Orchestrator) GenerateSection(ctx context.Context, req GenerationRequest) (*Section, error) {
	req.Query = strings.TrimSpace(req.Query)
	req.NoticeID = strings.TrimSpace(req.NoticeID)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	ctx, span := o.startSpan(ctx, opGenerate)
	defer o.endSpan(span)
	span.SetAttr("notice_id", req.NoticeID)

	inputs := req.cacheInputs()
	key := idempotency.NewKey(req.NoticeID, respcache.Fingerprint(inputs...))
	span.SetAttr("key", key.String())

	scope := o.cache.Scope(req.NoticeID)
	reused := false
	compute := func(ctx context.Context) (Section, error) {
		o.track(ctx, events.ProcessingEvent{Type: events.EventCacheMiss, Operation: opGenerate, WorkID: req.NoticeID, Key: key.String()})
		token, prior, err := o.admit(ctx, o.generateGuard, opGenerate, key)
		if err != nil {
			return Section{}, err
		}
		if prior != "" {
			var s Section
			if err := json.Unmarshal([]byte(prior), &s); err != nil {
				return Section{}, fmt.Errorf("decoding prior section for %s: %w", key, err)
			}
			reused = true
			return s, nil
		}

		start := time.Now()
		childCtx, child := tracing.StartChildSpan(ctx, "generation.generate")
		out, err := o.gen.Generate(childCtx, generation.Prompt{
			System: sectionSystemPrompt,
			Input:  req.Query,
			Retrieval: &generation.Retrieval{
				NoticeID:    req.NoticeID,
				HybridAlpha: req.HybridAlpha,
				TopK:        req.TopK,
			},
		})
		child.SetError(err)
		child.End()
		if err != nil {
			o.fail(ctx, o.generateGuard, opGenerate, token, err, start)
			return Section{}, err
		}
		s := Section{
			NoticeID:    req.NoticeID,
			Query:       req.Query,
			Text:        out.Text,
			Model:       out.Model,
			Usage:       out.Usage,
			GeneratedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(s)
		if err != nil {
			o.fail(ctx, o.generateGuard, opGenerate, token, err, start)
			return Section{}, fmt.Errorf("encoding section: %w", err)
		}
		o.complete(ctx, o.generateGuard, opGenerate, token, string(data), start)
		return s, nil
	}

	s, hit, err := respcache.GetOrCompute(ctx, scope, o.sectionTTL, compute, inputs...)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if hit {
		o.track(ctx, events.ProcessingEvent{Type: events.EventCacheHit, Operation: opGenerate, WorkID: req.NoticeID, Key: key.String()})
	}
	s.Cached = hit
	s.Reused = reused
	span.SetAttr("cached", hit)
	return &s, nil
}

// FetchMany fetches several notices with bounded parallelism. Results are in
// input order; a failed notice leaves a nil entry and its error in errs at
// the same index. The returned error is set only when ctx ends.
func (o *Orchestrator) FetchMany(ctx context.Context, noticeIDs []string) ([]*FetchResult, []error, error) {
	results := make([]*FetchResult, len(noticeIDs))
	errs := make([]error, len(noticeIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, id := range noticeIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			res, err := o.FetchResources(gctx, id, nil)
			results[i], errs[i] = res, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, errs, err
	}
	return results, errs, ctx.Err()
}

// admit consults guard for key. It returns a token to finish when the work
// should run, or the prior result when it already completed.
func (o *Orchestrator) admit(ctx context.Context, guard *idempotency.Guard, op string, key idempotency.Key) (idempotency.Token, string, error) {
	ev := events.ProcessingEvent{Operation: op, WorkID: key.WorkID(), Key: key.String()}

	d := guard.ShouldProcess(key)
	if !d.Proceed {
		ev.Type, ev.Reason = events.EventSkipped, d.Reason
		o.track(ctx, ev)
		if d.Reason == idempotency.ReasonCompleted {
			return idempotency.Token{}, d.PriorResult, nil
		}
		return idempotency.Token{}, "", fmt.Errorf("%w: %s", apperrors.ErrWorkInProgress, key)
	}

	token, err := guard.Begin(key)
	switch {
	case errors.Is(err, apperrors.ErrDuplicateInFlight):
		ev.Type, ev.Reason = events.EventSkipped, idempotency.ReasonInProgress
		o.track(ctx, ev)
		return idempotency.Token{}, "", fmt.Errorf("%w: %s", apperrors.ErrWorkInProgress, key)
	case errors.Is(err, apperrors.ErrAlreadyCompleted):
		// Another caller finished between the decision and Begin.
		if d := guard.ShouldProcess(key); d.Reason == idempotency.ReasonCompleted {
			ev.Type, ev.Reason = events.EventSkipped, d.Reason
			o.track(ctx, ev)
			return idempotency.Token{}, d.PriorResult, nil
		}
		return idempotency.Token{}, "", fmt.Errorf("%w: %s", apperrors.ErrWorkInProgress, key)
	case err != nil:
		return idempotency.Token{}, "", err
	}

	ev.Type, ev.Reason = events.EventStarted, d.Reason
	o.track(ctx, ev)
	if d.Reason == idempotency.ReasonRetry {
		logger.FromContext(ctx).Info("retrying previously failed work", "key", key, "prior_error", d.PriorError)
	}
	return token, "", nil
}

func (o *Orchestrator) complete(ctx context.Context, guard *idempotency.Guard, op string, token idempotency.Token, result string, start time.Time) {
	if err := guard.Complete(token, result); err != nil {
		logger.FromContext(ctx).Error("completing processing record", "key", token.Key(), "error", err)
	}
	o.track(ctx, events.ProcessingEvent{
		Type:      events.EventCompleted,
		Operation: op,
		WorkID:    token.Key().WorkID(),
		Key:       token.Key().String(),
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, guard *idempotency.Guard, op string, token idempotency.Token, cause error, start time.Time) {
	if err := guard.Fail(token, cause); err != nil {
		logger.FromContext(ctx).Error("failing processing record", "key", token.Key(), "error", err)
	}
	o.track(ctx, events.ProcessingEvent{
		Type:      events.EventFailed,
		Operation: op,
		WorkID:    token.Key().WorkID(),
		Key:       token.Key().String(),
		Error:     cause.Error(),
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) track(ctx context.Context, ev events.ProcessingEvent) {
	if span := tracing.SpanFromContext(ctx); span != nil {
		ev.TraceID = span.TraceID
	}
	ev.RequestID = logger.RequestID(ctx)
	o.tracker.Track(ev)
}

// startSpan opens a child span when ctx already carries one and a root span
// otherwise.
func (o *Orchestrator) startSpan(ctx context.Context, name string) (context.Context, *tracing.Span) {
	if tracing.SpanFromContext(ctx) != nil {
		return tracing.StartChildSpan(ctx, name)
	}
	return tracing.StartSpan(ctx, name, logger.RequestID(ctx))
}

func (o *Orchestrator) endSpan(span *tracing.Span) {
	span.End()
	if o.logSpans || span.Duration > slowSpan {
		span.Log(o.logger)
	}
}
