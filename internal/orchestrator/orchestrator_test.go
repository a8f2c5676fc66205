package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/internal/events"
	"github.com/sowbridge/sowbridge/internal/generation"
	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/internal/respcache"
	"github.com/sowbridge/sowbridge/internal/samapi"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

type fakeSAM struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeSAM) ResourceLinks(ctx context.Context, noticeID string) (*samapi.Resources, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &samapi.Resources{NoticeID: noticeID, Links: []string{"https://sam.gov/files/" + noticeID}, Window: "last-30d"}, nil
}

type fakeGen struct {
	calls  atomic.Int32
	mu     sync.Mutex
	prompt generation.Prompt
	err    error
}

func (f *fakeGen) Generate(_ context.Context, p generation.Prompt) (*generation.Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompt = p
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Completion{Text: "Draft for " + p.Input, Model: "test-model"}, nil
}

type recordingTracker struct {
	mu     sync.Mutex
	events []events.ProcessingEvent
}

func (r *recordingTracker) Track(ev events.ProcessingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTracker) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestOrchestrator(sam ResourceFetcher, gen Generator, opts ...Option) (*Orchestrator, *respcache.Cache) {
	cache := respcache.New(context.Background(), respcache.NewMemoryStore(nil))
	return New(idempotency.New(), sam, gen, cache, opts...), cache
}

func TestFetchResources_CompletedWorkIsReused(t *testing.T) {
	sam := &fakeSAM{}
	tr := &recordingTracker{}
	o, _ := newTestOrchestrator(sam, &fakeGen{}, WithTracker(tr))
	ctx := context.Background()

	first, err := o.FetchResources(ctx, "N1", []byte("payload"))
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, []string{"https://sam.gov/files/N1"}, first.Resources.Links)

	second, err := o.FetchResources(ctx, "N1", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Resources.Links, second.Resources.Links)
	assert.Equal(t, int32(1), sam.calls.Load())

	// a changed payload is new work
	_, err = o.FetchResources(ctx, "N1", []byte("amended"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), sam.calls.Load())

	assert.Equal(t, []events.EventType{
		events.EventStarted, events.EventCompleted,
		events.EventSkipped,
		events.EventStarted, events.EventCompleted,
	}, tr.types())
}

func TestFetchResources_InProgress(t *testing.T) {
	sam := &fakeSAM{release: make(chan struct{})}
	o, _ := newTestOrchestrator(sam, &fakeGen{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.FetchResources(ctx, "N1", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return sam.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := o.FetchResources(ctx, "N1", nil)
	assert.ErrorIs(t, err, apperrors.ErrWorkInProgress)
	assert.True(t, apperrors.IsRetryable(err))

	close(sam.release)
	require.NoError(t, <-done)
}

func TestFetchResources_FailureAllowsRetry(t *testing.T) {
	sam := &fakeSAM{err: &apperrors.CallError{Kind: apperrors.KindTransient, Err: apperrors.ErrRetriesExhausted}}
	o, _ := newTestOrchestrator(sam, &fakeGen{})
	ctx := context.Background()

	_, err := o.FetchResources(ctx, "N1", nil)
	require.Error(t, err)
	assert.Equal(t, 1, o.guard.Stats().Failed)

	sam.err = nil
	res, err := o.FetchResources(ctx, "N1", nil)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 1, o.guard.Stats().Completed)
}

func TestFetchResources_RequiresNotice(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeSAM{}, &fakeGen{})
	_, err := o.FetchResources(context.Background(), " ", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestGenerateSection_CachesByInputs(t *testing.T) {
	gen := &fakeGen{}
	o, cache := newTestOrchestrator(&fakeSAM{}, gen)
	ctx := context.Background()
	req := GenerationRequest{Query: "Describe lodging", NoticeID: "N1", HybridAlpha: 0.7, TopK: 20}

	first, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "Draft for Describe lodging", first.Text)

	gen.mu.Lock()
	assert.Equal(t, &generation.Retrieval{NoticeID: "N1", HybridAlpha: 0.7, TopK: 20}, gen.prompt.Retrieval)
	gen.mu.Unlock()

	second, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int32(1), gen.calls.Load())

	var stored Section
	assert.True(t, cache.Scope("N1").Get(ctx, &stored, "Describe lodging", "N1", 0.7, 20))

	// any differing input is a different entry
	req.TopK = 10
	_, err = o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestGenerateSection_InvalidatedEntryReusesGuardResult(t *testing.T) {
	gen := &fakeGen{}
	o, cache := newTestOrchestrator(&fakeSAM{}, gen)
	ctx := context.Background()
	req := GenerationRequest{Query: "q", NoticeID: "N1", HybridAlpha: 0.5, TopK: 5}

	_, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	_, err = cache.InvalidateScope(ctx, "N1")
	require.NoError(t, err)

	again, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.False(t, again.Cached)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestGenerateSection_SeparateGuardAllowsRegeneration(t *testing.T) {
	gen := &fakeGen{}
	cache := respcache.New(context.Background(), respcache.NewMemoryStore(nil))
	genGuard := idempotency.New(idempotency.WithRetention(time.Nanosecond))
	o := New(idempotency.New(), &fakeSAM{}, gen, cache, WithGenerationGuard(genGuard))
	ctx := context.Background()
	req := GenerationRequest{Query: "q", NoticeID: "N1", HybridAlpha: 0.5, TopK: 5}

	_, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	_, err = cache.InvalidateScope(ctx, "N1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	again, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Reused)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestGenerateSection_FailureNotCached(t *testing.T) {
	gen := &fakeGen{err: errors.New("model overloaded")}
	o, _ := newTestOrchestrator(&fakeSAM{}, gen)
	ctx := context.Background()
	req := GenerationRequest{Query: "q", NoticeID: "N1", TopK: 5}

	_, err := o.GenerateSection(ctx, req)
	require.Error(t, err)

	gen.err = nil
	s, err := o.GenerateSection(ctx, req)
	require.NoError(t, err)
	assert.False(t, s.Cached)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestGenerateSection_ValidatesRequest(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeSAM{}, &fakeGen{})
	ctx := context.Background()

	for _, req := range []GenerationRequest{
		{NoticeID: "N1", TopK: 5},
		{Query: "q", TopK: 5},
		{Query: "q", NoticeID: "N1", TopK: 0},
		{Query: "q", NoticeID: "N1", TopK: 5, HybridAlpha: 1.5},
	} {
		_, err := o.GenerateSection(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, "%+v", req)
	}
}

func TestGenerateSection_DegradedCacheStillGenerates(t *testing.T) {
	gen := &fakeGen{}
	o := New(idempotency.New(), &fakeSAM{}, gen, respcache.New(context.Background(), nil))
	ctx := context.Background()

	s, err := o.GenerateSection(ctx, GenerationRequest{Query: "q", NoticeID: "N1", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, "Draft for q", s.Text)
}

func TestFetchMany(t *testing.T) {
	sam := &fakeSAM{}
	o, _ := newTestOrchestrator(sam, &fakeGen{}, WithConcurrency(2))

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = fmt.Sprintf("N%d", i)
	}
	ids = append(ids, "")

	results, errs, err := o.FetchMany(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 7)
	for i := 0; i < 6; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[i], results[i].Resources.NoticeID)
	}
	assert.Nil(t, results[6])
	assert.ErrorIs(t, errs[6], apperrors.ErrInvalidInput)
	assert.Equal(t, int32(6), sam.calls.Load())
}
