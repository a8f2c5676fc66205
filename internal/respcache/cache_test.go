package respcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type answer struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
}

// failingStore errors on every call.
type failingStore struct{ pingErr error }

var errDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (failingStore) DeleteByPattern(context.Context, string) (int64, error) { return 0, errDown }
func (s failingStore) Ping(context.Context) error                          { return s.pingErr }

func newTestCache(t *testing.T, fc *clock.Fake) (*Cache, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(fc)
	return New(context.Background(), store, WithClock(fc), WithPrefix("proposal")), store
}

func TestCache_HitWithinTTL(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	want := answer{Text: "Lodging for 40 attendees", Sources: []string{"sow.pdf"}}
	require.NoError(t, c.Set(ctx, want, time.Hour, "lodging requirements", "N1", 0.7, 20))

	var got answer
	assert.True(t, c.Get(ctx, &got, "lodging requirements", "N1", 0.7, 20))
	assert.Equal(t, want, got)

	st := c.Stats(ctx)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Sets)
	assert.Equal(t, int64(1), st.EntryCount)
	assert.True(t, st.BackingAvailable)
}

func TestCache_MissAfterExpiry(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "v", 10*time.Minute, "q", "N1"))
	fc.Advance(10 * time.Minute)

	var got string
	assert.False(t, c.Get(ctx, &got, "q", "N1"))
}

// laxStore ignores TTLs so the envelope check is what rejects stale entries.
type laxStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *laxStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (s *laxStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *laxStore) DeleteByPattern(context.Context, string) (int64, error) { return 0, nil }

func TestCache_EnvelopeRejectsStaleEntry(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := New(context.Background(), &laxStore{data: map[string][]byte{}}, WithClock(fc))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "v", time.Minute, "k"))
	fc.Advance(61 * time.Second)

	var got string
	assert.False(t, c.Get(ctx, &got, "k"))
}

func TestCache_DefaultTTL(t *testing.T) {
	fc := clock.NewFake(epoch)
	store := NewMemoryStore(fc)
	c := New(context.Background(), store, WithClock(fc), WithDefaultTTL(5*time.Minute))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "v", 0, "k"))
	fc.Advance(4 * time.Minute)
	var got string
	assert.True(t, c.Get(ctx, &got, "k"))
	fc.Advance(time.Minute)
	assert.False(t, c.Get(ctx, &got, "k"))
}

func TestCache_NilStoreDegrades(t *testing.T) {
	c := New(context.Background(), nil)
	ctx := context.Background()

	assert.NoError(t, c.Set(ctx, "v", time.Hour, "k"))
	var got string
	assert.False(t, c.Get(ctx, &got, "k"))
	assert.False(t, c.Available())

	st := c.Stats(ctx)
	assert.False(t, st.BackingAvailable)
	assert.Equal(t, int64(1), st.Misses)

	n, err := c.InvalidateAll(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_FailedPingDisablesCache(t *testing.T) {
	c := New(context.Background(), failingStore{pingErr: errDown})
	assert.False(t, c.Available())
	assert.NoError(t, c.Set(context.Background(), "v", time.Hour, "k"))
}

func TestCache_CallTimeFailureIsMiss(t *testing.T) {
	c := New(context.Background(), failingStore{})
	ctx := context.Background()
	require.True(t, c.Available())

	var got string
	assert.False(t, c.Get(ctx, &got, "k"))
	assert.Error(t, c.Set(ctx, "v", time.Hour, "k"))
	assert.Equal(t, int64(1), c.Stats(ctx).SetErrors)
}

func TestCache_DecodeFailureIsMiss(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, store := newTestCache(t, fc)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, c.Key("k"), []byte("not json"), time.Hour))
	var got string
	assert.False(t, c.Get(ctx, &got, "k"))

	require.NoError(t, c.Set(ctx, map[string]int{"a": 1}, time.Hour, "typed"))
	assert.False(t, c.Get(ctx, &got, "typed"))
}

func TestCache_GetOrComputeCoalesces(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (answer, error) {
		calls.Add(1)
		<-release
		return answer{Text: "generated"}, nil
	}

	var wg sync.WaitGroup
	results := make([]answer, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := GetOrCompute(ctx, c, time.Hour, compute, "q", "N1")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, r := range results {
		assert.Equal(t, "generated", r.Text)
	}

	v, hit, err := GetOrCompute(ctx, c, time.Hour, compute, "q", "N1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "generated", v.Text)
}

func TestCache_GetOrComputeDoesNotCacheErrors(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	boom := errors.New("upstream down")
	_, _, err := GetOrCompute(ctx, c, time.Hour, func(context.Context) (string, error) { return "", boom }, "k")
	assert.ErrorIs(t, err, boom)

	var got string
	assert.False(t, c.Get(ctx, &got, "k"))
}

func TestCache_Invalidation(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	n1 := c.Scope("N1")
	n2 := c.Scope("N2")
	require.NoError(t, n1.Set(ctx, "a", time.Hour, "q1"))
	require.NoError(t, n1.Set(ctx, "b", time.Hour, "q2"))
	require.NoError(t, n2.Set(ctx, "c", time.Hour, "q1"))
	require.NoError(t, c.Set(ctx, "d", time.Hour, "q1"))

	deleted, err := c.InvalidateScope(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var got string
	assert.False(t, n1.Get(ctx, &got, "q1"))
	assert.True(t, n2.Get(ctx, &got, "q1"))

	deleted, err = n2.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Zero(t, c.Stats(ctx).EntryCount)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("q", "N1", 0.7, 20), Fingerprint("q", "N1", 0.7, 20))
	assert.Len(t, Fingerprint("q"), 32)

	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.NotEqual(t, Fingerprint("q", "N1"), Fingerprint("N1", "q"))
	assert.NotEqual(t, Fingerprint(1), Fingerprint("1"))
	assert.NotEqual(t, Fingerprint(nil), Fingerprint(""))
	assert.NotEqual(t, Fingerprint(0.5), Fingerprint(0.50001))
	assert.Equal(t,
		Fingerprint(map[string]int{"a": 1, "b": 2}),
		Fingerprint(map[string]int{"b": 2, "a": 1}),
	)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `proposal:N\*1`, escapeGlob("proposal:N*1"))
	assert.Equal(t, `a\[b\]\?`, escapeGlob("a[b]?"))
}

func TestCache_InvalidationSpansSlashScopes(t *testing.T) {
	fc := clock.NewFake(epoch)
	c, _ := newTestCache(t, fc)
	ctx := context.Background()

	slashed := c.Scope("FA8650/24/R/0001")
	require.NoError(t, slashed.Set(ctx, "a", time.Hour, "q1"))
	require.NoError(t, c.Scope("N1").Set(ctx, "b", time.Hour, "q1"))
	assert.Equal(t, int64(2), c.Stats(ctx).EntryCount)

	deleted, err := c.InvalidateScope(ctx, "FA8650/24/R/0001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, slashed.Set(ctx, "a", time.Hour, "q1"))
	deleted, err = c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var got string
	assert.False(t, slashed.Get(ctx, &got, "q1"))
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"proposal:*", "proposal:FA8650/24/R/0001:abc", true},
		{"proposal:*", "other:x", false},
		{`proposal:N\*1:*`, "proposal:N*1:k", true},
		{`proposal:N\*1:*`, "proposal:N21:k", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"[a-c]x", "bx", true},
		{"[^a-c]x", "bx", false},
		{`a\[b`, "a[b", true},
		{"**", "", true},
		{"a*b*c", "a/x/b/y/c", true},
		{"a*b*c", "a/x/b/y/d", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, globMatch(tc.pattern, tc.key), "%q vs %q", tc.pattern, tc.key)
	}
}
