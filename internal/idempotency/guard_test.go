package idempotency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/pkg/clock"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingJournal struct {
	mu      sync.Mutex
	records []Record
}

func (j *recordingJournal) Record(r Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
}

func (j *recordingJournal) statuses() []Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Status, len(j.records))
	for i, r := range j.records {
		out[i] = r.Status
	}
	return out
}

func TestGuard_Lifecycle(t *testing.T) {
	g := New(WithClock(clock.NewFake(epoch)))
	key := NewKey("N1", "h1")

	d := g.ShouldProcess(key)
	assert.True(t, d.Proceed)
	assert.Equal(t, ReasonNew, d.Reason)

	tok, err := g.Begin(key)
	require.NoError(t, err)

	d = g.ShouldProcess(key)
	assert.False(t, d.Proceed)
	assert.Equal(t, ReasonInProgress, d.Reason)

	require.NoError(t, g.Complete(tok, "analysis-123"))

	d = g.ShouldProcess(key)
	assert.False(t, d.Proceed)
	assert.Equal(t, ReasonCompleted, d.Reason)
	assert.Equal(t, "analysis-123", d.PriorResult)
	assert.Equal(t, epoch, d.CompletedAt)
}

func TestGuard_ConcurrentBeginExactlyOneWins(t *testing.T) {
	g := New()
	key := NewKey("N1", "h1")

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Begin(key)
			if err == nil {
				wins.Add(1)
				return
			}
			if errors.Is(err, apperrors.ErrDuplicateInFlight) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), conflicts.Load())
}

func TestGuard_RetryAfterFailure(t *testing.T) {
	j := &recordingJournal{}
	g := New(WithClock(clock.NewFake(epoch)), WithJournal(j))
	key := NewKey("N2", "h2")

	tok, err := g.Begin(key)
	require.NoError(t, err)
	require.NoError(t, g.Fail(tok, errors.New("sam 503")))

	d := g.ShouldProcess(key)
	assert.True(t, d.Proceed)
	assert.Equal(t, ReasonRetry, d.Reason)
	assert.Equal(t, "sam 503", d.PriorError)

	retry, err := g.Begin(key)
	require.NoError(t, err)

	// the superseded token cannot finish the new attempt
	err = g.Complete(tok, "stale")
	assert.ErrorIs(t, err, apperrors.ErrUnknownToken)
	assert.Equal(t, apperrors.KindContractViolation, apperrors.KindOf(err))

	require.NoError(t, g.Complete(retry, "ok"))
	assert.Equal(t, []Status{StatusInFlight, StatusFailed, StatusInFlight, StatusCompleted}, j.statuses())
}

// blockingJournal holds the first failed transition until released.
type blockingJournal struct {
	recordingJournal
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (j *blockingJournal) Record(r Record) {
	if r.Status == StatusFailed {
		j.once.Do(func() {
			close(j.entered)
			<-j.release
		})
	}
	j.recordingJournal.Record(r)
}

func TestGuard_JournalOrderMatchesTransitions(t *testing.T) {
	j := &blockingJournal{entered: make(chan struct{}), release: make(chan struct{})}
	g := New(WithClock(clock.NewFake(epoch)), WithJournal(j))
	key := NewKey("N7", "h7")

	tok, err := g.Begin(key)
	require.NoError(t, err)

	failed := make(chan error, 1)
	go func() { failed <- g.Fail(tok, errors.New("generation 502")) }()
	<-j.entered

	begun := make(chan error, 1)
	go func() {
		_, err := g.Begin(key)
		begun <- err
	}()

	// the retry cannot be journaled while the failure is still being written
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []Status{StatusInFlight}, j.statuses())

	close(j.release)
	require.NoError(t, <-failed)
	require.NoError(t, <-begun)
	assert.Equal(t, []Status{StatusInFlight, StatusFailed, StatusInFlight}, j.statuses())
}

func TestGuard_BeginOverCompletedIsContractViolation(t *testing.T) {
	g := New(WithClock(clock.NewFake(epoch)))
	key := NewKey("N3", "h3")

	tok, err := g.Begin(key)
	require.NoError(t, err)
	require.NoError(t, g.Complete(tok, "r"))

	_, err = g.Begin(key)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyCompleted)

	var ce *apperrors.ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "begin", ce.Op)
}

func TestGuard_DoubleFinishRejected(t *testing.T) {
	g := New()
	tok, err := g.Begin(NewKey("N4", "h4"))
	require.NoError(t, err)
	require.NoError(t, g.Complete(tok, "r"))

	assert.ErrorIs(t, g.Complete(tok, "r"), apperrors.ErrUnknownToken)
	assert.ErrorIs(t, g.Fail(tok, errors.New("x")), apperrors.ErrUnknownToken)
	assert.ErrorIs(t, g.Complete(Token{}, "r"), apperrors.ErrUnknownToken)
}

func TestGuard_ExpiryAllowsReprocessing(t *testing.T) {
	fc := clock.NewFake(epoch)
	g := New(WithClock(fc), WithRetention(time.Hour))
	key := NewKey("N5", "h5")

	tok, err := g.Begin(key)
	require.NoError(t, err)
	require.NoError(t, g.Complete(tok, "r"))

	fc.Advance(59 * time.Minute)
	assert.Equal(t, ReasonCompleted, g.ShouldProcess(key).Reason)

	fc.Advance(2 * time.Minute)
	d := g.ShouldProcess(key)
	assert.True(t, d.Proceed)
	assert.Equal(t, ReasonNew, d.Reason)

	_, err = g.Begin(key)
	assert.NoError(t, err)
}

func TestGuard_StaleInFlightExpires(t *testing.T) {
	fc := clock.NewFake(epoch)
	g := New(WithClock(fc), WithRetention(time.Hour))
	key := NewKey("N6", "h6")

	stale, err := g.Begin(key)
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)
	fresh, err := g.Begin(key)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Complete(stale, "late"), apperrors.ErrUnknownToken)
	assert.NoError(t, g.Complete(fresh, "ok"))
}

func TestGuard_StatsAndSweep(t *testing.T) {
	fc := clock.NewFake(epoch)
	g := New(WithClock(fc), WithRetention(time.Hour), WithShards(4))

	t1, _ := g.Begin(NewKey("A", "1"))
	t2, _ := g.Begin(NewKey("B", "1"))
	_, _ = g.Begin(NewKey("C", "1"))
	require.NoError(t, g.Complete(t1, "r"))
	require.NoError(t, g.Fail(t2, errors.New("boom")))
	fc.Advance(30 * time.Minute)
	_, _ = g.Begin(NewKey("D", "1"))

	st := g.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.InDelta(t, 25.0, st.SuccessRate, 0.001)

	fc.Advance(45 * time.Minute)
	assert.Equal(t, 3, g.Sweep())
	assert.Equal(t, 1, g.Stats().Total)
}

func TestGuard_Restore(t *testing.T) {
	fc := clock.NewFake(epoch)
	g := New(WithClock(fc), WithRetention(time.Hour))

	loaded := g.Restore([]Record{
		{Key: "N1:a", Status: StatusCompleted, Generation: "g1", StartedAt: epoch.Add(-10 * time.Minute), Result: "r1"},
		{Key: "N2:b", Status: StatusCompleted, Generation: "g2", StartedAt: epoch.Add(-2 * time.Hour), Result: "old"},
		{Key: "N3:c", Status: StatusFailed, Generation: "g3", StartedAt: epoch},
	})
	assert.Equal(t, 1, loaded)

	d := g.ShouldProcess("N1:a")
	assert.Equal(t, ReasonCompleted, d.Reason)
	assert.Equal(t, "r1", d.PriorResult)
	assert.Equal(t, ReasonNew, g.ShouldProcess("N3:c").Reason)
}

func TestKey(t *testing.T) {
	k := NewKey("70LART26QPFB00001", "abc")
	assert.Equal(t, "70LART26QPFB00001:abc", k.String())
	assert.Equal(t, "70LART26QPFB00001", k.WorkID())

	fp := ContentFingerprint([]byte("hello"))
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, ContentFingerprint([]byte("hello")))
	assert.NotEqual(t, fp, ContentFingerprint([]byte("hello!")))
}
