package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sowbridge/sowbridge/pkg/kafka"
	"github.com/sowbridge/sowbridge/pkg/metrics"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestCollector_FlushesFullBatch(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, nil, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 3; i++ {
		c.Track(ProcessingEvent{Type: EventStarted, WorkID: "N1"})
	}
	require.Eventually(t, func() bool { return pub.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	ev := pub.batches[0][0]
	pub.mu.Unlock()
	assert.Equal(t, "N1", ev.Key)
	assert.False(t, ev.Value.(ProcessingEvent).Timestamp.IsZero())
}

func TestCollector_FlushesOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, nil, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(ProcessingEvent{Type: EventCompleted, WorkID: "N2"})
	cancel()
	c.Close()
	assert.Equal(t, 1, pub.count())
}

func TestCollector_RequeuesFailedBatch(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, nil, 2, time.Hour)

	for i := 0; i < 10; i++ {
		c.Track(ProcessingEvent{Type: EventFailed, WorkID: "N3"})
		c.flush(context.Background())
	}
	assert.Equal(t, 6, c.BufferLen())

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	c.flush(context.Background())
	assert.Zero(t, c.BufferLen())
	assert.Equal(t, 6, pub.count())
}

func TestCollector_CountsEvents(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := NewCollector(&fakePublisher{}, m, 100, time.Hour)
	c.Track(ProcessingEvent{Type: EventSkipped})
	c.Track(ProcessingEvent{Type: EventSkipped})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProcessingEventsTotal.WithLabelValues(string(EventSkipped))))
}
