package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
)

type pollStep struct {
	resp *domain.StatusResponse
	err  error
}

// scriptedFetcher replays steps and repeats the last one
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []pollStep
	delay    time.Duration
	calls    int32
	inflight int32
	maxIn    int32
}

func (f *scriptedFetcher) Status(ctx context.Context, conversationID, generationID string) (*domain.StatusResponse, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		old := atomic.LoadInt32(&f.maxIn)
		if n <= old || atomic.CompareAndSwapInt32(&f.maxIn, old, n) {
			break
		}
	}

	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i].resp, f.steps[i].err
}

func (f *scriptedFetcher) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func status(s, content string) pollStep {
	return pollStep{resp: &domain.StatusResponse{MessageID: "m-7", Status: s, Content: content}}
}

func TestPollChannelStopsAtTerminal(t *testing.T) {
	f := &scriptedFetcher{steps: []pollStep{
		status("processing", "partial"),
		status("processing", "partial"),
		status("processing", "partial"),
		status("complete", "final"),
	}}

	rec := newRecorder()
	ch := NewPollChannel(f, "c1", "m-7", 10*time.Millisecond, nil)
	ch.Start(context.Background(), rec.handle)

	evs := rec.waitFor(t, 4)
	waitDone(t, ch)

	for _, ev := range evs[:3] {
		p, ok := ev.(event.Progress)
		require.True(t, ok)
		assert.Equal(t, "partial", p.Content)
	}
	c, ok := evs[3].(event.Complete)
	require.True(t, ok)
	assert.Equal(t, "final", c.Content)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.callCount())
	assert.Len(t, rec.snapshot(), 4)
}

func TestPollChannelErrorStatusIsTerminal(t *testing.T) {
	msg := "model unavailable"
	f := &scriptedFetcher{steps: []pollStep{
		{resp: &domain.StatusResponse{MessageID: "m-7", Status: "failed", ErrorMessage: &msg}},
	}}

	rec := newRecorder()
	ch := NewPollChannel(f, "c1", "m-7", 10*time.Millisecond, nil)
	ch.Start(context.Background(), rec.handle)

	evs := rec.waitFor(t, 1)
	waitDone(t, ch)

	e, ok := evs[0].(event.Error)
	require.True(t, ok)
	assert.Equal(t, msg, e.Message)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.callCount())
}

func TestPollChannelTransientFailureContinues(t *testing.T) {
	f := &scriptedFetcher{steps: []pollStep{
		{err: errors.New("connection refused")},
		status("complete", "ok"),
	}}

	rec := newRecorder()
	ch := NewPollChannel(f, "c1", "m-7", 10*time.Millisecond, nil)
	ch.Start(context.Background(), rec.handle)

	evs := rec.waitFor(t, 2)
	waitDone(t, ch)
	assert.Equal(t, event.KindTransientFailure, evs[0].Kind())
	assert.Equal(t, event.KindComplete, evs[1].Kind())
}

func TestPollChannelRequestsNeverOverlap(t *testing.T) {
	f := &scriptedFetcher{
		delay: 30 * time.Millisecond,
		steps: []pollStep{
			status("pending", ""),
			status("pending", ""),
			status("pending", ""),
			status("complete", "done"),
		},
	}

	rec := newRecorder()
	ch := NewPollChannel(f, "c1", "m-7", 5*time.Millisecond, nil)
	ch.Start(context.Background(), rec.handle)

	rec.waitFor(t, 4)
	waitDone(t, ch)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.maxIn))
}

func TestPollChannelCloseStopsPolling(t *testing.T) {
	f := &scriptedFetcher{steps: []pollStep{status("streaming", "")}}

	rec := newRecorder()
	ch := NewPollChannel(f, "c1", "m-7", 10*time.Millisecond, nil)
	ch.Start(context.Background(), rec.handle)
	rec.waitFor(t, 2)

	require.NoError(t, ch.Close())
	waitDone(t, ch)
	time.Sleep(30 * time.Millisecond)
	calls := f.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.callCount())
}

func TestFactoryNewChannel(t *testing.T) {
	f := &Factory{Fetcher: &scriptedFetcher{}}

	ch, err := f.NewChannel(ModePoll, "c1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, ModePoll, ch.Mode())

	_, err = f.NewChannel(ModeStream, "c1", "m-1")
	assert.Error(t, err)

	_, err = f.NewChannel(Mode("carrier-pigeon"), "c1", "m-1")
	assert.Error(t, err)
}
