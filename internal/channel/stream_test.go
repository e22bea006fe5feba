package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
)

// recorder collects delivered events
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 256)}
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) kinds() []event.Kind {
	var kinds []event.Kind
	for _, ev := range r.snapshot() {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func (r *recorder) waitFor(t *testing.T, n int) []event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if evs := r.snapshot(); len(evs) >= n {
			return evs
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %v", n, r.kinds())
		}
	}
}

func waitDone(t *testing.T, ch Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel was not closed")
	}
}

// pushServer sends frames then keeps the connection open until the client
// goes away or hold elapses.
func pushServer(t *testing.T, frames []string, hold time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("conversation_id") == "" {
			http.Error(w, "missing conversation", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.SetReadDeadline(time.Now().Add(hold))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/messages/m-42/stream?conversation_id=c1"
}

func TestStreamChannelDeliversFramesInOrder(t *testing.T) {
	srv := pushServer(t, []string{
		`{"type":"status","status":"pending"}`,
		`{"type":"token","token":"Hel"}`,
		`{"type":"token","token":"lo"}`,
		`{"type":"complete","content":"Hello world","sources":["doc1"]}`,
		`{"type":"close"}`,
	}, 5*time.Second)

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, time.Minute, nil)
	ch.Start(context.Background(), rec.handle)

	rec.waitFor(t, 5)
	waitDone(t, ch)

	assert.Equal(t, []event.Kind{
		event.KindStatus, event.KindToken, event.KindToken, event.KindComplete, event.KindClose,
	}, rec.kinds())
	c := rec.snapshot()[3].(event.Complete)
	assert.Equal(t, "Hello world", c.Content)
}

func TestStreamChannelSelfClosesAfterGrace(t *testing.T) {
	srv := pushServer(t, []string{
		`{"type":"complete","content":"done"}`,
	}, 5*time.Second)

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, 50*time.Millisecond, nil)
	start := time.Now()
	ch.Start(context.Background(), rec.handle)

	rec.waitFor(t, 1)
	waitDone(t, ch)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []event.Kind{event.KindComplete}, rec.kinds())
}

func TestStreamChannelConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, time.Second, nil)
	ch.Start(context.Background(), rec.handle)

	evs := rec.waitFor(t, 1)
	waitDone(t, ch)

	failure, ok := evs[0].(event.ChannelFailure)
	require.True(t, ok)
	assert.True(t, errors.Is(failure.Err, domain.ErrStreamUnavailable))
}

func TestStreamChannelDropBeforeTerminal(t *testing.T) {
	srv := pushServer(t, []string{
		`{"type":"token","token":"a"}`,
	}, 10*time.Millisecond)

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, time.Second, nil)
	ch.Start(context.Background(), rec.handle)

	evs := rec.waitFor(t, 2)
	waitDone(t, ch)
	assert.Equal(t, event.KindToken, evs[0].Kind())
	assert.Equal(t, event.KindChannelFailure, evs[1].Kind())
}

func TestStreamChannelForwardsMalformedAndContinues(t *testing.T) {
	srv := pushServer(t, []string{
		`not json`,
		`{"type":"mystery"}`,
		`{"type":"token","token":"ok"}`,
		`{"type":"close"}`,
	}, 5*time.Second)

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, time.Second, nil)
	ch.Start(context.Background(), rec.handle)

	rec.waitFor(t, 4)
	waitDone(t, ch)
	assert.Equal(t, []event.Kind{
		event.KindMalformed, event.KindUnknown, event.KindToken, event.KindClose,
	}, rec.kinds())
}

func TestStreamChannelCloseStopsDelivery(t *testing.T) {
	srv := pushServer(t, []string{
		`{"type":"token","token":"a"}`,
	}, 5*time.Second)

	rec := newRecorder()
	ch := NewStreamChannel(wsURL(srv), nil, nil, time.Second, nil)
	ch.Start(context.Background(), rec.handle)
	rec.waitFor(t, 1)

	require.NoError(t, ch.Close())
	waitDone(t, ch)
	assert.NoError(t, ch.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []event.Kind{event.KindToken}, rec.kinds())
}

func TestStreamChannelCloseBeforeStart(t *testing.T) {
	rec := newRecorder()
	ch := NewStreamChannel("ws://127.0.0.1:1/unused", nil, nil, time.Second, nil)
	require.NoError(t, ch.Close())
	ch.Start(context.Background(), rec.handle)

	waitDone(t, ch)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
