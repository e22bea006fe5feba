package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
	"github.com/liliang-cn/askgen/internal/logging"
)

// StreamChannel receives push frames over a websocket.
//
// After a complete frame the connection stays open for the grace period so a
// trailing close frame can arrive, then the channel closes itself.
type StreamChannel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	grace  time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamChannel creates a stream channel for url
func NewStreamChannel(url string, header http.Header, dialer *websocket.Dialer, grace time.Duration, log *zap.Logger) *StreamChannel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &StreamChannel{
		url:    url,
		header: header,
		dialer: dialer,
		grace:  grace,
		log:    logging.OrNop(log),
		done:   make(chan struct{}),
	}
}

// Mode implements Channel
func (s *StreamChannel) Mode() Mode { return ModeStream }

// Done implements Channel
func (s *StreamChannel) Done() <-chan struct{} { return s.done }

// Start dials the push endpoint and starts the read loop
func (s *StreamChannel) Start(ctx context.Context, h Handler) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, h)
}

func (s *StreamChannel) run(ctx context.Context, h Handler) {
	defer s.Close()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if s.isClosed() {
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w: handshake status %d: %v", domain.ErrStreamUnavailable, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
		}
		s.log.Error("Failed to connect stream", zap.Error(err))
		h(event.ChannelFailure{Err: err})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Debug("Stream connected")

	terminal := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || terminal {
				return
			}
			err = fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
			s.log.Error("Stream read failed", zap.Error(err))
			h(event.ChannelFailure{Err: err})
			return
		}

		ev, err := event.Decode(data)
		if err != nil {
			s.log.Warn("Dropping malformed frame", zap.Error(err))
		}
		if s.isClosed() {
			return
		}

		switch ev.(type) {
		case event.Complete, event.Error:
			terminal = true
		}

		h(ev)

		switch ev.(type) {
		case event.Complete:
			s.closeAfter(s.grace)
		case event.Close:
			return
		}
	}
}

func (s *StreamChannel) closeAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		s.log.Debug("Grace period elapsed, closing stream")
		s.Close()
	})
}

func (s *StreamChannel) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the grace timer and closes the connection
func (s *StreamChannel) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
		close(s.done)
	})
	return err
}
