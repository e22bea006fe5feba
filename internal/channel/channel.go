// Package channel implements the delivery channels that observe a running
// generation: a push stream over a websocket and a periodic status poll.
//
// A channel delivers events to its Handler from a single goroutine, in
// arrival order. Close is idempotent, never blocks on the delivery goroutine,
// and releases the connection and every timer the channel owns.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
	"github.com/liliang-cn/askgen/internal/logging"
)

// Mode selects a channel implementation
type Mode string

// Channel modes
const (
	ModeStream Mode = "stream"
	ModePoll   Mode = "poll"
)

// Handler receives decoded events
type Handler func(event.Event)

// Channel is a delivery channel for one generation
type Channel interface {
	Mode() Mode
	// Start begins delivery in the background and returns immediately.
	// Connection failures are reported through the handler.
	Start(ctx context.Context, h Handler)
	Close() error
	// Done is closed once the channel has released its resources.
	Done() <-chan struct{}
}

// StatusFetcher fetches the current status of a generation
type StatusFetcher interface {
	Status(ctx context.Context, conversationID, generationID string) (*domain.StatusResponse, error)
}

// StreamLocator resolves the push endpoint of a generation
type StreamLocator interface {
	StreamURL(conversationID, generationID string) (string, error)
	StreamHeader() http.Header
}

// Factory builds channels for generations
type Factory struct {
	Locator          StreamLocator
	Fetcher          StatusFetcher
	PollInterval     time.Duration
	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Default timings
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultGracePeriod  = time.Second
)

// NewChannel creates an unstarted channel of the given mode
func (f *Factory) NewChannel(mode Mode, conversationID, generationID string) (Channel, error) {
	log := logging.OrNop(f.Logger).With(
		zap.String("mode", string(mode)),
		zap.String("conversation_id", conversationID),
		zap.String("generation_id", generationID),
	)

	switch mode {
	case ModeStream:
		if f.Locator == nil {
			return nil, fmt.Errorf("stream channel requires a locator")
		}
		url, err := f.Locator.StreamURL(conversationID, generationID)
		if err != nil {
			return nil, err
		}
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: f.HandshakeTimeout,
		}
		return NewStreamChannel(url, f.Locator.StreamHeader(), dialer, f.GracePeriod, log), nil

	case ModePoll:
		if f.Fetcher == nil {
			return nil, fmt.Errorf("poll channel requires a status fetcher")
		}
		return NewPollChannel(f.Fetcher, conversationID, generationID, f.PollInterval, log), nil
	}

	return nil, fmt.Errorf("unknown channel mode %q", mode)
}
