package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/event"
	"github.com/liliang-cn/askgen/internal/logging"
)

// PollChannel fetches the generation status at a fixed interval until a
// terminal status is seen. Requests never overlap: the next poll is
// scheduled only after the previous one returned, and ticks that fire during
// a slow request are dropped.
type PollChannel struct {
	fetcher        StatusFetcher
	conversationID string
	generationID   string
	interval       time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewPollChannel creates a poll channel
func NewPollChannel(fetcher StatusFetcher, conversationID, generationID string, interval time.Duration, log *zap.Logger) *PollChannel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollChannel{
		fetcher:        fetcher,
		conversationID: conversationID,
		generationID:   generationID,
		interval:       interval,
		log:            logging.OrNop(log),
		done:           make(chan struct{}),
	}
}

// Mode implements Channel
func (p *PollChannel) Mode() Mode { return ModePoll }

// Done implements Channel
func (p *PollChannel) Done() <-chan struct{} { return p.done }

// Start begins polling; the first request is sent immediately
func (p *PollChannel) Start(ctx context.Context, h Handler) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx, h)
}

func (p *PollChannel) run(ctx context.Context, h Handler) {
	defer p.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.poll(ctx, h, ticker) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll performs one request and reports whether polling is over
func (p *PollChannel) poll(ctx context.Context, h Handler, ticker *time.Ticker) bool {
	resp, err := p.fetcher.Status(ctx, p.conversationID, p.generationID)
	if ctx.Err() != nil || p.isClosed() {
		return true
	}
	if err != nil {
		p.log.Warn("Status poll failed", zap.Error(err))
		h(event.TransientFailure{Err: err})
		return false
	}

	ev := event.FromStatusResponse(resp)
	switch ev.(type) {
	case event.Complete, event.Error:
		ticker.Stop()
		h(ev)
		return true
	}

	h(ev)
	return false
}

func (p *PollChannel) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops polling
func (p *PollChannel) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}
