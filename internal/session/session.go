// Package session tracks generations from submission to a terminal state.
//
// A Session is driven by the events of exactly one delivery channel at a time.
// Events are applied under the session lock in arrival order; events from a
// channel the session no longer owns, and every event after a terminal state
// or a cancellation, are discarded.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/channel"
	"github.com/liliang-cn/askgen/internal/client"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
)

// ErrorKind tells which part of the pipeline failed
type ErrorKind string

// Error kinds
const (
	ErrorNone       ErrorKind = ""
	ErrorSubmit     ErrorKind = "submit"
	ErrorChannel    ErrorKind = "channel"
	ErrorGeneration ErrorKind = "generation"
)

// SubmitFailedMessage is shown when a submit fails without server detail
const SubmitFailedMessage = "Failed to submit generation request"

// ChannelFactory creates delivery channels
type ChannelFactory interface {
	NewChannel(mode channel.Mode, conversationID, generationID string) (channel.Channel, error)
}

// Snapshot is an immutable view of a session
type Snapshot struct {
	LocalID        string
	ServerID       string
	ConversationID string
	Status         domain.Status
	Content        string
	Sources        []string
	Citations      json.RawMessage
	Metrics        *domain.Metrics
	Error          string
	ErrorKind      ErrorKind
	Transient      string
	Notice         string
	Mode           channel.Mode
	Warnings       []string
	// Detached is set while a generation is in flight with no delivery
	// channel left, after the server closed the stream early. Nothing will
	// move such a session forward; callers cancel it to free the slot.
	Detached bool
}

// Generating reports whether the generation is in flight
func (s Snapshot) Generating() bool {
	return s.Status.Generating()
}

// Session is one generation's lifecycle
type Session struct {
	localID        string
	conversationID string
	request        domain.GenerationRequest
	policy         Policy
	factory        ChannelFactory
	ctx            context.Context
	log            *zap.Logger
	onFinish       func(*Session)

	mu        sync.Mutex
	serverID  string
	status    domain.Status
	content   Accumulator
	sources   []string
	citations json.RawMessage
	metrics   *domain.Metrics
	errMsg    string
	errKind   ErrorKind
	transient string
	notice    string
	warnings  []string
	ch        channel.Channel
	mode      channel.Mode
	epoch     int
	cancelled bool
	finished  bool
	subs      map[int]chan Snapshot
	nextSub   int
	done      chan struct{}
}

func newSession(ctx context.Context, localID string, req domain.GenerationRequest, policy Policy, factory ChannelFactory, log *zap.Logger, onFinish func(*Session)) *Session {
	return &Session{
		localID:        localID,
		conversationID: req.ConversationID,
		request:        req,
		policy:         policy,
		factory:        factory,
		ctx:            ctx,
		log:            log.With(zap.String("local_id", localID), zap.String("conversation_id", req.ConversationID)),
		onFinish:       onFinish,
		status:         domain.StatusIdle,
		subs:           make(map[int]chan Snapshot),
		done:           make(chan struct{}),
	}
}

// LocalID returns the placeholder id minted at submit time
func (s *Session) LocalID() string { return s.localID }

// ConversationID returns the conversation slot of the session
func (s *Session) ConversationID() string { return s.conversationID }

// Request returns the submitted request
func (s *Session) Request() domain.GenerationRequest { return s.request }

// ServerID returns the server-assigned id, empty until bound
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

// Status returns the current status
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Content returns the accumulated output
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// Error returns the error message, empty unless the status is error
func (s *Session) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Cancelled reports whether Cancel stopped the session before a terminal state
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Generating reports whether the generation is in flight
func (s *Session) Generating() bool {
	return s.Status().Generating()
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		LocalID:        s.localID,
		ServerID:       s.serverID,
		ConversationID: s.conversationID,
		Status:         s.status,
		Content:        s.content.String(),
		Sources:        append([]string(nil), s.sources...),
		Citations:      s.citations,
		Metrics:        s.metrics,
		Error:          s.errMsg,
		ErrorKind:      s.errKind,
		Transient:      s.transient,
		Notice:         s.notice,
		Mode:           s.mode,
		Warnings:       append([]string(nil), s.warnings...),
		Detached:       s.serverID != "" && s.ch == nil && s.status.Generating(),
	}
}

// Subscribe returns a channel carrying the latest snapshot after every change.
// Unread snapshots are replaced by newer ones, so a slow reader only misses
// intermediate states. The channel is closed after the final snapshot of a
// finished session. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- s.snapshotLocked()
	if s.finished {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Done is closed once the session reached a terminal state or was cancelled
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is finished and returns its final state.
// A cancelled session yields ErrSessionCancelled.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return s.snapshotLocked(), domain.ErrSessionCancelled
	}
	return s.snapshotLocked(), nil
}

// Cancel stops observing the generation. A non-terminal session moves to
// idle with its output discarded; the channel is closed in the background.
// Cancelling a terminal session only releases its channel.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	ch := s.ch
	s.ch = nil
	if s.status.Terminal() {
		s.mu.Unlock()
		closeAsync(ch)
		return
	}

	s.cancelled = true
	s.epoch++
	s.status = domain.StatusIdle
	s.content.Reset()
	s.sources = nil
	s.citations = nil
	s.metrics = nil
	s.errMsg = ""
	s.errKind = ErrorNone
	s.transient = ""
	s.notice = ""
	s.publishLocked()
	s.finishLocked()
	s.mu.Unlock()

	s.log.Debug("Session cancelled")
	closeAsync(ch)
	s.onFinish(s)
}

func closeAsync(ch channel.Channel) {
	if ch == nil {
		return
	}
	go func() { _ = ch.Close() }()
}

// begin moves a new session to pending
func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.StatusPending
	s.publishLocked()
}

// failSubmit records a submit failure
func (s *Session) failSubmit(err error) {
	msg := submitMessage(err)

	s.mu.Lock()
	if s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.status = domain.StatusError
	s.errMsg = msg
	s.errKind = ErrorSubmit
	s.publishLocked()
	s.finishLocked()
	s.mu.Unlock()

	s.log.Warn("Submit failed", zap.Error(err))
	s.onFinish(s)
}

func submitMessage(err error) string {
	if d := client.Detail(err); d != "" {
		return d
	}
	return SubmitFailedMessage
}

// bind records the submit response and opens the first delivery channel
func (s *Session) bind(resp *domain.SubmitResponse) error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return domain.ErrSessionCancelled
	}
	if s.serverID == "" {
		s.serverID = resp.MessageID
	}
	s.warnings = resp.Warnings

	// A backend may answer synchronously
	if st, ok := domain.ParseStatus(resp.Status); ok && st == domain.StatusComplete {
		epoch := s.epoch
		s.mu.Unlock()
		s.handle(epoch, event.Complete{
			Content:   resp.Content,
			Sources:   resp.Sources,
			Citations: resp.Citations,
		})
		return nil
	}

	err := s.openLocked(s.policy.Initial())
	if err != nil {
		s.failLocked(ErrorChannel, err.Error())
	}
	s.settleLocked(true)
	finished := s.finished
	s.mu.Unlock()

	if finished {
		s.onFinish(s)
	}
	return err
}

// openLocked starts a channel of the given mode and makes it the owned one
func (s *Session) openLocked(mode channel.Mode) error {
	ch, err := s.factory.NewChannel(mode, s.conversationID, s.serverID)
	if err != nil {
		return fmt.Errorf("open %s channel: %w", mode, err)
	}

	s.epoch++
	epoch := s.epoch
	s.ch = ch
	s.mode = mode
	s.log.Debug("Opening delivery channel", zap.String("mode", string(mode)), zap.String("generation_id", s.serverID))
	ch.Start(s.ctx, func(ev event.Event) { s.handle(epoch, ev) })
	return nil
}

// handle applies one event delivered by the channel opened at epoch
func (s *Session) handle(epoch int, ev event.Event) {
	s.mu.Lock()
	if s.cancelled || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.status.Terminal() {
		s.mu.Unlock()
		s.log.Debug("Discarding straggler event", zap.String("kind", string(ev.Kind())))
		return
	}

	release, changed := s.apply(ev)
	s.settleLocked(changed)
	finished := s.finished
	s.mu.Unlock()

	if release != nil {
		_ = release.Close()
	}
	if finished {
		s.onFinish(s)
	}
}

// apply runs one FSM transition. It returns a channel to close once the lock
// is released and whether an observable field changed.
func (s *Session) apply(ev event.Event) (channel.Channel, bool) {
	switch e := ev.(type) {
	case event.Status:
		if !e.Known {
			s.notice = fmt.Sprintf("unrecognized status %q", e.Reported)
			return nil, true
		}
		// Terminal statuses wait for their complete or error frame
		if !e.Status.Generating() || s.status == e.Status {
			return nil, false
		}
		if s.status == domain.StatusStreaming && e.Status == domain.StatusPending {
			return nil, false
		}
		s.status = e.Status
		s.transient = ""
		return nil, true

	case event.Token:
		s.content.Append(e.Token)
		s.status = domain.StatusStreaming
		s.transient = ""
		return nil, true

	case event.Progress:
		if !e.Status.Generating() {
			return nil, false
		}
		if !(s.status == domain.StatusStreaming && e.Status == domain.StatusPending) {
			s.status = e.Status
		}
		if len(e.Content) >= s.content.Len() {
			s.content.Replace(e.Content)
		}
		s.transient = ""
		return nil, true

	case event.Complete:
		if e.Content != "" {
			s.content.Replace(e.Content)
		}
		s.sources = e.Sources
		s.citations = e.Citations
		s.metrics = e.Metrics
		s.status = domain.StatusComplete
		s.transient = ""
		s.log.Debug("Generation complete", zap.Int("content_length", s.content.Len()))
		// The channel closes itself after its grace period
		return nil, true

	case event.Error:
		s.log.Warn("Generation failed", zap.String("error", e.Message))
		return s.failLocked(ErrorGeneration, e.Message), true

	case event.Close:
		s.log.Warn("Server closed the stream before a terminal event")
		s.detachLocked()
		if next, ok := s.policy.Next(s.mode); ok {
			return nil, s.switchLocked(next, "stream closed before completion")
		}
		s.notice = "stream closed before completion"
		return nil, true

	case event.ChannelFailure:
		s.log.Error("Delivery channel failed", zap.String("mode", string(s.mode)), zap.Error(e.Err))
		s.detachLocked()
		if next, ok := s.policy.Next(s.mode); ok {
			return nil, s.switchLocked(next, e.Err.Error())
		}
		s.failLocked(ErrorChannel, channelMessage(e.Err))
		return nil, true

	case event.TransientFailure:
		s.transient = e.Err.Error()
		return nil, true

	case event.Malformed:
		s.notice = e.Err.Error()
		return nil, true

	case event.Unknown:
		s.notice = fmt.Sprintf("unknown event type %q", e.Type)
		return nil, true
	}
	return nil, false
}

// detachLocked closes the owned channel. Close never waits for the delivery
// goroutine, so it is safe under the session lock.
func (s *Session) detachLocked() {
	if s.ch == nil {
		return
	}
	_ = s.ch.Close()
	s.ch = nil
}

// switchLocked replaces the failed channel with one of mode next
func (s *Session) switchLocked(next channel.Mode, reason string) bool {
	s.log.Info("Switching delivery channel", zap.String("to", string(next)), zap.String("reason", reason))
	if err := s.openLocked(next); err != nil {
		s.failLocked(ErrorChannel, err.Error())
		return true
	}
	s.notice = fmt.Sprintf("switched to %s delivery: %s", next, reason)
	return true
}

// failLocked moves the session to error and returns the channel to release
func (s *Session) failLocked(kind ErrorKind, msg string) channel.Channel {
	if msg == "" {
		msg = event.DefaultErrorMessage
	}
	s.status = domain.StatusError
	s.errMsg = msg
	s.errKind = kind
	s.transient = ""

	ch := s.ch
	s.ch = nil
	return ch
}

func channelMessage(err error) string {
	if err == nil {
		return "Stream unavailable"
	}
	return "Stream unavailable: " + err.Error()
}

// publishLocked hands the latest snapshot to every subscriber without blocking
func (s *Session) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// settleLocked publishes a change and finishes a session that became terminal
func (s *Session) settleLocked(changed bool) {
	if changed {
		s.publishLocked()
	}
	if s.status.Terminal() {
		s.finishLocked()
	}
}

func (s *Session) finishLocked() {
	if s.finished {
		return
	}
	s.finished = true
	close(s.done)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// release closes whatever channel the session still owns
func (s *Session) release() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}
