package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/logging"
)

// Submitter sends a generation request to the backend
type Submitter interface {
	Submit(ctx context.Context, req *domain.GenerationRequest) (*domain.SubmitResponse, error)
}

// Manager submits generations and keeps at most one active session per
// conversation.
type Manager struct {
	submitter Submitter
	factory   ChannelFactory
	policy    Policy
	log       *zap.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	active   map[string]*Session
	closed   bool
	sessions *Reconciler[*Session]
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithPolicy sets the default delivery policy
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) { m.log = logging.OrNop(log) }
}

// NewManager creates a manager
func NewManager(submitter Submitter, factory ChannelFactory, opts ...ManagerOption) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		submitter: submitter,
		factory:   factory,
		policy:    StreamOnly{},
		log:       zap.NewNop(),
		ctx:       ctx,
		stop:      stop,
		active:    make(map[string]*Session),
		sessions:  NewReconciler[*Session](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubmitOption overrides manager defaults for one submission
type SubmitOption func(*submitOptions)

type submitOptions struct {
	policy Policy
}

// WithDelivery overrides the delivery policy for one submission
func WithDelivery(p Policy) SubmitOption {
	return func(o *submitOptions) { o.policy = p }
}

// Submit starts a generation in the request's conversation.
//
// It blocks for the submit round trip only. The returned session is never
// nil once the slot was taken: on failure it is already in the error state
// and the error is returned alongside it.
func (m *Manager) Submit(ctx context.Context, req domain.GenerationRequest, opts ...SubmitOption) (*Session, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", domain.ErrInvalidRequest)
	}
	o := submitOptions{policy: m.policy}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session manager is closed")
	}
	if cur, ok := m.active[req.ConversationID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSlotBusy, cur.LocalID())
	}
	s := newSession(m.ctx, uuid.New().String(), req, o.policy, m.factory, m.log, m.finished)
	m.active[req.ConversationID] = s
	m.sessions.Put(s.LocalID(), s)
	m.mu.Unlock()

	s.begin()
	m.log.Debug("Submitting generation",
		zap.String("local_id", s.LocalID()),
		zap.String("conversation_id", req.ConversationID),
		zap.String("policy", o.policy.Name()),
	)

	resp, err := m.submitter.Submit(ctx, &req)
	if err != nil {
		s.failSubmit(err)
		return s, fmt.Errorf("submit generation: %w", err)
	}

	if err := m.sessions.Bind(s.LocalID(), resp.MessageID); err != nil {
		if s.Cancelled() {
			return s, domain.ErrSessionCancelled
		}
		s.failSubmit(err)
		return s, err
	}
	if err := s.bind(resp); err != nil {
		return s, err
	}
	return s, nil
}

// finished releases the conversation slot of s. Cancelled sessions are also
// dropped from lookups; terminal ones stay until Forget.
func (m *Manager) finished(s *Session) {
	if s.Cancelled() {
		m.sessions.Remove(s.LocalID())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.ConversationID()] == s {
		delete(m.active, s.ConversationID())
	}
}

// Cancel cancels the session known by id, local or server
func (m *Manager) Cancel(id string) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	s.Cancel()
	return nil
}

// Lookup finds a session by local or server id
func (m *Manager) Lookup(id string) (*Session, bool) {
	return m.sessions.Lookup(id)
}

// Active returns the non-terminal session of a conversation
func (m *Manager) Active(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[conversationID]
	return s, ok
}

// Forget drops a finished session from lookups. Completed and failed
// sessions stay reachable until forgotten.
func (m *Manager) Forget(id string) {
	if s, ok := m.sessions.Lookup(id); ok && !s.Generating() {
		m.sessions.Remove(id)
	}
}

// Close cancels every live session and releases every channel
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.sessions.Range(func(_ string, s *Session) bool {
		s.Cancel()
		s.release()
		return true
	})
	m.stop()
}
