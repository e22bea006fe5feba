package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/logging"
	"github.com/liliang-cn/askgen/internal/repository"
)

// Request limits
const (
	MaxQueryLength      = 2000
	MinContextTokens    = 500
	MaxContextTokens    = 16000
	MinTopK             = 1
	MaxTopK             = 100
	MinOutputTokens     = 100
	MaxOutputTokens     = 4000
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// PendingWarning is attached to every accepted submission
const PendingWarning = "Response is being generated. Poll or use WebSocket to get updates."

// InterruptedMessage marks generations left unfinished by a previous process
const InterruptedMessage = "Generation interrupted by server restart"

// GenerationService accepts generation requests and runs them on a pool of
// workers. Progress is written to the message store and to the stream cache.
type GenerationService struct {
	cfg   config.GenerationConfig
	convs *repository.ConversationRepository
	msgs  *repository.MessageRepository
	cache *StreamCache
	gen   Generator
	log   *zap.Logger

	ctx     context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
	wg      sync.WaitGroup

	mu      sync.Mutex
	jobs    chan *Job
	started bool
	closed  bool
}

// NewGenerationService creates a new generation service
func NewGenerationService(
	cfg config.GenerationConfig,
	convs *repository.ConversationRepository,
	msgs *repository.MessageRepository,
	gen Generator,
	log *zap.Logger,
) *GenerationService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, stop := context.WithCancel(context.Background())
	return &GenerationService{
		cfg:   cfg,
		convs: convs,
		msgs:  msgs,
		cache: NewStreamCache(cfg.CacheTTL),
		gen:   gen,
		log:   logging.OrNop(log),
		ctx:   ctx,
		stop:  stop,
		jobs:  make(chan *Job, cfg.QueueSize),
	}
}

// Cache returns the token stream cache
func (s *GenerationService) Cache() *StreamCache {
	return s.cache
}

// Done is closed once Shutdown has given up waiting for running generations
func (s *GenerationService) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Start fails generations orphaned by a previous run and starts the workers
func (s *GenerationService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	n, err := s.msgs.FailUnfinished(ctx, InterruptedMessage)
	if err != nil {
		return fmt.Errorf("failed to recover unfinished generations: %w", err)
	}
	if n > 0 {
		s.log.Warn("Marked unfinished generations as failed", zap.Int64("count", n))
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.sweep()

	s.started = true
	s.log.Info("Generation workers started", zap.Int("workers", s.cfg.Workers))
	return nil
}

// Shutdown stops accepting work and waits for queued generations. When ctx
// expires first, running generations are cancelled.
func (s *GenerationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.stop()
	<-drained
	s.wg.Wait()
	return err
}

// CreateConversation creates a conversation in a workspace
func (s *GenerationService) CreateConversation(ctx context.Context, req *domain.CreateConversationRequest) (*domain.Conversation, error) {
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", domain.ErrInvalidRequest)
	}
	conv := &domain.Conversation{WorkspaceID: req.WorkspaceID, Title: req.Title}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Conversation retrieves a conversation
func (s *GenerationService) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

// Messages lists the messages of a conversation
func (s *GenerationService) Messages(ctx context.Context, conversationID string, skip, limit int) ([]*domain.Message, error) {
	if _, err := s.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}
	return s.msgs.List(ctx, conversationID, skip, limit)
}

// Submit stores the question and a pending answer, then queues generation
func (s *GenerationService) Submit(ctx context.Context, conversationID string, req *domain.GenerationRequest) (*domain.SubmitResponse, error) {
	opts := s.withDefaults(req.GenerationOptions)
	if err := Validate(req.Query, opts); err != nil {
		return nil, err
	}

	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	user := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        req.Query,
		Status:         domain.StatusComplete,
	}
	if err := s.msgs.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to store question: %w", err)
	}

	reply := &domain.Message{
		ConversationID:   conv.ID,
		Role:             domain.RoleAssistant,
		Status:           domain.StatusPending,
		GenerationParams: &opts,
	}
	if err := s.msgs.Create(ctx, reply); err != nil {
		return nil, fmt.Errorf("failed to store answer: %w", err)
	}
	if err := s.convs.AddUsage(ctx, conv.ID, 2, 0); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	job := &Job{
		MessageID:      reply.ID,
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Query:          req.Query,
		Options:        opts,
	}
	if err := s.enqueue(job); err != nil {
		if ferr := s.msgs.Fail(ctx, reply.ID, err.Error()); ferr != nil {
			s.log.Error("Failed to mark rejected generation", zap.Error(ferr))
		}
		return nil, err
	}

	s.log.Info("Generation queued",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", reply.ID),
	)

	return &domain.SubmitResponse{
		MessageID: reply.ID,
		Status:    string(domain.StatusPending),
		Content:   "",
		Sources:   []string{},
		Citations: json.RawMessage(`{}`),
		Warnings:  []string{PendingWarning},
	}, nil
}

func (s *GenerationService) enqueue(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: shutting down", domain.ErrUnavailable)
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: generation queue is full", domain.ErrUnavailable)
	}
}

// Message retrieves a message of a conversation
func (s *GenerationService) Message(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	msg, err := s.msgs.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ConversationID != conversationID {
		return nil, domain.ErrNotFound
	}
	return msg, nil
}

// Status returns the polling view of a generation. While it runs, the
// content includes every token emitted so far.
func (s *GenerationService) Status(ctx context.Context, conversationID, messageID string) (*domain.StatusResponse, error) {
	msg, err := s.Message(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	resp := msg.StatusResponse()
	if msg.Status.Generating() {
		if tokens, _, _ := s.cache.Since(messageID, 0); len(tokens) > 0 {
			if live := strings.Join(tokens, ""); len(live) > len(resp.Content) {
				resp.Content = live
			}
		}
	}
	return resp, nil
}

// withDefaults fills unset options from configuration
func (s *GenerationService) withDefaults(o domain.GenerationOptions) domain.GenerationOptions {
	d := s.cfg.Defaults
	if o.PromptType == "" {
		o.PromptType = d.PromptType
	}
	if o.Temperature == nil && d.Temperature != nil {
		t := *d.Temperature
		o.Temperature = &t
	}
	if o.Provider == "" {
		o.Provider = d.Provider
	}
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.MaxContextTokens == 0 {
		o.MaxContextTokens = d.MaxContextTokens
	}
	if o.TopK == 0 {
		o.TopK = d.TopK
	}
	if o.MaxOutputTokens == 0 {
		o.MaxOutputTokens = d.MaxOutputTokens
	}
	if o.VerifyCitations == nil && d.VerifyCitations != nil {
		v := *d.VerifyCitations
		o.VerifyCitations = &v
	}
	return o
}

// Validate checks a query and its options against the request limits
func Validate(query string, o domain.GenerationOptions) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(query)); n == 0 || n > MaxQueryLength {
		return fmt.Errorf("%w: query must be between 1 and %d characters", domain.ErrInvalidRequest, MaxQueryLength)
	}
	switch o.PromptType {
	case domain.PromptTypeQA, domain.PromptTypeSummary, domain.PromptTypeCompare, domain.PromptTypeExtract:
	default:
		return fmt.Errorf("%w: unknown prompt_type %q", domain.ErrInvalidRequest, o.PromptType)
	}
	if o.MaxContextTokens < MinContextTokens || o.MaxContextTokens > MaxContextTokens {
		return fmt.Errorf("%w: max_context_tokens must be between %d and %d", domain.ErrInvalidRequest, MinContextTokens, MaxContextTokens)
	}
	if o.TopK < MinTopK || o.TopK > MaxTopK {
		return fmt.Errorf("%w: top_k must be between %d and %d", domain.ErrInvalidRequest, MinTopK, MaxTopK)
	}
	if o.MaxOutputTokens < MinOutputTokens || o.MaxOutputTokens > MaxOutputTokens {
		return fmt.Errorf("%w: llm_max_tokens must be between %d and %d", domain.ErrInvalidRequest, MinOutputTokens, MaxOutputTokens)
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 1) {
		return fmt.Errorf("%w: temperature must be between 0 and 1", domain.ErrInvalidRequest)
	}
	return nil
}

func (s *GenerationService) worker(n int) {
	defer s.workers.Done()
	log := s.log.With(zap.Int("worker", n))
	for job := range s.jobs {
		s.run(log, job)
	}
}

// run executes one job and records its outcome. The stream is finished in
// the cache only after the store holds the terminal status.
func (s *GenerationService) run(log *zap.Logger, job *Job) {
	log = log.With(zap.String("message_id", job.MessageID))
	defer s.cache.Finish(job.MessageID)

	// Persisting must outlive a cancelled generation
	store := context.WithoutCancel(s.ctx)

	if err := s.msgs.UpdateProgress(store, job.MessageID, domain.StatusStreaming, ""); err != nil {
		log.Error("Failed to start generation", zap.Error(err))
		return
	}

	var content strings.Builder
	lastFlush := time.Now()
	emit := func(token string) {
		content.WriteString(token)
		s.cache.Append(job.MessageID, token)
		if time.Since(lastFlush) >= s.cfg.StreamTick {
			lastFlush = time.Now()
			if err := s.msgs.UpdateProgress(store, job.MessageID, domain.StatusStreaming, content.String()); err != nil {
				log.Warn("Failed to persist progress", zap.Error(err))
			}
		}
	}

	result, err := s.gen.Generate(s.ctx, job, emit)
	if err != nil {
		log.Error("Generation failed", zap.Error(err))
		if ferr := s.msgs.Fail(store, job.MessageID, "Generation failed: "+err.Error()); ferr != nil {
			log.Error("Failed to record failure", zap.Error(ferr))
		}
		return
	}

	if result == nil {
		result = &domain.GenerationResult{}
	}
	if result.Content == "" {
		result.Content = content.String()
	}
	if err := s.msgs.Complete(store, job.MessageID, result); err != nil {
		log.Error("Failed to store result", zap.Error(err))
		return
	}

	tokens := 0
	if result.Metrics.TokensUsed != nil {
		tokens = *result.Metrics.TokensUsed
	}
	if err := s.convs.AddUsage(store, job.ConversationID, 0, tokens); err != nil {
		log.Warn("Failed to update token usage", zap.Error(err))
	}
	log.Info("Generation complete", zap.Int("tokens", tokens))
}

func (s *GenerationService) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Sweep(); n > 0 {
				s.log.Debug("Swept finished streams", zap.Int("count", n))
			}
		}
	}
}
