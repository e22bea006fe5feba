package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/repository"
)

type testEnv struct {
	svc   *GenerationService
	convs *repository.ConversationRepository
	msgs  *repository.MessageRepository
	conv  *domain.Conversation
}

func testConfig() config.GenerationConfig {
	temp := 0.3
	verify := true
	return config.GenerationConfig{
		Defaults: domain.GenerationOptions{
			PromptType:       domain.PromptTypeQA,
			Temperature:      &temp,
			Provider:         "ollama",
			MaxContextTokens: 4000,
			TopK:             20,
			MaxOutputTokens:  1500,
			VerifyCitations:  &verify,
		},
		Workers:       2,
		QueueSize:     8,
		StreamTick:    10 * time.Millisecond,
		StreamMaxWait: time.Second,
		CacheTTL:      time.Hour,
	}
}

func newTestEnv(t *testing.T, gen Generator, mutate func(*config.GenerationConfig), start bool) *testEnv {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "askgen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		convs: repository.NewConversationRepository(db),
		msgs:  repository.NewMessageRepository(db),
	}
	env.svc = NewGenerationService(cfg, env.convs, env.msgs, gen, nil)
	if start {
		require.NoError(t, env.svc.Start(context.Background()))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env.svc.Shutdown(ctx)
	})

	env.conv, err = env.svc.CreateConversation(context.Background(), &domain.CreateConversationRequest{WorkspaceID: "w1", Title: "t"})
	require.NoError(t, err)
	return env
}

func (e *testEnv) waitStatus(t *testing.T, messageID string, want domain.Status) *domain.StatusResponse {
	t.Helper()
	var resp *domain.StatusResponse
	require.Eventually(t, func() bool {
		r, err := e.svc.Status(context.Background(), e.conv.ID, messageID)
		if err != nil {
			return false
		}
		resp = r
		return r.Status == string(want)
	}, 3*time.Second, 5*time.Millisecond)
	return resp
}

func TestSubmitRunsGeneration(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, nil, true)
	ctx := context.Background()

	sub, err := env.svc.Submit(ctx, env.conv.ID, &domain.GenerationRequest{Query: "What is Go?"})
	require.NoError(t, err)
	assert.Equal(t, "pending", sub.Status)
	assert.Empty(t, sub.Content)
	assert.Equal(t, []string{PendingWarning}, sub.Warnings)

	resp := env.waitStatus(t, sub.MessageID, domain.StatusComplete)
	assert.Equal(t, "You asked (qa): What is Go?", resp.Content)
	require.NotNil(t, resp.ModelUsed)
	assert.Equal(t, "echo", *resp.ModelUsed)
	require.NotNil(t, resp.TokensUsed)
	assert.Equal(t, 6, *resp.TokensUsed)
	assert.Equal(t, 6, env.svc.Cache().Len(sub.MessageID))

	msgs, err := env.svc.Messages(ctx, env.conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is Go?", msgs[0].Content)
	require.NotNil(t, msgs[1].GenerationParams)
	assert.Equal(t, 20, msgs[1].GenerationParams.TopK)
	assert.Equal(t, 1500, msgs[1].GenerationParams.MaxOutputTokens)

	require.Eventually(t, func() bool {
		conv, err := env.svc.Conversation(ctx, env.conv.ID)
		return err == nil && conv.TokenUsage == 6
	}, time.Second, 5*time.Millisecond)
	conv, _ := env.svc.Conversation(ctx, env.conv.ID)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestSubmitValidation(t *testing.T) {
	hot, cold := 1.5, -0.1
	tests := []struct {
		name string
		req  domain.GenerationRequest
	}{
		{"empty query", domain.GenerationRequest{Query: "   "}},
		{"long query", domain.GenerationRequest{Query: strings.Repeat("a", MaxQueryLength+1)}},
		{"prompt type", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{PromptType: "poem"}}},
		{"context tokens", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{MaxContextTokens: 100}}},
		{"top k", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{TopK: 101}}},
		{"output tokens", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{MaxOutputTokens: 5000}}},
		{"hot temperature", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{Temperature: &hot}}},
		{"cold temperature", domain.GenerationRequest{Query: "q", GenerationOptions: domain.GenerationOptions{Temperature: &cold}}},
	}

	env := newTestEnv(t, &EchoGenerator{}, nil, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Submit(context.Background(), env.conv.ID, &tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}

	msgs, err := env.svc.Messages(context.Background(), env.conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected requests store nothing")
}

func TestSubmitUnknownConversation(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, nil, false)
	_, err := env.svc.Submit(context.Background(), "missing", &domain.GenerationRequest{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.Messages(context.Background(), "missing", 0, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusChecksConversation(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, nil, true)
	sub, err := env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "q"})
	require.NoError(t, err)

	_, err = env.svc.Status(context.Background(), "other", sub.MessageID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.Status(context.Background(), env.conv.ID, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerationFailure(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, job *Job, emit func(string)) (*domain.GenerationResult, error) {
		emit("partial ")
		return nil, errors.New("model not loaded")
	})
	env := newTestEnv(t, gen, nil, true)

	sub, err := env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "q"})
	require.NoError(t, err)

	resp := env.waitStatus(t, sub.MessageID, domain.StatusError)
	require.NotNil(t, resp.ErrorMessage)
	assert.Contains(t, *resp.ErrorMessage, "model not loaded")
}

func TestGeneratorWithoutResult(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, job *Job, emit func(string)) (*domain.GenerationResult, error) {
		emit("hi")
		return nil, nil
	})
	env := newTestEnv(t, gen, nil, true)

	sub, err := env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "q"})
	require.NoError(t, err)

	resp := env.waitStatus(t, sub.MessageID, domain.StatusComplete)
	assert.Equal(t, "hi", resp.Content)
	assert.Nil(t, resp.ErrorMessage)
}

func TestStatusIncludesLiveTokens(t *testing.T) {
	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, job *Job, emit func(string)) (*domain.GenerationResult, error) {
		emit("Hel")
		emit("lo")
		<-release
		return &domain.GenerationResult{Content: "Hello world"}, nil
	})
	env := newTestEnv(t, gen, func(c *config.GenerationConfig) { c.StreamTick = time.Hour }, true)

	sub, err := env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "q"})
	require.NoError(t, err)

	var resp *domain.StatusResponse
	require.Eventually(t, func() bool {
		resp, err = env.svc.Status(context.Background(), env.conv.ID, sub.MessageID)
		return err == nil && resp.Content == "Hello"
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "streaming", resp.Status)

	close(release)
	resp = env.waitStatus(t, sub.MessageID, domain.StatusComplete)
	assert.Equal(t, "Hello world", resp.Content)
}

func TestQueueFull(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, func(c *config.GenerationConfig) { c.QueueSize = 1 }, false)
	ctx := context.Background()

	_, err := env.svc.Submit(ctx, env.conv.ID, &domain.GenerationRequest{Query: "first"})
	require.NoError(t, err)
	_, err = env.svc.Submit(ctx, env.conv.ID, &domain.GenerationRequest{Query: "second"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	msgs, err := env.svc.Messages(ctx, env.conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.StatusError, msgs[3].Status)
}

func TestShutdownCancelsRunningGenerations(t *testing.T) {
	started := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, job *Job, emit func(string)) (*domain.GenerationResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, gen, func(c *config.GenerationConfig) { c.Workers = 1 }, true)

	sub, err := env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "q"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.svc.Shutdown(ctx), context.DeadlineExceeded)

	resp, err := env.svc.Status(context.Background(), env.conv.ID, sub.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)

	_, err = env.svc.Submit(context.Background(), env.conv.ID, &domain.GenerationRequest{Query: "late"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestStartFailsOrphanedGenerations(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, nil, false)
	ctx := context.Background()

	orphan := &domain.Message{ConversationID: env.conv.ID, Role: domain.RoleAssistant, Status: domain.StatusStreaming}
	require.NoError(t, env.msgs.Create(ctx, orphan))

	require.NoError(t, env.svc.Start(ctx))

	resp, err := env.svc.Status(ctx, env.conv.ID, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, InterruptedMessage, *resp.ErrorMessage)
}

func TestCreateConversationRequiresWorkspace(t *testing.T) {
	env := newTestEnv(t, &EchoGenerator{}, nil, false)
	_, err := env.svc.CreateConversation(context.Background(), &domain.CreateConversationRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
