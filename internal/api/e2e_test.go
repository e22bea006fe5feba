package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/askgen/internal/channel"
	"github.com/liliang-cn/askgen/internal/client"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/service"
	"github.com/liliang-cn/askgen/internal/session"
)

func newManager(t *testing.T, c *client.Client, opts ...session.ManagerOption) *session.Manager {
	t.Helper()
	m := session.NewManager(c, &channel.Factory{
		Locator:          c,
		Fetcher:          c,
		PollInterval:     20 * time.Millisecond,
		GracePeriod:      50 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}, opts...)
	t.Cleanup(m.Close)
	return m
}

func waitSession(t *testing.T, s *session.Session) (session.Snapshot, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestEndToEndDelivery(t *testing.T) {
	tests := []struct {
		name   string
		policy session.Policy
		mode   channel.Mode
	}{
		{"stream", session.StreamOnly{}, channel.ModeStream},
		{"poll", session.PollOnly{}, channel.ModePoll},
		{"stream then poll", session.StreamThenPoll{}, channel.ModeStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &service.EchoGenerator{Delay: 5 * time.Millisecond}, "secret", nil)
			c := client.New(srv.URL, client.WithAPIKey("secret"))
			conv, err := c.CreateConversation(context.Background(), &domain.CreateConversationRequest{WorkspaceID: "w1"})
			require.NoError(t, err)

			m := newManager(t, c, session.WithPolicy(tt.policy))
			s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "What is Go?", ConversationID: conv.ID})
			require.NoError(t, err)
			assert.NotEmpty(t, s.ServerID())

			snap, err := waitSession(t, s)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusComplete, snap.Status)
			assert.Equal(t, "You asked (qa): What is Go?", snap.Content)
			assert.Equal(t, tt.mode, snap.Mode)
			assert.Empty(t, snap.Error)
			require.NotNil(t, snap.Metrics)
			assert.Equal(t, "echo", snap.Metrics.ModelUsed)
			assert.Equal(t, []string{service.PendingWarning}, snap.Warnings)

			_, busy := m.Active(conv.ID)
			assert.False(t, busy)

			byServer, ok := m.Lookup(s.ServerID())
			require.True(t, ok)
			assert.Same(t, s, byServer)
		})
	}
}

func TestEndToEndStreamUnavailable(t *testing.T) {
	srv := newTestServer(t, &service.EchoGenerator{}, "", nil)
	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()

	c := client.New(srv.URL, client.WithWebSocketURL("ws"+broken.URL[len("http"):]))
	conv, err := c.CreateConversation(context.Background(), &domain.CreateConversationRequest{WorkspaceID: "w1"})
	require.NoError(t, err)

	t.Run("stream only fails", func(t *testing.T) {
		m := newManager(t, c)
		s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "q", ConversationID: conv.ID})
		require.NoError(t, err)

		snap, err := waitSession(t, s)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, snap.Status)
		assert.Equal(t, session.ErrorChannel, snap.ErrorKind)
		assert.NotEmpty(t, snap.Error)
	})

	t.Run("fallback to poll", func(t *testing.T) {
		m := newManager(t, c, session.WithPolicy(session.StreamThenPoll{}))
		s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "q", ConversationID: conv.ID})
		require.NoError(t, err)

		snap, err := waitSession(t, s)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusComplete, snap.Status)
		assert.Equal(t, channel.ModePoll, snap.Mode)
		assert.Equal(t, "You asked (qa): q", snap.Content)
	})
}

func TestEndToEndCancel(t *testing.T) {
	srv := newTestServer(t, &service.EchoGenerator{Delay: 50 * time.Millisecond}, "", nil)
	c := client.New(srv.URL)
	conv, err := c.CreateConversation(context.Background(), &domain.CreateConversationRequest{WorkspaceID: "w1"})
	require.NoError(t, err)

	m := newManager(t, c)
	s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "What is Go?", ConversationID: conv.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Content() != ""
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(s.LocalID()))
	snap, err := waitSession(t, s)
	assert.True(t, errors.Is(err, domain.ErrSessionCancelled))
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, snap.Content)

	_, busy := m.Active(conv.ID)
	assert.False(t, busy)

	// The slot is free for a retry with a fresh local id
	retry, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "again", ConversationID: conv.ID})
	require.NoError(t, err)
	assert.NotEqual(t, s.LocalID(), retry.LocalID())
	retry.Cancel()
}

func TestEndToEndSubmitRejected(t *testing.T) {
	srv := newTestServer(t, &service.EchoGenerator{}, "", nil)
	c := client.New(srv.URL)

	m := newManager(t, c)
	s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "q", ConversationID: "missing"})
	require.Error(t, err)
	require.NotNil(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Status)
	assert.Equal(t, session.ErrorSubmit, snap.ErrorKind)
	assert.Equal(t, domain.ErrNotFound.Error(), snap.Error)
}
