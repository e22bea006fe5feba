package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/askgen/internal/channel"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
	"github.com/liliang-cn/askgen/internal/session"
)

func TestContentPrinter(t *testing.T) {
	var buf bytes.Buffer
	var p contentPrinter

	p.print(&buf, "You ")
	p.print(&buf, "You asked")
	p.print(&buf, "You asked")
	assert.Equal(t, "You asked", buf.String())

	p.print(&buf, "Rewritten")
	p.end(&buf)
	assert.Equal(t, "You asked\nRewritten\n", buf.String())
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "What is Go?", title("  What   is\nGo? "))

	long := title(strings.Repeat("word ", 30))
	assert.Equal(t, 60, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestAskOptions(t *testing.T) {
	fs := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	var a askFlags
	fs.Float64Var(&a.temperature, "temperature", 0, "")
	fs.IntVar(&a.topK, "top-k", 0, "")
	fs.BoolVar(&a.noVerify, "no-verify", false, "")

	o := a.options(fs)
	assert.Nil(t, o.Temperature)
	assert.Nil(t, o.VerifyCitations)

	require.NoError(t, fs.Parse([]string{"--temperature", "0", "--top-k", "5", "--no-verify"}))
	o = a.options(fs)
	require.NotNil(t, o.Temperature)
	assert.Equal(t, 0.0, *o.Temperature)
	assert.Equal(t, 5, o.TopK)
	require.NotNil(t, o.VerifyCitations)
	assert.False(t, *o.VerifyCitations)
}

func TestStatusLine(t *testing.T) {
	st := newStyles()
	tokens := 6

	tests := []struct {
		name string
		snap session.Snapshot
		want []string
	}{
		{"complete", session.Snapshot{Status: domain.StatusComplete, Metrics: &domain.Metrics{TokensUsed: &tokens, ModelUsed: "echo"}}, []string{"complete", "echo", "6 tokens"}},
		{"error", session.Snapshot{Status: domain.StatusError, Error: "Stream unavailable", ErrorKind: session.ErrorChannel}, []string{"Stream unavailable", "channel"}},
		{"cancelled", session.Snapshot{Status: domain.StatusIdle}, []string{"cancelled"}},
		{"running", session.Snapshot{Status: domain.StatusStreaming, Mode: "poll"}, []string{"streaming", "poll"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := st.status(tt.snap)
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
		})
	}
}

type acceptSubmitter struct{}

func (acceptSubmitter) Submit(context.Context, *domain.GenerationRequest) (*domain.SubmitResponse, error) {
	return &domain.SubmitResponse{MessageID: "m-1", Status: "pending"}, nil
}

// earlyCloseChannel sends one token and then a server close frame
type earlyCloseChannel struct {
	done chan struct{}
}

func (c *earlyCloseChannel) Mode() channel.Mode { return channel.ModeStream }

func (c *earlyCloseChannel) Start(_ context.Context, h channel.Handler) {
	go func() {
		h(event.Token{Token: "Hel"})
		h(event.Close{})
	}()
}

func (c *earlyCloseChannel) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *earlyCloseChannel) Done() <-chan struct{} { return c.done }

type earlyCloseFactory struct{}

func (earlyCloseFactory) NewChannel(channel.Mode, string, string) (channel.Channel, error) {
	return &earlyCloseChannel{done: make(chan struct{})}, nil
}

func TestFollowStopsWhenStreamClosesEarly(t *testing.T) {
	m := session.NewManager(acceptSubmitter{}, earlyCloseFactory{})
	defer m.Close()

	s, err := m.Submit(context.Background(), domain.GenerationRequest{Query: "q", ConversationID: "c1"})
	require.NoError(t, err)

	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() { errc <- follow(context.Background(), s, &out, io.Discard, newStyles()) }()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stream closed before completion")
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not return")
	}
	assert.Equal(t, "Hel\n", out.String())
	assert.Equal(t, domain.StatusIdle, s.Status())
	_, busy := m.Active("c1")
	assert.False(t, busy)
}
