package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liliang-cn/askgen/internal/channel"
	"github.com/liliang-cn/askgen/internal/client"
	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/logging"
	"github.com/liliang-cn/askgen/internal/session"
)

type askFlags struct {
	conversation     string
	workspace        string
	delivery         string
	promptType       string
	temperature      float64
	provider         string
	model            string
	topK             int
	maxContextTokens int
	maxOutputTokens  int
	noVerify         bool
}

var ask askFlags

var askCmd = &cobra.Command{
	Use:   "ask QUESTION",
	Short: "Submit a question and print the answer as it is generated",
	Long: `Submit a question and print the answer as it is generated.

Without --conversation a new conversation is created in --workspace.
Press Ctrl+C to stop following the generation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	f := askCmd.Flags()
	f.StringVar(&ask.conversation, "conversation", "", "conversation id to ask in")
	f.StringVar(&ask.workspace, "workspace", "default", "workspace for a new conversation")
	f.StringVar(&ask.delivery, "delivery", "", "delivery policy: stream, poll or stream-then-poll (default from config)")
	f.StringVar(&ask.promptType, "prompt-type", "", "prompt type: qa, summary, compare or extract")
	f.Float64Var(&ask.temperature, "temperature", 0, "sampling temperature (0-1)")
	f.StringVar(&ask.provider, "provider", "", "model provider")
	f.StringVar(&ask.model, "model", "", "model name")
	f.IntVar(&ask.topK, "top-k", 0, "number of retrieved chunks")
	f.IntVar(&ask.maxContextTokens, "max-context-tokens", 0, "context token budget")
	f.IntVar(&ask.maxOutputTokens, "max-output-tokens", 0, "answer token budget")
	f.BoolVar(&ask.noVerify, "no-verify", false, "skip citation verification")
}

// options builds the request options; unset flags are left to the backend
func (a *askFlags) options(flags *pflag.FlagSet) domain.GenerationOptions {
	o := domain.GenerationOptions{
		PromptType:       a.promptType,
		Provider:         a.provider,
		Model:            a.model,
		TopK:             a.topK,
		MaxContextTokens: a.maxContextTokens,
		MaxOutputTokens:  a.maxOutputTokens,
	}
	if flags.Changed("temperature") {
		t := a.temperature
		o.Temperature = &t
	}
	if a.noVerify {
		v := false
		o.VerifyCitations = &v
	}
	return o
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	delivery := ask.delivery
	if delivery == "" {
		delivery = cfg.Client.Delivery
	}
	policy, err := session.PolicyFor(delivery)
	if err != nil {
		return err
	}

	c := client.New(cfg.Client.BaseURL,
		client.WithAPIKey(cfg.Client.APIKey),
		client.WithWebSocketURL(cfg.Client.WSURL),
		client.WithTimeout(cfg.Client.RequestTimeout),
	)
	manager := session.NewManager(c, &channel.Factory{
		Locator:          c,
		Fetcher:          c,
		PollInterval:     cfg.Client.PollInterval,
		GracePeriod:      cfg.Client.GracePeriod,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		Logger:           logger,
	}, session.WithPolicy(policy), session.WithLogger(logger))
	defer manager.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	query := strings.Join(args, " ")
	st := newStyles()
	out := cmd.OutOrStdout()

	conversationID := ask.conversation
	if conversationID == "" {
		conv, err := c.CreateConversation(ctx, &domain.CreateConversationRequest{
			WorkspaceID: ask.workspace,
			Title:       title(query),
		})
		if err != nil {
			return err
		}
		conversationID = conv.ID
		fmt.Fprintln(cmd.ErrOrStderr(), st.Dim.Render("conversation "+conv.ID))
	}

	s, err := manager.Submit(ctx, domain.GenerationRequest{
		Query:             query,
		ConversationID:    conversationID,
		WorkspaceID:       ask.workspace,
		GenerationOptions: ask.options(cmd.Flags()),
	})
	if err != nil {
		if s != nil {
			fmt.Fprintln(out, st.status(s.Snapshot()))
		}
		return err
	}

	return follow(ctx, s, out, cmd.ErrOrStderr(), st)
}

// follow prints content as it grows until the session finishes or ctx ends
func follow(ctx context.Context, s *session.Session, out, diag io.Writer, st styles) error {
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var printer contentPrinter
	var last session.Snapshot
	notice := ""
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				printer.end(out)
				fmt.Fprintln(out, st.status(last))
				if last.Status == domain.StatusError {
					return fmt.Errorf("generation %s failed", last.ServerID)
				}
				return nil
			}
			last = snap
			printer.print(out, snap.Content)
			if msg := snap.Notice + snap.Transient; msg != "" && msg != notice {
				notice = msg
				fmt.Fprintln(diag, st.Dim.Render(msg))
			}
			if snap.Detached {
				s.Cancel()
				printer.end(out)
				return fmt.Errorf("generation %s: stream closed before completion", snap.ServerID)
			}

		case <-ctx.Done():
			s.Cancel()
			printer.end(out)
			fmt.Fprintln(out, st.status(s.Snapshot()))
			return nil
		}
	}
}

// contentPrinter writes the part of the content not printed yet
type contentPrinter struct {
	printed string
}

func (p *contentPrinter) print(w io.Writer, content string) {
	switch {
	case content == p.printed:
		return
	case strings.HasPrefix(content, p.printed):
		fmt.Fprint(w, content[len(p.printed):])
	default:
		// Replaced by the server, start over on a new line
		if p.printed != "" {
			fmt.Fprintln(w)
		}
		fmt.Fprint(w, content)
	}
	p.printed = content
}

func (p *contentPrinter) end(w io.Writer) {
	if p.printed != "" && !strings.HasSuffix(p.printed, "\n") {
		fmt.Fprintln(w)
	}
}

// title derives a conversation title from the question
func title(query string) string {
	const maxLen = 60
	query = strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(query) <= maxLen {
		return query
	}
	r := []rune(query)
	return string(r[:maxLen-3]) + "..."
}
