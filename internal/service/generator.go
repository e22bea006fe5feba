package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Job is one queued generation
type Job struct {
	MessageID      string
	ConversationID string
	WorkspaceID    string
	Query          string
	Options        domain.GenerationOptions
}

// Generator produces the answer of a job. Each output fragment is reported
// through emit before Generate returns the final result.
type Generator interface {
	Generate(ctx context.Context, job *Job, emit func(token string)) (*domain.GenerationResult, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, job *Job, emit func(token string)) (*domain.GenerationResult, error)

// Generate implements Generator
func (f GeneratorFunc) Generate(ctx context.Context, job *Job, emit func(token string)) (*domain.GenerationResult, error) {
	return f(ctx, job, emit)
}

// EchoGenerator answers with a deterministic text streamed word by word.
// It stands in for a model pipeline during development and tests.
type EchoGenerator struct {
	Delay time.Duration
}

// Generate implements Generator
func (g *EchoGenerator) Generate(ctx context.Context, job *Job, emit func(token string)) (*domain.GenerationResult, error) {
	start := time.Now()

	answer := fmt.Sprintf("You asked (%s): %s", promptType(job.Options), job.Query)
	words := strings.SplitAfter(answer, " ")

	for _, w := range words {
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit(w)
	}

	tokens := len(words)
	elapsed := int(time.Since(start).Milliseconds())
	model := job.Options.Model
	if model == "" {
		model = "echo"
	}

	return &domain.GenerationResult{
		Content: answer,
		Sources: []string{},
		Metrics: domain.Metrics{
			TokensUsed:     &tokens,
			GenerationTime: &elapsed,
			ModelUsed:      model,
		},
	}, nil
}

func promptType(o domain.GenerationOptions) string {
	if o.PromptType == "" {
		return domain.PromptTypeQA
	}
	return o.PromptType
}
