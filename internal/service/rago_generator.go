package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/rago/v2/pkg/agent"
	ragoconfig "github.com/liliang-cn/rago/v2/pkg/config"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/liliang-cn/rago/v2/pkg/providers"
	"github.com/liliang-cn/rago/v2/pkg/rag/processor"
	ragstore "github.com/liliang-cn/rago/v2/pkg/rag/store"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/logging"
)

// agentEvent is one step of an agent run
type agentEvent struct {
	Type     string
	Content  string
	ToolName string
}

type agentRunner func(ctx context.Context, prompt string) (<-chan agentEvent, error)

// RagoGenerator answers with a rago agent backed by the workspace's
// document index. Text chunks of the agent run become stream tokens.
type RagoGenerator struct {
	run   agentRunner
	model string
	log   *zap.Logger

	closeStore func() error
}

// NewRagoGenerator wires the LLM provider, vector store and agent service
func NewRagoGenerator(llm config.LLMConfig, rag config.RAGConfig, log *zap.Logger) (*RagoGenerator, error) {
	ragoCfg := &ragoconfig.Config{
		Sqvect: ragoconfig.SqvectConfig{
			DBPath:    rag.DBPath,
			IndexType: rag.IndexType,
		},
		Chunker: ragoconfig.ChunkerConfig{
			ChunkSize: rag.ChunkSize,
			Overlap:   rag.ChunkOverlap,
		},
		Ingest: ragoconfig.IngestConfig{
			MetadataExtraction: ragoconfig.MetadataExtractionConfig{
				Enable: false,
			},
		},
	}

	factory := providers.NewFactory()
	providerCfg := &ragodomain.OpenAIProviderConfig{
		BaseURL:        llm.BaseURL,
		APIKey:         llm.APIKey,
		EmbeddingModel: llm.EmbeddingModel,
		LLMModel:       llm.LLMModel,
	}

	ctx := context.Background()
	embedder, err := factory.CreateEmbedderProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	llmProvider, err := factory.CreateLLMProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	sqliteStore, err := ragstore.NewSQLiteStore(rag.DBPath, rag.IndexType)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite store: %w", err)
	}
	documentStore := ragstore.NewDocumentStore(sqliteStore.GetSqvectStore())

	proc := processor.New(
		embedder,
		llmProvider,
		nil, // default chunker
		sqliteStore,
		documentStore,
		ragoCfg,
		nil,
		nil,
	)

	agentService, err := agent.NewService(llmProvider, nil, proc, rag.DBPath+".agent", nil)
	if err != nil {
		sqliteStore.Close()
		return nil, fmt.Errorf("failed to create agent service: %w", err)
	}

	run := func(ctx context.Context, prompt string) (<-chan agentEvent, error) {
		events, err := agentService.RunStream(ctx, prompt)
		if err != nil {
			return nil, err
		}
		out := make(chan agentEvent)
		go func() {
			defer close(out)
			for ev := range events {
				select {
				case out <- agentEvent{Type: string(ev.Type), Content: ev.Content, ToolName: ev.ToolName}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	return &RagoGenerator{
		run:        run,
		model:      llm.LLMModel,
		log:        logging.OrNop(log),
		closeStore: sqliteStore.Close,
	}, nil
}

// Generate implements Generator
func (g *RagoGenerator) Generate(ctx context.Context, job *Job, emit func(token string)) (*domain.GenerationResult, error) {
	start := time.Now()

	events, err := g.run(ctx, agentPrompt(job))
	if err != nil {
		return nil, fmt.Errorf("agent stream failed: %w", err)
	}

	var content strings.Builder
	chunks := 0
loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Type {
			case "text":
				if ev.Content == "" {
					continue
				}
				chunks++
				content.WriteString(ev.Content)
				emit(ev.Content)
			case "tool_call":
				logging.OrNop(g.log).Debug("Agent tool call", zap.String("message_id", job.MessageID), zap.String("tool", ev.ToolName))
			case "error":
				return nil, fmt.Errorf("agent: %s", ev.Content)
			case "done":
				break loop
			}
		}
	}

	elapsed := int(time.Since(start).Milliseconds())
	model := job.Options.Model
	if model == "" {
		model = g.model
	}
	return &domain.GenerationResult{
		Content: content.String(),
		Sources: []string{},
		Metrics: domain.Metrics{
			TokensUsed:     &chunks,
			GenerationTime: &elapsed,
			ModelUsed:      model,
		},
	}, nil
}

// Close releases the vector store
func (g *RagoGenerator) Close() error {
	if g.closeStore == nil {
		return nil
	}
	return g.closeStore()
}

var promptInstructions = map[string]string{
	domain.PromptTypeQA:      "Answer the question using the workspace documents.",
	domain.PromptTypeSummary: "Summarize what the workspace documents say about the following.",
	domain.PromptTypeCompare: "Compare what the workspace documents say about the following.",
	domain.PromptTypeExtract: "Extract the facts the workspace documents give about the following.",
}

func agentPrompt(job *Job) string {
	var b strings.Builder
	b.WriteString(promptInstructions[promptType(job.Options)])
	if job.Options.VerifyCitations != nil && *job.Options.VerifyCitations {
		b.WriteString(" Cite the documents you rely on.")
	}
	if job.WorkspaceID != "" {
		fmt.Fprintf(&b, "\nWorkspace: %s", job.WorkspaceID)
	}
	b.WriteString("\n\n")
	b.WriteString(job.Query)
	return b.String()
}
