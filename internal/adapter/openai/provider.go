// Package openai implements the chat-completion and embedding ports with
// go-openai. Each agent brings its own API key; clients are cached per key.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/port/llm"
	"github.com/textualy/autoreply/internal/resilience"
)

// Provider implements llm.ChatModel and llm.Embedder.
type Provider struct {
	cfg        config.OpenAI
	httpClient *http.Client
	breaker    *resilience.Breaker

	mu      sync.Mutex
	clients map[string]*goopenai.Client
}

var (
	_ llm.ChatModel = (*Provider)(nil)
	_ llm.Embedder  = (*Provider)(nil)
)

// NewProvider creates a Provider. httpClient may carry instrumentation;
// nil uses a client with the configured timeout. breaker may be nil.
func NewProvider(cfg config.OpenAI, httpClient *http.Client, breaker *resilience.Breaker) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    breaker,
		clients:    make(map[string]*goopenai.Client),
	}
}

func (p *Provider) client(apiKey string) *goopenai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[apiKey]; ok {
		return c
	}
	cc := goopenai.DefaultConfig(apiKey)
	if p.cfg.BaseURL != "" {
		cc.BaseURL = p.cfg.BaseURL
	}
	cc.HTTPClient = p.httpClient
	c := goopenai.NewClientWithConfig(cc)
	p.clients[apiKey] = c
	return c
}

// IsUpstreamFailure reports whether err should count against the breaker.
// Request errors caused by our input (4xx other than 429) do not.
func IsUpstreamFailure(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func (p *Provider) guard(ctx context.Context, fn func(context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.Execute(ctx, fn)
}

// Chat runs one chat-completion turn with tool definitions.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var resp goopenai.ChatCompletionResponse
	err := p.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client(req.APIKey).CreateChatCompletion(ctx, creq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion (%s): %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion (%s): no choices returned", req.Model)
	}

	choice := resp.Choices[0]
	out := &llm.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TokensIn:     resp.Usage.PromptTokens,
		TokensOut:    resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Embed returns one vector per text, in input order.
func (p *Provider) Embed(ctx context.Context, apiKey string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp goopenai.EmbeddingResponse
	err := p.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client(apiKey).CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
			Input: texts,
			Model: goopenai.EmbeddingModel(p.cfg.EmbeddingModel),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func toOpenAIMessages(msgs []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := goopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}
