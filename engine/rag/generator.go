package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/pkg/resilience"
)

// Generator produces an answer from a question and its retrieved context
// blocks. Implementations wrap failures in domain.ErrGeneration.
type Generator interface {
	Generate(ctx context.Context, question string, contextBlocks []string) (string, error)
	Model() string
}

const defaultSystemPrompt = `You are a careful assistant that answers questions using ONLY the provided context.
If the context does not contain the answer, say that you don't know.
Cite the context blocks you used by their [number].`

// OllamaGeneratorOpts configures the Ollama chat generator.
type OllamaGeneratorOpts struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	Timeout      time.Duration
	Breaker      resilience.BreakerOpts
}

// OllamaGenerator calls a local Ollama model for answer generation, behind a
// circuit breaker so a wedged model server fails fast instead of piling up
// requests.
type OllamaGenerator struct {
	opts    OllamaGeneratorOpts
	client  *http.Client
	breaker *resilience.Breaker
}

// NewOllamaGenerator creates a generator with defaults filled in.
func NewOllamaGenerator(opts OllamaGeneratorOpts) *OllamaGenerator {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Breaker.FailThreshold == 0 {
		opts.Breaker = resilience.DefaultBreakerOpts
	}
	return &OllamaGenerator{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: resilience.NewBreaker(opts.Breaker),
	}
}

// Model implements Generator.
func (g *OllamaGenerator) Model() string { return g.opts.Model }

type ollamaGenerateReq struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResp struct {
	Response string `json:"response"`
}

// Generate implements Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, question string, contextBlocks []string) (string, error) {
	prompt := buildPrompt(question, contextBlocks)

	var answer string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		body, _ := json.Marshal(ollamaGenerateReq{
			Model:   g.opts.Model,
			Prompt:  prompt,
			System:  g.opts.SystemPrompt,
			Stream:  false,
			Options: map[string]any{"temperature": g.opts.Temperature},
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.BaseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("ollama generate: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ollama generate: status %d", resp.StatusCode)
		}

		var out ollamaGenerateResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("ollama generate decode: %w", err)
		}
		answer = out.Response
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("rag: %w: %w", domain.ErrGeneration, err)
	}
	return answer, nil
}

// buildPrompt assembles the numbered context blocks and the question.
func buildPrompt(question string, contextBlocks []string) string {
	var b bytes.Buffer
	b.WriteString("Context:\n\n")
	for _, block := range contextBlocks {
		b.WriteString(block)
		b.WriteString("\n\n---\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
