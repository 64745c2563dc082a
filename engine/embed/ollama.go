package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
	"github.com/SatchelAI/satchel-mvp/pkg/resilience"
)

// OllamaOpts configures the Ollama embedding client.
type OllamaOpts struct {
	BaseURL    string
	Model      string
	Dimensions int
	// Rate bounds embed calls per second; zero disables limiting.
	Rate  float64
	Burst int
	Retry fn.RetryOpts
}

// Ollama embeds text via Ollama's HTTP API. Output vectors are L2-normalized
// so inner-product search behaves as cosine similarity.
type Ollama struct {
	opts    OllamaOpts
	client  *http.Client
	limiter *resilience.Limiter
}

// NewOllama creates an Ollama embedding client.
func NewOllama(opts OllamaOpts) *Ollama {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Jitter: true}
	}
	o := &Ollama{
		opts: opts,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if opts.Rate > 0 {
		o.limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.Rate, Burst: opts.Burst})
	}
	return o
}

// Identity implements Embedder.
func (o *Ollama) Identity() domain.EmbedderIdentity {
	return domain.EmbedderIdentity{Model: o.opts.Model, Dimensions: o.opts.Dimensions, Normalized: true}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// attempt separates transient failures (retried) from permanent ones.
type attempt struct {
	vec  []float32
	perm error
}

// Embed implements Embedder. Empty input and model rejections are permanent;
// transport failures and 5xx responses are retried with backoff.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: %w: %w", domain.ErrEmbedding, domain.ErrEmptyInput)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: %w: %w", domain.ErrEmbedding, err)
		}
	}

	result := fn.Retry(ctx, o.opts.Retry, func(ctx context.Context) fn.Result[attempt] {
		vec, perm, transient := o.embedOnce(ctx, text)
		if transient != nil {
			return fn.Err[attempt](transient)
		}
		return fn.Ok(attempt{vec: vec, perm: perm})
	})

	a, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %w", domain.ErrEmbedding, err)
	}
	if a.perm != nil {
		return nil, fmt.Errorf("embed: %w: %w", domain.ErrEmbedding, a.perm)
	}
	return a.vec, nil
}

// embedOnce performs a single API call. The perm return is a non-retriable
// failure; transient failures come back in the third return.
func (o *Ollama) embedOnce(ctx context.Context, text string) (vec []float32, perm, transient error) {
	body, _ := json.Marshal(ollamaEmbedReq{Model: o.opts.Model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.opts.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode), nil
	}

	var out ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if len(out.Embedding) != o.opts.Dimensions {
		return nil, fmt.Errorf("ollama embed: model returned %d dims, want %d", len(out.Embedding), o.opts.Dimensions), nil
	}

	vec = make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return Normalize(vec), nil, nil
}

// EmbedBatch implements Embedder.
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batchViaSingle(ctx, o, texts)
}
