// Package embedding adapts a remote embedding provider into the uniform
// shape the indexing and retrieval pipelines consume.
package embedding

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/carevault/carevault/provider"
)

// Embedding is one vector plus a locally estimated token count. The
// provider is not trusted to report usage.
type Embedding struct {
	Vector       []float32
	ApproxTokens int
}

// Policy formalizes the rate-limit workaround: inputs are processed
// sequentially, pausing for Pause after every BatchSize calls.
type Policy struct {
	MaxInputChars int
	BatchSize     int
	Pause         time.Duration
}

// DefaultPolicy matches the provider's documented input ceiling with a
// conservative pacing.
var DefaultPolicy = Policy{MaxInputChars: 1024, BatchSize: 10, Pause: time.Second}

// Embedder is the pipeline-facing contract.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) (Embedding, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error)
	EmbedImage(ctx context.Context, imageURI string) ([]float32, error)
	Dimensions() int
}

// Adapter wraps a provider with truncation and pacing policy.
type Adapter struct {
	provider   provider.Provider
	dimensions int
	policy     Policy
	logger     *log.Logger
}

// NewAdapter builds an Adapter. A zero-value policy falls back to
// DefaultPolicy fields.
func NewAdapter(p provider.Provider, dimensions int, policy Policy, logger *log.Logger) *Adapter {
	if policy.MaxInputChars <= 0 {
		policy.MaxInputChars = DefaultPolicy.MaxInputChars
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultPolicy.BatchSize
	}
	if policy.Pause <= 0 {
		policy.Pause = DefaultPolicy.Pause
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	return &Adapter{provider: p, dimensions: dimensions, policy: policy, logger: logger}
}

// Dimensions reports the fixed vector length this adapter requests.
func (a *Adapter) Dimensions() int { return a.dimensions }

// EmbedOne embeds a single text, truncating oversized input.
func (a *Adapter) EmbedOne(ctx context.Context, text string) (Embedding, error) {
	text = a.truncate(text)
	vecs, err := a.provider.CreateEmbedding(ctx, []string{text}, a.dimensions)
	if err != nil {
		return Embedding{}, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return Embedding{}, fmt.Errorf("provider returned no vector")
	}
	return Embedding{Vector: vecs[0], ApproxTokens: approxTokens(text)}, nil
}

// EmbedBatch embeds texts strictly in order, one remote call per text,
// pausing after every Policy.BatchSize calls. Any remote error aborts the
// whole batch.
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]Embedding, 0, len(texts))
	for i, text := range texts {
		if i > 0 && i%a.policy.BatchSize == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.policy.Pause):
			}
		}
		emb, err := a.EmbedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch aborted at input %d/%d: %w", i+1, len(texts), err)
		}
		out = append(out, emb)
	}
	return out, nil
}

// EmbedImage embeds one binary/URI reference.
func (a *Adapter) EmbedImage(ctx context.Context, imageURI string) ([]float32, error) {
	vec, err := a.provider.CreateImageEmbedding(ctx, imageURI, a.dimensions)
	if err != nil {
		return nil, fmt.Errorf("image embedding call failed: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("provider returned no vector")
	}
	return vec, nil
}

func (a *Adapter) truncate(text string) string {
	if len(text) <= a.policy.MaxInputChars {
		return text
	}
	a.logger.Printf("WARN: input truncated from %d to %d chars before embedding", len(text), a.policy.MaxInputChars)
	return text[:a.policy.MaxInputChars]
}

// approxTokens estimates token usage as length/4, consistently with the
// chunker's budget.
func approxTokens(text string) int {
	return len(text) / 4
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. Returns 0 for mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
