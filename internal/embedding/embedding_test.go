package embedding

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/carevault/carevault/provider"
)

// fakeProvider records calls and can fail on a chosen input.
type fakeProvider struct {
	calls   [][]string
	failAt  int // 1-based call number to fail on, 0 = never
	created int
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, messages []provider.Message, tools []provider.Tool) (provider.ChatResult, error) {
	return provider.ChatResult{}, fmt.Errorf("not implemented")
}

func (f *fakeProvider) CreateEmbedding(ctx context.Context, texts []string, dimensions int) ([][]float32, error) {
	f.created++
	if f.failAt > 0 && f.created == f.failAt {
		return nil, fmt.Errorf("rate limited")
	}
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (f *fakeProvider) CreateImageEmbedding(ctx context.Context, imageURI string, dimensions int) ([]float32, error) {
	return []float32{0.5, 0.5}, nil
}

func newTestAdapter(p provider.Provider) *Adapter {
	return NewAdapter(p, 2, Policy{MaxInputChars: 100, BatchSize: 50, Pause: 1}, log.New(io.Discard, "", 0))
}

func TestEmbedOneTruncates(t *testing.T) {
	fake := &fakeProvider{}
	a := newTestAdapter(fake)

	long := strings.Repeat("x", 500)
	emb, err := a.EmbedOne(context.Background(), long)
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if sent := fake.calls[0][0]; len(sent) != 100 {
		t.Errorf("expected truncation to 100 chars, provider saw %d", len(sent))
	}
	if emb.ApproxTokens != 25 {
		t.Errorf("ApproxTokens = %d, want 25 (100/4)", emb.ApproxTokens)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	fake := &fakeProvider{}
	a := newTestAdapter(fake)

	texts := []string{"a", "bb", "ccc", "dddd"}
	out, err := a.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != len(texts) {
		t.Fatalf("got %d embeddings, want %d", len(out), len(texts))
	}
	for i, emb := range out {
		if emb.Vector[0] != float32(len(texts[i])) {
			t.Errorf("embedding %d out of order", i)
		}
	}
	// one remote call per text, sequential
	if len(fake.calls) != len(texts) {
		t.Errorf("expected %d sequential calls, got %d", len(texts), len(fake.calls))
	}
}

func TestEmbedBatchAbortsWhole(t *testing.T) {
	fake := &fakeProvider{failAt: 3}
	a := newTestAdapter(fake)

	out, err := a.EmbedBatch(context.Background(), []string{"1", "2", "3", "4", "5"})
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if out != nil {
		t.Fatalf("partial results returned on failure: %v", out)
	}
	if !strings.Contains(err.Error(), "3/5") {
		t.Errorf("error should identify the failing input: %v", err)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	a := newTestAdapter(&fakeProvider{})
	out, err := a.EmbedBatch(context.Background(), nil)
	if err != nil || out != nil {
		t.Fatalf("empty batch should be a no-op, got %v, %v", out, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	v := []float32{0.3, 0.7, 0.1}
	if got := CosineSimilarity(v, v); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("self-similarity = %v, want 1.0", got)
	}
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("orthogonal similarity = %v, want 0", got)
	}
	if CosineSimilarity(a, b) != CosineSimilarity(b, a) {
		t.Error("similarity is not symmetric")
	}
	if got := CosineSimilarity([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths should yield 0, got %v", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vectors should yield 0, got %v", got)
	}
}
