// Package agent runs the chat loop: the model answers questions about a
// patient's records, calling search tools as needed and citing sources.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/carevault/carevault/internal/rag"
	"github.com/carevault/carevault/internal/store"
	"github.com/carevault/carevault/internal/telemetry"
	"github.com/carevault/carevault/provider"
	"github.com/carevault/carevault/tools/research"
)

const (
	toolSearchRecords  = "search_records"
	toolSearchResearch = "search_research"

	defaultMaxToolTurns = 8
)

// RecordSearcher is the retrieval contract the orchestrator consumes.
type RecordSearcher interface {
	Search(ctx context.Context, ownerID, patientID, query string) ([]store.SearchResult, error)
}

// Citation points a statement in the answer back to its source. Excerpt
// carries the matched content so callers can show provenance.
type Citation struct {
	Kind    string  `json:"kind"` // file, website or research
	ID      string  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Link    string  `json:"link,omitempty"`
	Excerpt string  `json:"excerpt,omitempty"`
	Rank    float64 `json:"rank"`
}

// Request is one chat turn. History carries prior user/assistant
// messages verbatim; tool traffic is never replayed across turns.
type Request struct {
	OwnerID        string
	PatientID      string
	Patient        store.PatientRecord
	History        []provider.Message
	Message        string
	EnableResearch bool
}

// Response is the final answer plus everything the loop consulted.
type Response struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	ToolTurns int        `json:"tool_turns"`
}

// Orchestrator drives the bounded tool loop. A nil research searcher
// disables the literature tool regardless of the request flag.
type Orchestrator struct {
	provider  provider.Provider
	records   RecordSearcher
	research  research.Searcher
	maxTurns  int
	searchCap int
	logger    *log.Logger
}

func NewOrchestrator(p provider.Provider, records RecordSearcher, res research.Searcher, maxTurns int, logger *log.Logger) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = defaultMaxToolTurns
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		provider:  p,
		records:   records,
		research:  res,
		maxTurns:  maxTurns,
		searchCap: 10,
		logger:    logger,
	}
}

// Chat runs the loop until the model produces a plain answer or the
// tool budget runs out. On budget exhaustion a final call without tools
// forces an answer from whatever context was gathered.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Response{}, fmt.Errorf("message must not be empty")
	}

	messages := make([]provider.Message, 0, len(req.History)+2)
	messages = append(messages, provider.Message{Role: "system", Content: systemPrompt(req)})
	messages = append(messages, req.History...)
	messages = append(messages, provider.Message{Role: "user", Content: req.Message})

	tools := o.availableTools(req.EnableResearch)
	var citations []Citation
	turns := 0

	for turns < o.maxTurns {
		result, err := o.provider.ChatCompletion(ctx, messages, tools)
		if err != nil {
			return Response{}, fmt.Errorf("chat completion: %w", err)
		}
		if len(result.ToolCalls) == 0 {
			return Response{Content: result.Content, Citations: citations, ToolTurns: turns}, nil
		}

		assistant := provider.Message{Role: "assistant", Content: result.Content, ToolCalls: result.ToolCalls}
		messages = append(messages, assistant)
		for _, call := range result.ToolCalls {
			turns++
			telemetry.ToolTurns.WithLabelValues(call.Name).Inc()
			output, cits := o.execute(ctx, req, call)
			citations = append(citations, cits...)
			messages = append(messages, provider.Message{
				Role:       "tool",
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	// budget spent: force a final answer without tools
	o.logger.Printf("tool budget exhausted after %d turns, forcing final answer", turns)
	result, err := o.provider.ChatCompletion(ctx, messages, nil)
	if err != nil {
		return Response{}, fmt.Errorf("final completion: %w", err)
	}
	return Response{Content: result.Content, Citations: citations, ToolTurns: turns}, nil
}

// execute runs one tool call. Failures are reported back to the model
// as tool output so it can recover or rephrase.
func (o *Orchestrator) execute(ctx context.Context, req Request, call provider.ToolCall) (string, []Citation) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Sprintf("Error: invalid tool arguments: %v", err), nil
	}

	switch call.Name {
	case toolSearchRecords:
		results, err := o.records.Search(ctx, req.OwnerID, req.PatientID, args.Query)
		if errors.Is(err, rag.ErrNotIndexed) {
			return "No records have been indexed for this patient yet. Answer from the conversation only and say records are unavailable.", nil
		}
		if err != nil {
			return fmt.Sprintf("Error: record search failed: %v", err), nil
		}
		return rag.FormatResults(results), recordCitations(results)

	case toolSearchResearch:
		if o.research == nil || !req.EnableResearch {
			return "Error: research search is not available.", nil
		}
		query := research.EnrichQuery(args.Query, req.Patient)
		results, err := o.research.Search(ctx, query, o.searchCap)
		if err != nil {
			return fmt.Sprintf("Error: research search failed: %v", err), nil
		}
		return research.FormatResults(results), researchCitations(results)

	default:
		return fmt.Sprintf("Error: unknown tool %q.", call.Name), nil
	}
}

func (o *Orchestrator) availableTools(enableResearch bool) []provider.Tool {
	queryParams := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Natural-language search query.",
			},
		},
		"required": []string{"query"},
	}
	tools := []provider.Tool{{
		Name:        toolSearchRecords,
		Description: "Search the patient's indexed medical records and saved pages by semantic similarity.",
		Parameters:  queryParams,
	}}
	if o.research != nil && enableResearch {
		tools = append(tools, provider.Tool{
			Name:        toolSearchResearch,
			Description: "Search the medical literature for studies relevant to the question.",
			Parameters:  queryParams,
		})
	}
	return tools
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a careful medical records assistant. ")
	b.WriteString("Answer only from the patient's records and cited research; never invent clinical facts. ")
	b.WriteString("Use search_records before answering questions about the patient's history. ")
	b.WriteString("Cite sources by their bracketed number. If the records do not cover the question, say so.")
	if req.Patient.Name != "" {
		fmt.Fprintf(&b, "\n\nPatient: %s.", req.Patient.Name)
		if len(req.Patient.Conditions) > 0 {
			fmt.Fprintf(&b, " Known conditions: %s.", strings.Join(req.Patient.Conditions, ", "))
		}
		if len(req.Patient.Medications) > 0 {
			fmt.Fprintf(&b, " Medications: %s.", strings.Join(req.Patient.Medications, ", "))
		}
		if len(req.Patient.Allergies) > 0 {
			fmt.Fprintf(&b, " Allergies: %s.", strings.Join(req.Patient.Allergies, ", "))
		}
	}
	return b.String()
}

func recordCitations(results []store.SearchResult) []Citation {
	out := make([]Citation, 0, len(results))
	for _, r := range results {
		name := string(r.Subject.Kind) + " " + r.Subject.ID
		if v, ok := r.Metadata["source_name"].(string); ok && v != "" {
			name = v
		}
		out = append(out, Citation{
			Kind:    string(r.Subject.Kind),
			ID:      r.Subject.ID,
			Name:    name,
			Excerpt: rag.Preview(r.Content),
			Rank:    r.Similarity,
		})
	}
	return out
}

func researchCitations(results []research.Result) []Citation {
	out := make([]Citation, 0, len(results))
	for _, r := range results {
		out = append(out, Citation{
			Kind:    "research",
			Name:    r.Title,
			Link:    r.Link,
			Excerpt: r.Snippet,
			Rank:    r.Relevance,
		})
	}
	return out
}
