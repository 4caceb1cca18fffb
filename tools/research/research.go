// Package research searches the medical literature through the Serper
// scholar API and ranks results for the chat orchestrator.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carevault/carevault/config"
	"github.com/carevault/carevault/internal/store"
)

const defaultEndpoint = "https://google.serper.dev/scholar"

// Result is one literature hit with a computed relevance in [0,1].
type Result struct {
	Title         string  `json:"title"`
	Link          string  `json:"link"`
	Snippet       string  `json:"snippet"`
	Authors       string  `json:"authors,omitempty"`
	Publication   string  `json:"publication"`
	Year          int     `json:"year"`
	CitationCount int     `json:"citation_count"`
	Relevance     float64 `json:"relevance"`
}

// Searcher is the orchestrator-facing contract.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// Client calls the Serper scholar endpoint.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg config.SerperConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Search returns up to k scholar hits ordered by descending relevance.
func (c *Client) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if k <= 0 {
		k = 10
	}
	payload, _ := json.Marshal(map[string]any{"q": query, "num": k})
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scholar search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scholar search returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title           string `json:"title"`
			Link            string `json:"link"`
			Snippet         string `json:"snippet"`
			PublicationInfo string `json:"publicationInfo"`
			Year            int    `json:"year"`
			CitedBy         int    `json:"citedBy"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding scholar response: %w", err)
	}

	year := c.now().Year()
	out := make([]Result, 0, len(raw.Organic))
	for i, item := range raw.Organic {
		if i >= k {
			break
		}
		r := Result{
			Title:         item.Title,
			Link:          item.Link,
			Snippet:       item.Snippet,
			Authors:       parseAuthors(item.PublicationInfo),
			Publication:   item.PublicationInfo,
			Year:          item.Year,
			CitationCount: item.CitedBy,
		}
		r.Relevance = Score(r, year)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	return out, nil
}

// parseAuthors pulls the author list out of Serper's combined
// publication info, which reads "A Author, B Author - Journal, 2020".
func parseAuthors(info string) string {
	idx := strings.Index(info, " - ")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(info[:idx])
}

// Score rates a hit in [0,1]: a 0.5 base, up to 0.3 for citations
// (saturating at 1000) and up to 0.2 for recency (linear decay over
// five years).
func Score(r Result, currentYear int) float64 {
	score := 0.5

	citations := r.CitationCount
	if citations > 1000 {
		citations = 1000
	}
	if citations > 0 {
		score += 0.3 * float64(citations) / 1000
	}

	if r.Year > 0 && r.Year <= currentYear {
		age := currentYear - r.Year
		if age < 5 {
			score += 0.2 * float64(5-age) / 5
		}
	}
	return score
}

// EnrichQuery appends the patient's clinical context so literature hits
// stay relevant to the person being discussed. Duplicate terms already
// present in the query are skipped.
func EnrichQuery(query string, patient store.PatientRecord) string {
	lower := strings.ToLower(query)
	var extra []string
	for _, group := range [][]string{patient.Conditions, patient.Medications, patient.Allergies} {
		for _, term := range group {
			term = strings.TrimSpace(term)
			if term == "" || strings.Contains(lower, strings.ToLower(term)) {
				continue
			}
			extra = append(extra, term)
		}
	}
	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}

// FormatResults renders hits as a numbered block for the model prompt.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No research results found."
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s", i+1, r.Title)
		if r.Year > 0 {
			b.WriteString(" (" + strconv.Itoa(r.Year) + ")")
		}
		b.WriteString("\n")
		if r.Publication != "" {
			b.WriteString(r.Publication + "\n")
		}
		if r.CitationCount > 0 {
			fmt.Fprintf(&b, "Cited by %d. ", r.CitationCount)
		}
		fmt.Fprintf(&b, "Relevance %.2f\n", r.Relevance)
		if r.Snippet != "" {
			b.WriteString(r.Snippet + "\n")
		}
		if r.Link != "" {
			b.WriteString(r.Link + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
