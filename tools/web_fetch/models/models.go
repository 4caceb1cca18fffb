package models

// Result is the normalized output of a page fetch, independent of
// whether the page was rendered or fetched statically.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Byline      string `json:"byline"`
	PublishedAt string `json:"published_at"`
	Text        string `json:"text"`
	HTML        string `json:"-"`
	Status      int    `json:"status"`
	Rendered    bool   `json:"rendered"`
	RenderMS    int    `json:"render_ms"`
}
