package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/quillworks/deepresearch/internal/llm"
)

const (
	maxBrowseChars    = 15000
	maxExtractedLinks = 50
	browseUserAgent   = "Mozilla/5.0 (compatible; DeepResearchBot/1.0)"
)

// SearchResult is one hit from the search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Page is the extracted content of a browsed URL.
type Page struct {
	URL     string     `json:"url"`
	Title   string     `json:"title"`
	Content string     `json:"content"`
	Links   []PageLink `json:"links,omitempty"`
}

type PageLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Searcher is the search backend behind web_search.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Browser fetches and extracts a single page.
type Browser interface {
	Browse(ctx context.Context, pageURL string, extractLinks bool) (Page, error)
}

// HTTPSearcher queries a SearxNG-compatible JSON search API.
type HTTPSearcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSearcher(baseURL, apiKey string) *HTTPSearcher {
	return &HTTPSearcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if s.baseURL == "" {
		return nil, errors.New("web search not available (no search backend configured)")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", s.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	results := make([]SearchResult, 0, maxResults)
	for _, r := range parsed.Results {
		if len(results) >= maxResults {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// HTTPBrowser fetches pages and strips them down to readable text.
type HTTPBrowser struct {
	client *http.Client
}

func NewHTTPBrowser() *HTTPBrowser {
	return &HTTPBrowser{client: &http.Client{Timeout: 30 * time.Second}}
}

func (b *HTTPBrowser) Browse(ctx context.Context, pageURL string, extractLinks bool) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", browseUserAgent)
	resp, err := b.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Page{}, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Page{}, fmt.Errorf("parsing %s: %w", pageURL, err)
	}
	page := extractPage(doc, extractLinks)
	page.URL = pageURL
	if len(page.Content) > maxBrowseChars {
		page.Content = page.Content[:maxBrowseChars] + "\n\n[Content truncated...]"
	}
	return page, nil
}

var skippedElements = map[string]bool{
	"script": true,
	"style":  true,
	"nav":    true,
	"footer": true,
	"header": true,
}

func extractPage(doc *html.Node, extractLinks bool) Page {
	var page Page

	// Prefer main or article content over the full body.
	root := findElement(doc, "main")
	if root == nil {
		root = findElement(doc, "article")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	if title := findElement(doc, "title"); title != nil && title.FirstChild != nil {
		page.Title = strings.TrimSpace(title.FirstChild.Data)
	}

	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(trimmed)
			}
		}
		if extractLinks && n.Type == html.ElementNode && n.Data == "a" && len(page.Links) < maxExtractedLinks {
			href := attrValue(n, "href")
			if strings.HasPrefix(href, "http") {
				page.Links = append(page.Links, PageLink{Text: nodeText(n), URL: href})
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	page.Content = text.String()
	return page
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

type webSearchTool struct {
	searcher Searcher
}

func (t *webSearchTool) Name() string { return "web_search" }

func (t *webSearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "web_search",
		Description: "Search the web for information on a topic. Returns a list of relevant search results with titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "The search query"},
				"max_results": map[string]any{"type": "integer", "description": "Maximum number of results to return (default: 10)"},
			},
			"required": []string{"query"},
		},
	}
}

func (t *webSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	if t.searcher == nil {
		return nil, errors.New("web search not available")
	}
	results, err := t.searcher.Search(ctx, query, intArg(args, "max_results", 10))
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "results": results, "result_count": len(results)}, nil
}

type webBrowseTool struct {
	browser Browser
}

func (t *webBrowseTool) Name() string { return "web_browse" }

func (t *webBrowseTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "web_browse",
		Description: "Browse a web page and extract its text content. Useful for reading full articles, documentation, or any web page content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":           map[string]any{"type": "string", "description": "The URL to browse"},
				"extract_links": map[string]any{"type": "boolean", "description": "Whether to extract links from the page (default: false)"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *webBrowseTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	pageURL := stringArg(args, "url")
	if pageURL == "" {
		return nil, errors.New("url is required")
	}
	if t.browser == nil {
		return nil, errors.New("web browse not available")
	}
	page, err := t.browser.Browse(ctx, pageURL, boolArg(args, "extract_links"))
	if err != nil {
		return nil, err
	}
	return page, nil
}

type batchWebSurferTool struct {
	searcher Searcher
	browser  Browser
}

func (t *batchWebSurferTool) Name() string { return "batch_web_surfer" }

func (t *batchWebSurferTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "batch_web_surfer",
		Description: "Perform batch web research: search for each query and browse the top results. More efficient than separate search and browse calls for comprehensive information gathering.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"queries":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "List of search queries to execute"},
				"browse_top_n":          map[string]any{"type": "integer", "description": "Number of top results to browse per query (default: 3)"},
				"max_results_per_query": map[string]any{"type": "integer", "description": "Maximum search results per query (default: 5)"},
			},
			"required": []string{"queries"},
		},
	}
}

type batchQueryResult struct {
	Query          string         `json:"query"`
	SearchResults  []SearchResult `json:"search_results"`
	BrowsedContent []Page         `json:"browsed_content"`
}

func (t *batchWebSurferTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	queries := stringSliceArg(args, "queries")
	if len(queries) == 0 {
		return nil, errors.New("queries is required")
	}
	if t.searcher == nil {
		return nil, errors.New("web search not available")
	}
	if len(queries) > 5 {
		queries = queries[:5]
	}
	browseTopN := intArg(args, "browse_top_n", 3)
	maxPerQuery := intArg(args, "max_results_per_query", 5)

	all := make([]batchQueryResult, 0, len(queries))
	for _, query := range queries {
		results, err := t.searcher.Search(ctx, query, maxPerQuery)
		if err != nil {
			// A failed query does not sink the batch.
			continue
		}
		qr := batchQueryResult{Query: query, SearchResults: results, BrowsedContent: []Page{}}
		if t.browser != nil {
			qr.BrowsedContent = t.browsePages(ctx, results, browseTopN)
		}
		all = append(all, qr)
	}
	browsed := 0
	for _, qr := range all {
		browsed += len(qr.BrowsedContent)
	}
	return map[string]any{
		"results":             all,
		"queries_processed":   len(queries),
		"total_pages_browsed": browsed,
	}, nil
}

// browsePages fetches the top results concurrently. Individual page errors
// are dropped so one dead link cannot block the batch.
func (t *batchWebSurferTool) browsePages(ctx context.Context, results []SearchResult, topN int) []Page {
	if topN > len(results) {
		topN = len(results)
	}
	var mu sync.Mutex
	pages := make([]Page, 0, topN)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, result := range results[:topN] {
		pageURL := result.URL
		group.Go(func() error {
			page, err := t.browser.Browse(groupCtx, pageURL, false)
			if err != nil {
				return nil
			}
			if len(page.Content) > 5000 {
				page.Content = page.Content[:5000]
			}
			mu.Lock()
			pages = append(pages, page)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return pages
}

type crossValidateTool struct {
	searcher Searcher
}

func (t *crossValidateTool) Name() string { return "cross_validate" }

func (t *crossValidateTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "cross_validate",
		Description: "Cross-validate a claim by checking multiple sources. Use this to verify important factual claims before including them in the final report.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"claim":           map[string]any{"type": "string", "description": "The claim to validate"},
				"original_source": map[string]any{"type": "string", "description": "URL or description of the original source"},
				"search_queries":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Additional search queries to find corroborating sources"},
			},
			"required": []string{"claim"},
		},
	}
}

func (t *crossValidateTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	claim := stringArg(args, "claim")
	if claim == "" {
		return nil, errors.New("claim is required")
	}
	if t.searcher == nil {
		return nil, errors.New("web search not available")
	}
	queries := stringSliceArg(args, "search_queries")
	if len(queries) == 0 {
		queries = defaultValidationQueries(claim)
	}
	if len(queries) > 3 {
		queries = queries[:3]
	}

	var validation []SearchResult
	for _, query := range queries {
		results, err := t.searcher.Search(ctx, query, 3)
		if err != nil {
			continue
		}
		validation = append(validation, results...)
	}

	supporting := countSupporting(claim, validation)
	status := "uncertain"
	switch {
	case supporting >= 2:
		status = "supported"
	case supporting == 1:
		status = "partially_supported"
	}
	if len(validation) > 5 {
		validation = validation[:5]
	}
	return map[string]any{
		"claim":              claim,
		"original_source":    stringArg(args, "original_source"),
		"validation_sources": validation,
		"supporting_sources": supporting,
		"status":             status,
	}, nil
}

func defaultValidationQueries(claim string) []string {
	short := claim
	if len(short) > 50 {
		short = short[:50]
	}
	head := claim
	if len(head) > 100 {
		head = head[:100]
	}
	return []string{head, fmt.Sprintf("verify %q", short), "fact check " + short}
}

// countSupporting is a lexical-overlap heuristic; the model does the real
// judgement with the returned sources.
func countSupporting(claim string, results []SearchResult) int {
	words := strings.Fields(strings.ToLower(claim))
	if len(words) > 5 {
		words = words[:5]
	}
	supporting := 0
	for _, result := range results {
		snippet := strings.ToLower(result.Snippet)
		for _, word := range words {
			if strings.Contains(snippet, word) {
				supporting++
				break
			}
		}
	}
	return supporting
}

type reflectTool struct{}

func (reflectTool) Name() string { return "reflect" }

func (reflectTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "reflect",
		Description: "Perform structured reflection on gathered information. Use this to verify claims, identify gaps, check for conflicts, and plan next steps in the research process.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"context":          map[string]any{"type": "string", "description": "Summary of current research context"},
				"question":         map[string]any{"type": "string", "description": "The reflection question to consider"},
				"evidence_summary": map[string]any{"type": "string", "description": "Summary of relevant evidence gathered"},
			},
			"required": []string{"context", "question"},
		},
	}
}

// Execute is a structured marker; the actual reflection happens in the
// model's reasoning over the echoed context.
func (reflectTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	question := stringArg(args, "question")
	if question == "" {
		return nil, errors.New("question is required")
	}
	return map[string]any{
		"reflection_type":  "structured",
		"context":          stringArg(args, "context"),
		"question":         question,
		"evidence_summary": stringArg(args, "evidence_summary"),
		"instruction":      "Consider the question in context of the evidence. Identify gaps, conflicts, or areas needing verification.",
	}, nil
}
