package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Sample Article</title><style>body { color: red; }</style></head>
<body>
<nav>Home | About</nav>
<header>Site Header</header>
<main>
<h1>Renewable Energy Trends</h1>
<p>Solar capacity grew 24% in 2025.</p>
<script>console.log("tracking");</script>
<a href="https://example.com/source">primary source</a>
<a href="/relative">relative link</a>
</main>
<footer>Copyright</footer>
</body>
</html>`

func TestHTTPBrowser_ExtractsMainContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "DeepResearchBot") {
			t.Errorf("unexpected user agent: %s", ua)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	browser := NewHTTPBrowser()
	page, err := browser.Browse(context.Background(), server.URL, true)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if page.Title != "Sample Article" {
		t.Errorf("title = %q, want %q", page.Title, "Sample Article")
	}
	if !strings.Contains(page.Content, "Solar capacity grew 24% in 2025.") {
		t.Errorf("content missing article text: %s", page.Content)
	}
	for _, stripped := range []string{"console.log", "color: red", "Site Header", "Copyright", "Home | About"} {
		if strings.Contains(page.Content, stripped) {
			t.Errorf("content should not contain %q", stripped)
		}
	}
	if len(page.Links) != 1 || page.Links[0].URL != "https://example.com/source" {
		t.Errorf("expected one absolute link, got %+v", page.Links)
	}
	if page.Links[0].Text != "primary source" {
		t.Errorf("link text = %q", page.Links[0].Text)
	}
}

func TestHTTPBrowser_TruncatesLongContent(t *testing.T) {
	long := strings.Repeat("word ", 10000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>" + long + "</p></body></html>"))
	}))
	defer server.Close()

	browser := NewHTTPBrowser()
	page, err := browser.Browse(context.Background(), server.URL, false)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if !strings.HasSuffix(page.Content, "[Content truncated...]") {
		t.Error("expected truncation marker")
	}
	if len(page.Content) > maxBrowseChars+100 {
		t.Errorf("content length = %d, want <= %d", len(page.Content), maxBrowseChars+100)
	}
}

func TestHTTPBrowser_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	browser := NewHTTPBrowser()
	_, err := browser.Browse(context.Background(), server.URL, false)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHTTPSearcher_ParsesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if q := r.URL.Query().Get("q"); q != "solar capacity 2025" {
			t.Errorf("unexpected query: %s", q)
		}
		if format := r.URL.Query().Get("format"); format != "json" {
			t.Errorf("unexpected format: %s", format)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer search-key" {
			t.Errorf("unexpected authorization: %s", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "IEA report", "url": "https://iea.org/report", "content": "capacity grew"},
			{"title": "Second", "url": "https://b.com", "content": "more"},
			{"title": "Third", "url": "https://c.com", "content": "even more"}
		]}`))
	}))
	defer server.Close()

	searcher := NewHTTPSearcher(server.URL, "search-key")
	results, err := searcher.Search(context.Background(), "solar capacity 2025", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected max_results to cap at 2, got %d", len(results))
	}
	if results[0].Title != "IEA report" || results[0].Snippet != "capacity grew" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
}

func TestHTTPSearcher_NoBackend(t *testing.T) {
	searcher := NewHTTPSearcher("", "")
	_, err := searcher.Search(context.Background(), "anything", 5)
	if err == nil {
		t.Fatal("expected error when no backend configured")
	}
}

func TestHTTPSearcher_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	searcher := NewHTTPSearcher(server.URL, "")
	_, err := searcher.Search(context.Background(), "anything", 5)
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("unexpected error: %v", err)
	}
}
