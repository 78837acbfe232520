package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/octoforge/octogate/internal/types"
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// WebSearchTool queries the Brave web search API. Each bot brings its own
// API key through plugin settings.
type WebSearchTool struct {
	mu         sync.RWMutex
	keys       map[string]string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func NewWebSearchTool(logger *slog.Logger) *WebSearchTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearchTool{
		keys:       make(map[string]string),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    braveSearchURL,
		logger:     logger.With("plugin", "websearch"),
	}
}

func (t *WebSearchTool) Name() string { return "websearch" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return the top results with titles, URLs and snippets"
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
		},
		"required": []string{"query"},
	}
}

// Configure stores the bot's API key. A missing api_key setting is a
// configuration error so misconfigured bots fail at construction, not
// mid-conversation.
func (t *WebSearchTool) Configure(botID string, settings map[string]string) error {
	key := settings["api_key"]
	if key == "" {
		return fmt.Errorf("websearch: api_key setting required: %w", types.ErrConfigMissing)
	}
	t.mu.Lock()
	t.keys[botID] = key
	t.mu.Unlock()
	return nil
}

// TestConnection issues a minimal query to verify the key works.
func (t *WebSearchTool) TestConnection(ctx context.Context, botID string) error {
	_, err := t.search(ctx, botID, "ping", 1)
	return err
}

func (t *WebSearchTool) Execute(ctx context.Context, botID string, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	results, err := t.search(ctx, botID, query, 5)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimSpace(b.String()), nil
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) search(ctx context.Context, botID, query string, count int) ([]braveResult, error) {
	t.mu.RLock()
	key, ok := t.keys[botID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("websearch not configured for bot %s: %w", botID, types.ErrNotInitialized)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", key)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, types.NewUpstreamError("brave", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, types.NewUpstreamError("brave",
			fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewUpstreamError("brave", err)
	}
	return parsed.Web.Results, nil
}
