// Package llm wraps the Anthropic Messages API for the two best-effort
// language passes: the batched headline sentiment cycle and the fusion
// insight commentary. Both degrade to nothing when no API key is configured.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	sentimentNamespace = "llm_sentiment"
	cycleNamespace     = "llm_cycle"
	lastRunKey         = "last_run"

	maxHeadlinesPerAsset = 10

	sentimentSystemPrompt = "You are a crypto market sentiment analyst. Analyze headlines for each " +
		"cryptocurrency and provide structured sentiment analysis."
)

// Client is a thin Messages API wrapper. A nil Client means the feature is
// unconfigured; callers check before use.
type Client struct {
	http    *httpx.Client
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

func NewClient(http *httpx.Client, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		http:    http,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		log:     log.With().Str("component", "llm").Logger(),
	}
}

// SetBaseURL overrides the API endpoint, used in tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends one user prompt and returns the text of the first content
// block.
func (c *Client) Complete(ctx context.Context, model string, maxTokens int, system, prompt string) (string, error) {
	req := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: prompt}},
	}

	var resp messagesResponse
	err := c.http.PostJSON(ctx, c.baseURL+"/v1/messages", req, &resp,
		"x-api-key", c.apiKey,
		"anthropic-version", anthropicVersion)
	if err != nil {
		return "", fmt.Errorf("failed to call messages API: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Content[0].Text, nil
}

// extractJSON strips a markdown code fence around a JSON object when present.
func extractJSON(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	for _, part := range strings.Split(text, "```") {
		stripped := strings.TrimSpace(part)
		stripped = strings.TrimSpace(strings.TrimPrefix(stripped, "json"))
		if strings.HasPrefix(stripped, "{") {
			return stripped
		}
	}
	return text
}

// sentimentCache is the stored shape read back by the narrative agent.
type sentimentCache struct {
	Timestamp int64                              `json:"timestamp"`
	Results   map[string]*narrative.LLMSentiment `json:"results"`
}

// SentimentRunner runs the batched headline sentiment pass on its own cycle,
// slower than the collection loop.
type SentimentRunner struct {
	profile    *profile.Profile
	store      storage.Store
	client     *Client
	cycleHours int
	log        zerolog.Logger

	now func() time.Time
}

func NewSentimentRunner(p *profile.Profile, store storage.Store, client *Client, cycleHours int, log zerolog.Logger) *SentimentRunner {
	return &SentimentRunner{
		profile:    p,
		store:      store,
		client:     client,
		cycleHours: cycleHours,
		log:        log.With().Str("component", "llm_sentiment").Logger(),
		now:        time.Now,
	}
}

// Run analyzes the latest collected headlines in one batched call and caches
// per-asset sentiment for the narrative agent to embed. Gated by the cycle
// interval; returns the number of assets analyzed.
func (r *SentimentRunner) Run(ctx context.Context) (int, error) {
	cfg := r.profile.LLM.Sentiment
	if !cfg.Enabled || r.client == nil {
		return 0, nil
	}

	nowSec := float64(r.now().Unix())
	last, err := r.store.LoadKV(ctx, cycleNamespace, lastRunKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load cycle bookmark: %w", err)
	}
	if last != nil && nowSec-*last < float64(r.cycleHours)*3600 {
		return 0, nil
	}

	env, err := r.store.LoadLatest(ctx, r.profile.AgentNames[profile.DimNarrative])
	if err != nil {
		return 0, fmt.Errorf("failed to load narrative data: %w", err)
	}
	data, ok := agent.DecodeData[*narrative.Data](env)
	if !ok {
		return 0, nil
	}

	batch := map[string][]string{}
	for _, sym := range r.profile.Assets {
		asset := data.ByAsset[sym]
		if asset == nil || len(asset.TopHeadlines) == 0 {
			continue
		}
		titles := asset.TopHeadlines
		if len(titles) > maxHeadlinesPerAsset {
			titles = titles[:maxHeadlinesPerAsset]
		}
		batch[sym] = titles
	}
	if len(batch) == 0 {
		return 0, nil
	}

	text, err := r.client.Complete(ctx, cfg.Model, cfg.MaxTokens, sentimentSystemPrompt, sentimentPrompt(batch))
	if err != nil {
		return 0, err
	}

	var results map[string]*narrative.LLMSentiment
	if err := json.Unmarshal([]byte(extractJSON(text)), &results); err != nil {
		return 0, fmt.Errorf("failed to parse sentiment response: %w", err)
	}

	cache := sentimentCache{Timestamp: r.now().Unix(), Results: results}
	if err := r.store.SaveKVJSON(ctx, sentimentNamespace, "latest", cache); err != nil {
		return 0, fmt.Errorf("failed to cache sentiment: %w", err)
	}
	if err := r.store.SaveKV(ctx, cycleNamespace, lastRunKey, nowSec); err != nil {
		return len(results), fmt.Errorf("failed to save cycle bookmark: %w", err)
	}

	r.log.Info().Int("assets", len(results)).Msg("LLM sentiment cycle complete")
	return len(results), nil
}

func sentimentPrompt(batch map[string][]string) string {
	blob, _ := json.MarshalIndent(batch, "", " ")
	return "Analyze the following crypto headlines per asset and return a JSON object. " +
		"For each asset, provide:\n" +
		"- sentiment: float from -1.0 (very bearish) to 1.0 (very bullish)\n" +
		"- confidence: float from 0.0 to 1.0\n" +
		"- dominant_narrative: string (1-3 words describing the main narrative)\n" +
		"- narrative_topics: list of string tags (e.g. ['etf', 'regulation', 'defi'])\n" +
		"- tone: 'bullish', 'bearish', or 'neutral'\n\n" +
		"Headlines by asset:\n" + string(blob) + "\n\n" +
		"Return ONLY valid JSON like: {\"BTC\": {\"sentiment\": 0.5, ...}, ...}"
}

// Insights produces the fusion commentary. It satisfies fusion.InsightWriter.
type Insights struct {
	profile *profile.Profile
	client  *Client
}

func NewInsights(p *profile.Profile, client *Client) *Insights {
	return &Insights{profile: p, client: client}
}

func (i *Insights) PortfolioInsight(ctx context.Context, payload any) (string, error) {
	blob, err := json.MarshalIndent(payload, "", " ")
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}
	prompt := "Current fusion data:\n" + string(blob) + "\n\n" +
		"Give a portfolio-level market summary: what's the dominant signal, " +
		"key cross-dimensional patterns, and 1-2 actionable takeaways. " +
		"Compare with previous run if available. Max 5 sentences."

	cfg := i.profile.LLM.Insights
	return i.client.Complete(ctx, cfg.Model, cfg.MaxTokens, "", prompt)
}

func (i *Insights) AssetInsight(ctx context.Context, asset string, payload any) (string, error) {
	blob, err := json.MarshalIndent(payload, "", " ")
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}
	prompt := "Signal data for " + asset + ":\n" + string(blob) + "\n\n" +
		"Give a concise insight: what's the dominant signal across dimensions, " +
		"any notable cross-dimensional patterns, and one actionable takeaway. " +
		"Compare with previous data if available. Max 3 sentences."

	cfg := i.profile.LLM.Insights
	return i.client.Complete(ctx, cfg.Model, cfg.MaxTokens, "", prompt)
}
