package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "signals.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func completionServer(t *testing.T, reply string, capture *messagesRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": reply}},
		})
	}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(httpx.New(zerolog.Nop()), "test-key", zerolog.Nop())
	c.SetBaseURL(srv.URL)
	return c
}

func TestComplete(t *testing.T) {
	var got messagesRequest
	srv := completionServer(t, "all clear", &got)
	defer srv.Close()

	text, err := newTestClient(t, srv).Complete(context.Background(), "claude-haiku-4-5-20251001", 1024, "be brief", "hello")
	require.NoError(t, err)
	assert.Equal(t, "all clear", text)
	assert.Equal(t, "claude-haiku-4-5-20251001", got.Model)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestExtractJSON(t *testing.T) {
	plain := `{"BTC": {"sentiment": 0.5}}`
	assert.Equal(t, plain, extractJSON(plain))
	assert.Equal(t, plain, extractJSON("```json\n"+plain+"\n```"))
	assert.Equal(t, plain, extractJSON("Here you go:\n```\n"+plain+"\n```\nDone."))
}

func seedNarrative(t *testing.T, store storage.Store, headlines map[string][]string) {
	t.Helper()
	data := &narrative.Data{ByAsset: map[string]*narrative.AssetNarrative{}}
	for sym, titles := range headlines {
		data.ByAsset[sym] = &narrative.AssetNarrative{TopHeadlines: titles}
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := &agent.Envelope{
		Agent:     "narrative_agent",
		Timestamp: time.Now().UTC(),
		Status:    agent.StatusSuccess,
		Data:      raw,
	}
	require.NoError(t, store.Save(context.Background(), "narrative_agent", env))
}

func TestSentimentRunCachesResults(t *testing.T) {
	reply := "```json\n" + `{"BTC": {"sentiment": 0.6, "confidence": 0.8, "tone": "bullish", "dominant_narrative": "ETF inflows"}}` + "\n```"
	var got messagesRequest
	srv := completionServer(t, reply, &got)
	defer srv.Close()

	store := newTestStore(t)
	seedNarrative(t, store, map[string][]string{"BTC": {"BTC ETF sees record inflows", "Bitcoin tops 100k"}})

	runner := NewSentimentRunner(profile.Default(), store, newTestClient(t, srv), 12, zerolog.Nop())
	analyzed, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)

	assert.Contains(t, got.Messages[0].Content, "BTC ETF sees record inflows")
	assert.Contains(t, got.Messages[0].Content, "Return ONLY valid JSON")
	assert.Equal(t, sentimentSystemPrompt, got.System)

	var cache sentimentCache
	found, err := store.LoadKVJSON(context.Background(), "llm_sentiment", "latest", &cache)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, cache.Results, "BTC")
	assert.Equal(t, 0.6, cache.Results["BTC"].Sentiment)
	assert.Equal(t, "bullish", cache.Results["BTC"].Tone)
	assert.NotZero(t, cache.Timestamp)

	// second run inside the cycle window is a no-op
	analyzed, err = runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, analyzed)
}

func TestSentimentRunSkipsWithoutHeadlines(t *testing.T) {
	srv := completionServer(t, "{}", nil)
	defer srv.Close()

	store := newTestStore(t)
	seedNarrative(t, store, map[string][]string{})

	runner := NewSentimentRunner(profile.Default(), store, newTestClient(t, srv), 12, zerolog.Nop())
	analyzed, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, analyzed)

	found, err := store.LoadKVJSON(context.Background(), "llm_sentiment", "latest", &sentimentCache{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSentimentRunSkipsWithoutClient(t *testing.T) {
	store := newTestStore(t)
	runner := NewSentimentRunner(profile.Default(), store, nil, 12, zerolog.Nop())

	analyzed, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, analyzed)
}

func TestInsightPrompts(t *testing.T) {
	var got messagesRequest
	srv := completionServer(t, "momentum is broadening", &got)
	defer srv.Close()

	p := profile.Default()
	ins := NewInsights(p, newTestClient(t, srv))

	text, err := ins.PortfolioInsight(context.Background(), map[string]any{"portfolio": "ctx"})
	require.NoError(t, err)
	assert.Equal(t, "momentum is broadening", text)
	assert.Contains(t, got.Messages[0].Content, "Current fusion data:")
	assert.Contains(t, got.Messages[0].Content, "Max 5 sentences.")
	assert.Equal(t, p.LLM.Insights.Model, got.Model)
	assert.Empty(t, got.System)

	_, err = ins.AssetInsight(context.Background(), "ETH", map[string]any{"asset": "ETH"})
	require.NoError(t, err)
	assert.Contains(t, got.Messages[0].Content, "Signal data for ETH:")
	assert.Contains(t, got.Messages[0].Content, "Max 3 sentences.")
}
