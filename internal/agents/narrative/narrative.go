// Package narrative measures social and news buzz per asset across six
// sources: Reddit (authority-weighted), CryptoPanic, Google News RSS,
// CoinGecko trending, tracked influencers, and CryptoPanic community votes.
// Mention counts are normalised against a decaying per-asset peak so the
// score reflects where the narrative sits in its lifecycle, not raw volume.
package narrative

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

const peakNamespace = "narrative_peaks"

// LLMSentiment is the per-asset result of the headline sentiment pass,
// embedded read-side when fresh enough.
type LLMSentiment struct {
	Sentiment         float64 `json:"sentiment"`
	Confidence        float64 `json:"confidence"`
	Tone              string  `json:"tone"`
	DominantNarrative string  `json:"dominant_narrative,omitempty"`
}

// CommunitySentiment aggregates CryptoPanic vote counts.
type CommunitySentiment struct {
	Bullish   int      `json:"bullish"`
	Bearish   int      `json:"bearish"`
	Important int      `json:"important"`
	Score     *float64 `json:"score"`
}

// AssetNarrative is one asset's buzz block.
type AssetNarrative struct {
	RedditMentions         int                 `json:"reddit_mentions"`
	RedditWeightedMentions float64             `json:"reddit_weighted_mentions"`
	CryptoPanicMentions    int                 `json:"cryptopanic_mentions"`
	GoogleNewsMentions     int                 `json:"google_news_mentions"`
	TrendingCoinGecko      bool                `json:"trending_coingecko"`
	TotalMentions          int                 `json:"total_mentions"`
	TotalWeightedMentions  float64             `json:"total_weighted_mentions"`
	NormalisedScore        float64             `json:"normalised_score"`
	NarrativeCondition     bool                `json:"narrative_condition"`
	NarrativeStatus        string              `json:"narrative_status"`
	TopHeadlines           []string            `json:"top_headlines"`
	KeywordSentiment       float64             `json:"keyword_sentiment"`
	LLMSentiment           *LLMSentiment       `json:"llm_sentiment"`
	CommunitySentiment     *CommunitySentiment `json:"community_sentiment"`
	InfluencerMentions     int                 `json:"influencer_mentions"`
	TopInfluencersActive   []string            `json:"top_influencers_active"`
	SourcesWithData        int                 `json:"sources_with_data"`
}

// Summary buckets assets by narrative lifecycle stage.
type Summary struct {
	EarlyPickup []string `json:"early_pickup"`
	TooEarly    []string `json:"too_early"`
	PeakCrowded []string `json:"peak_crowded"`
	NoData      []string `json:"no_data"`
}

// Data is the narrative agent's envelope payload.
type Data struct {
	ByAsset map[string]*AssetNarrative `json:"by_asset"`
	Summary Summary                    `json:"summary"`
}

// Empty reports whether no asset registered a single mention.
func (d *Data) Empty() bool {
	for _, a := range d.ByAsset {
		if a.TotalMentions > 0 {
			return false
		}
	}
	return true
}

// Credentials are the provider keys the narrative sources need. Empty values
// disable the corresponding source with an error entry.
type Credentials struct {
	CryptoPanicKey     string
	RedditClientID     string
	RedditClientSecret string
}

// Collector gathers buzz across all narrative sources.
type Collector struct {
	profile *profile.Profile
	client  *httpx.Client
	store   storage.Store
	creds   Credentials

	now func() time.Time
}

func New(p *profile.Profile, client *httpx.Client, store storage.Store, creds Credentials) *Collector {
	return &Collector{
		profile: p,
		client:  client,
		store:   store,
		creds:   creds,
		now:     time.Now,
	}
}

func (c *Collector) Name() string        { return "narrative_agent" }
func (c *Collector) ProfileName() string { return c.profile.Name }

func (c *Collector) EmptyData() agent.Payload {
	data := &Data{
		ByAsset: map[string]*AssetNarrative{},
		Summary: Summary{
			EarlyPickup: []string{},
			TooEarly:    []string{},
			PeakCrowded: []string{},
			NoData:      []string{},
		},
	}
	for _, sym := range c.profile.Assets {
		data.ByAsset[sym] = emptyAsset()
	}
	return data
}

func emptyAsset() *AssetNarrative {
	return &AssetNarrative{
		NarrativeStatus:      "unknown",
		TopHeadlines:         []string{},
		TopInfluencersActive: []string{},
	}
}

func (c *Collector) Collect(ctx context.Context) (agent.Payload, []string) {
	cfg := c.profile.Narrative
	data := c.EmptyData().(*Data)
	var errors []string

	// headlines accumulates per-asset titles across sources for sentiment
	// scoring and the top_headlines list.
	headlines := map[string][]string{}

	var redditPosts []redditPost
	if cfg.Reddit.Enabled {
		posts, err := c.fetchRedditPosts(ctx)
		if err != nil {
			errors = append(errors, fmt.Sprintf("reddit: %v", err))
		} else {
			redditPosts = posts
		}
	}
	c.countRedditMentions(ctx, data, redditPosts, headlines)

	if cfg.CryptoPanic.Enabled {
		if err := c.fetchCryptoPanic(ctx, data, headlines); err != nil {
			errors = append(errors, fmt.Sprintf("cryptopanic: %v", err))
		}
	}

	if cfg.RSS.Enabled {
		c.fetchGoogleNews(ctx, data, headlines, &errors)
	}

	if cfg.Trending.Enabled {
		if err := c.fetchTrending(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("trending: %v", err))
		}
	}

	llm := c.loadLLMSentiment(ctx)

	for _, sym := range c.profile.Assets {
		asset := data.ByAsset[sym]

		asset.TotalMentions = asset.RedditMentions + asset.CryptoPanicMentions + asset.GoogleNewsMentions
		if asset.TrendingCoinGecko {
			asset.TotalMentions += c.profile.Narrative.TrendingBoost
		}
		asset.TotalWeightedMentions = round4(asset.RedditWeightedMentions +
			float64(asset.CryptoPanicMentions+asset.GoogleNewsMentions))

		sources := 0
		if asset.RedditMentions > 0 {
			sources++
		}
		if asset.CryptoPanicMentions > 0 {
			sources++
		}
		if asset.GoogleNewsMentions > 0 {
			sources++
		}
		if asset.TrendingCoinGecko {
			sources++
		}
		if asset.InfluencerMentions > 0 {
			sources++
		}
		if asset.CommunitySentiment != nil && asset.CommunitySentiment.Score != nil {
			sources++
		}
		asset.SourcesWithData = sources

		titles := headlines[sym]
		if len(titles) > 8 {
			titles = titles[:8]
		}
		asset.TopHeadlines = titles
		asset.KeywordSentiment = c.keywordSentiment(titles)

		if s, ok := llm[sym]; ok {
			asset.LLMSentiment = s
		}

		c.scoreAgainstPeak(ctx, sym, asset)

		switch asset.NarrativeStatus {
		case "early_pickup":
			data.Summary.EarlyPickup = append(data.Summary.EarlyPickup, sym)
		case "too_early":
			data.Summary.TooEarly = append(data.Summary.TooEarly, sym)
		case "peak_crowded":
			data.Summary.PeakCrowded = append(data.Summary.PeakCrowded, sym)
		default:
			data.Summary.NoData = append(data.Summary.NoData, sym)
		}
	}

	return data, errors
}

// scoreAgainstPeak normalises total mentions against the asset's decaying
// historical peak and classifies the lifecycle stage.
func (c *Collector) scoreAgainstPeak(ctx context.Context, sym string, asset *AssetNarrative) {
	cfg := c.profile.Narrative
	total := float64(asset.TotalMentions)

	peakKey := sym + "_peak"
	tsKey := sym + "_peak_ts"

	peak := 0.0
	peakTS := float64(c.now().Unix())
	if v, err := c.store.LoadKV(ctx, peakNamespace, peakKey); err == nil && v != nil {
		peak = *v
	}
	if v, err := c.store.LoadKV(ctx, peakNamespace, tsKey); err == nil && v != nil {
		peakTS = *v
	}

	// Old peaks decay so a spike from months ago cannot suppress a fresh
	// narrative forever.
	daysElapsed := c.now().Sub(time.Unix(int64(peakTS), 0)).Hours() / 24
	if daysElapsed < 0 {
		daysElapsed = 0
	}
	decayed := peak * math.Pow(1-cfg.PeakDecayPerDay, daysElapsed)

	effectivePeak := decayed
	newPeak := total >= decayed
	if newPeak {
		effectivePeak = total
	}

	if asset.TotalMentions == 0 {
		asset.NormalisedScore = 0
		asset.NarrativeStatus = "no_data"
	} else {
		score := 1.0
		if effectivePeak > 0 {
			score = math.Min(total/effectivePeak, 1.0)
		}
		asset.NormalisedScore = round4(score)
		switch {
		case asset.NormalisedScore < cfg.ScoreMin:
			asset.NarrativeStatus = "too_early"
		case asset.NormalisedScore <= cfg.ScoreMax:
			asset.NarrativeStatus = "early_pickup"
		default:
			asset.NarrativeStatus = "peak_crowded"
		}
	}
	asset.NarrativeCondition = asset.NarrativeStatus == "early_pickup"

	_ = c.store.SaveKV(ctx, peakNamespace, peakKey, effectivePeak)
	if newPeak {
		_ = c.store.SaveKV(ctx, peakNamespace, tsKey, float64(c.now().Unix()))
	}
	_ = c.store.SaveKV(ctx, peakNamespace, sym+"_latest", total)
}

// keywordSentiment scores headlines on the profiled keyword lists, returning
// (pos-neg)/total in [-1, 1].
func (c *Collector) keywordSentiment(titles []string) float64 {
	var pos, neg int
	for _, title := range titles {
		lower := strings.ToLower(title)
		for _, kw := range c.profile.Narrative.Sentiment.Positive {
			if strings.Contains(lower, kw) {
				pos++
			}
		}
		for _, kw := range c.profile.Narrative.Sentiment.Negative {
			if strings.Contains(lower, kw) {
				neg++
			}
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return round4(float64(pos-neg) / float64(total))
}

// isSpam drops promotional titles before they count as mentions.
func (c *Collector) isSpam(title string) bool {
	lower := strings.ToLower(title)
	for _, pattern := range c.profile.Narrative.SpamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// matchAssets returns the tickers whose keyword list matches the title.
func (c *Collector) matchAssets(title string) []string {
	lower := strings.ToLower(title)
	var matched []string
	for _, sym := range c.profile.Assets {
		for _, kw := range c.profile.Keywords(sym) {
			if strings.Contains(lower, kw) {
				matched = append(matched, sym)
				break
			}
		}
	}
	return matched
}

// llmCacheEntry is the stored shape of the sentiment pass output.
type llmCacheEntry struct {
	Timestamp int64                    `json:"timestamp"`
	Results   map[string]*LLMSentiment `json:"results"`
}

// loadLLMSentiment returns cached per-asset LLM sentiment when fresh enough.
func (c *Collector) loadLLMSentiment(ctx context.Context) map[string]*LLMSentiment {
	var entry llmCacheEntry
	found, err := c.store.LoadKVJSON(ctx, "llm_sentiment", "latest", &entry)
	if err != nil || !found {
		return nil
	}
	age := c.now().Sub(time.Unix(entry.Timestamp, 0))
	if age > time.Duration(c.profile.LLM.Sentiment.MaxAgeHours)*time.Hour {
		return nil
	}
	return entry.Results
}

// sortedInfluencers returns active influencer names sorted for stable output.
func sortedInfluencers(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 5 {
		names = names[:5]
	}
	return names
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
