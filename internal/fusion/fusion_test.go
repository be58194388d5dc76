package fusion

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/derivatives"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/agents/technical"
	"github.com/manavaga/web3-signals/internal/agents/whale"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

func newTestEngine(t *testing.T, assets ...string) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "signals.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := profile.Default()
	p.Assets = assets
	return New(p, store, zerolog.Nop()), store
}

func saveAgentData(t *testing.T, store storage.Store, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := &agent.Envelope{
		Agent:     name,
		Profile:   "test",
		Timestamp: time.Now().UTC(),
		Status:    agent.StatusSuccess,
		Data:      raw,
		Meta:      agent.Meta{Errors: []string{}},
	}
	require.NoError(t, store.Save(context.Background(), name, env))
}

func decodeFusion(t *testing.T, env *agent.Envelope) *Data {
	t.Helper()
	data, ok := agent.DecodeData[*Data](env)
	require.True(t, ok)
	return data
}

func ptr(v float64) *float64 { return &v }

// bullishInputs saves agent snapshots whose dimension scores for BTC come out
// as whale 75, technical 80, derivatives 70, narrative 72, market 78 under the
// rule overrides applied to the engine's profile.
func bullishInputs(t *testing.T, e *Engine, store storage.Store, withWhaleMoves bool) {
	e.profile.Scoring.Whale.RatioMaxPoints = 75
	e.profile.Scoring.Technical.Trend.BullishPoints = 80
	e.profile.Scoring.Derivatives.LongShort.SweetSpotScore = 70
	e.profile.Scoring.Narrative.VolumeMultiplier = 80
	e.profile.Scoring.Market.PriceChange.StrongPositiveScore = 78

	whaleData := &whale.Data{
		ByAsset: map[string][]whale.Move{"BTC": {}},
		Summary: whale.Summary{NetExchangeDirection: "neutral"},
	}
	if withWhaleMoves {
		whaleData.ByAsset["BTC"] = []whale.Move{
			{Asset: "BTC", Action: "accumulate"},
			{Asset: "BTC", Action: "accumulate"},
		}
	}
	saveAgentData(t, store, "whale_agent", whaleData)

	saveAgentData(t, store, "technical_agent", &technical.Data{
		ByAsset: map[string]*technical.AssetTechnicals{
			"BTC": {Trend30d: "bullish"},
		},
	})
	saveAgentData(t, store, "derivatives_agent", &derivatives.Data{
		ByAsset: map[string]*derivatives.AssetDerivatives{
			"BTC": {LongShortRatio: ptr(0.60)},
		},
	})
	saveAgentData(t, store, "narrative_agent", &narrative.Data{
		ByAsset: map[string]*narrative.AssetNarrative{
			"BTC": {NormalisedScore: 0.9, TotalMentions: 40},
		},
	})
	saveAgentData(t, store, "market_agent", &market.Data{
		PerAsset: map[string]*market.AssetMarket{
			"BTC": {Price: 50000, Change24hPct: 6.5},
		},
	})
}

func TestFuseColdStart(t *testing.T) {
	e, _ := newTestEngine(t, "BTC")

	env, err := e.Fuse(context.Background())
	require.NoError(t, err)

	assert.Equal(t, agent.StatusPartial, env.Status)
	for _, role := range profile.Dimensions {
		assert.Contains(t, env.Meta.Errors, role+": no data in storage")
	}
	assert.Empty(t, env.Meta.AgentsAvailable)
	assert.ElementsMatch(t, profile.Dimensions, env.Meta.AgentsMissing)

	data := decodeFusion(t, env)
	sig := data.Signals["BTC"]
	require.NotNil(t, sig)
	assert.Equal(t, 50.0, sig.CompositeScore)
	assert.Equal(t, "new", sig.Momentum)
	assert.Nil(t, sig.PrevScore)
	assert.Equal(t, "none", sig.WhaleDataTier)
	assert.False(t, sig.ConvictionBoost)
	for _, role := range profile.Dimensions {
		assert.Equal(t, "no data", sig.Dimensions[role].Detail)
		assert.Equal(t, 50.0, sig.Dimensions[role].Score)
	}
}

func TestFuseConvictionBoost(t *testing.T) {
	e, store := newTestEngine(t, "BTC")
	bullishInputs(t, e, store, true)

	env, err := e.Fuse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agent.StatusSuccess, env.Status)
	assert.ElementsMatch(t, profile.Dimensions, env.Meta.AgentsAvailable)

	data := decodeFusion(t, env)
	sig := data.Signals["BTC"]
	require.NotNil(t, sig)

	assert.Equal(t, 75.0, sig.Dimensions["whale"].Score)
	assert.Equal(t, "2 accumulate, 0 sell (ratio 100%)", sig.Dimensions["whale"].Detail)
	assert.Equal(t, 80.0, sig.Dimensions["technical"].Score)
	assert.Equal(t, 70.0, sig.Dimensions["derivatives"].Score)
	assert.Equal(t, 72.0, sig.Dimensions["narrative"].Score)
	assert.Equal(t, 78.0, sig.Dimensions["market"].Score)

	// Weighted composite is 75.1; five bullish dimensions fire the boost:
	// 50 + (75.1-50)*1.25 = 81.4.
	assert.Equal(t, "full", sig.WhaleDataTier)
	assert.True(t, sig.ConvictionBoost)
	assert.Equal(t, 81.4, sig.CompositeScore)
	assert.Equal(t, "STRONG BUY", sig.Label)
	assert.Equal(t, "buy", sig.Direction)
	assert.Equal(t, 0.3, sig.Dimensions["whale"].Weight)
}

func TestFuseWhaleReweighting(t *testing.T) {
	e, store := newTestEngine(t, "BTC")
	bullishInputs(t, e, store, false)

	env, err := e.Fuse(context.Background())
	require.NoError(t, err)

	sig := decodeFusion(t, env).Signals["BTC"]
	require.NotNil(t, sig)

	assert.Equal(t, "no whale activity", sig.Dimensions["whale"].Detail)
	assert.Equal(t, "none", sig.WhaleDataTier)
	assert.Equal(t, 0.0, sig.Dimensions["whale"].Weight)

	// Freed 0.3 redistributes proportionally over the remaining 0.7.
	assert.InDelta(t, 0.357, sig.Dimensions["technical"].Weight, 0.001)
	assert.InDelta(t, 0.286, sig.Dimensions["derivatives"].Weight, 0.001)
	assert.InDelta(t, 0.214, sig.Dimensions["narrative"].Weight, 0.001)
	assert.InDelta(t, 0.143, sig.Dimensions["market"].Weight, 0.001)

	sum := 0.0
	for _, role := range profile.NonWhaleDimensions {
		sum += sig.Dimensions[role].Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestFuseMomentumTransitions(t *testing.T) {
	e, store := newTestEngine(t, "BTC")
	e.profile.Reweighting.Enabled = false
	ctx := context.Background()

	// First run with nothing in storage scores 50 and reads as new.
	env, err := e.Fuse(ctx)
	require.NoError(t, err)
	sig := decodeFusion(t, env).Signals["BTC"]
	assert.Equal(t, 50.0, sig.CompositeScore)
	assert.Equal(t, "new", sig.Momentum)
	assert.Nil(t, sig.PrevScore)

	// A bullish technical snapshot lifts the composite to 60: a +10 delta
	// clears the threshold.
	e.profile.Scoring.Technical.Trend.BullishPoints = 90
	saveAgentData(t, store, "technical_agent", &technical.Data{
		ByAsset: map[string]*technical.AssetTechnicals{
			"BTC": {Trend30d: "bullish"},
		},
	})

	env, err = e.Fuse(ctx)
	require.NoError(t, err)
	sig = decodeFusion(t, env).Signals["BTC"]
	assert.Equal(t, 60.0, sig.CompositeScore)
	assert.Equal(t, "improving", sig.Momentum)
	require.NotNil(t, sig.PrevScore)
	assert.Equal(t, 50.0, *sig.PrevScore)

	// Identical inputs on the next run hold steady.
	env, err = e.Fuse(ctx)
	require.NoError(t, err)
	sig = decodeFusion(t, env).Signals["BTC"]
	assert.Equal(t, "stable", sig.Momentum)
	assert.Equal(t, 60.0, *sig.PrevScore)
}

func TestFuseSavesOwnStream(t *testing.T) {
	e, store := newTestEngine(t, "BTC")

	_, err := e.Fuse(context.Background())
	require.NoError(t, err)

	saved, err := store.LoadLatest(context.Background(), StreamName)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, StreamName, saved.Agent)
}

func TestWhaleTierClassification(t *testing.T) {
	e, _ := newTestEngine(t, "BTC")

	assert.Equal(t, "none", e.whaleTier("no whale activity"))
	assert.Equal(t, "none", e.whaleTier("error: upstream timeout"))
	assert.Equal(t, "none", e.whaleTier("no data"))
	assert.Equal(t, "full", e.whaleTier("2 accumulate, 1 sell (ratio 67%)"))
	assert.Equal(t, "sparse", e.whaleTier("exchange outflow"))

	e.profile.Reweighting.Enabled = false
	assert.Equal(t, "full", e.whaleTier("no whale activity"))
}

func TestClassifyBands(t *testing.T) {
	e, _ := newTestEngine(t, "BTC")

	cases := []struct {
		score     float64
		label     string
		direction string
	}{
		{81.4, "STRONG BUY", "buy"},
		{75.0, "STRONG BUY", "buy"},
		{60.0, "BUY", "buy"},
		{50.0, "NEUTRAL", "neutral"},
		{30.0, "SELL", "sell"},
		{10.0, "STRONG SELL", "sell"},
	}
	for _, tc := range cases {
		label, direction := e.classify(tc.score)
		assert.Equal(t, tc.label, label, "score %.1f", tc.score)
		assert.Equal(t, tc.direction, direction, "score %.1f", tc.score)
	}
}

func TestScoreWhaleDetails(t *testing.T) {
	e, _ := newTestEngine(t, "BTC")

	data := &whale.Data{
		ByAsset: map[string][]whale.Move{"BTC": {
			{Action: "accumulate"},
			{Action: "accumulate"},
			{Action: "sell"},
		}},
		Summary: whale.Summary{
			NetExchangeDirection: "net_outflow",
			WhaleWalletSignals:   []string{"wintermute: accumulating"},
		},
	}

	// ratio 2/3 of 60 = 40, +10 outflow, +8 wallet.
	score, detail := e.scoreWhale("BTC", data)
	assert.InDelta(t, 58.0, score, 1e-9)
	assert.Equal(t, "2 accumulate, 1 sell (ratio 67%); exchange outflow", detail)

	// A single directional move falls back to per-move points.
	data.ByAsset["BTC"] = data.ByAsset["BTC"][:1]
	data.Summary.NetExchangeDirection = "neutral"
	data.Summary.WhaleWalletSignals = nil
	score, detail = e.scoreWhale("BTC", data)
	assert.Equal(t, 60.0, score)
	assert.Equal(t, "1 accumulate, 0 sell", detail)
}

func TestScoreMarketFearGreedOnly(t *testing.T) {
	e, _ := newTestEngine(t, "BTC")

	fg := 20
	data := &market.Data{
		PerAsset:  map[string]*market.AssetMarket{},
		Sentiment: market.Sentiment{FearGreedIndex: &fg},
	}
	score, detail := e.scoreMarket("BTC", data)
	assert.Equal(t, 30.0, score)
	assert.Equal(t, "F&G 20 extreme fear", detail)
}

func TestBuildPortfolio(t *testing.T) {
	e, _ := newTestEngine(t, "BTC", "ETH", "SOL", "XRP")

	signals := map[string]*AssetSignal{
		"BTC": {CompositeScore: 81.4, Label: "STRONG BUY", Momentum: "improving"},
		"ETH": {CompositeScore: 62.0, Label: "BUY", Momentum: "stable"},
		"SOL": {CompositeScore: 48.0, Label: "NEUTRAL", Momentum: "stable"},
		"XRP": {CompositeScore: 33.0, Label: "SELL", Momentum: "degrading"},
	}

	fg := 30
	in := &inputs{
		market: &market.Data{Sentiment: market.Sentiment{FearGreedIndex: &fg}},
		derivatives: &derivatives.Data{ByAsset: map[string]*derivatives.AssetDerivatives{
			"BTC": {FundingRate: ptr(0.0001)},
			"ETH": {FundingRate: ptr(-0.0001)},
		}},
	}

	summary := e.buildPortfolio(signals, in)

	require.Len(t, summary.TopBuys, 3)
	assert.Equal(t, "BTC", summary.TopBuys[0].Asset)
	assert.Equal(t, "high", summary.TopBuys[0].Conviction)
	assert.Equal(t, "moderate", summary.TopBuys[1].Conviction)

	require.Len(t, summary.TopSells, 3)
	assert.Equal(t, "XRP", summary.TopSells[2].Asset)

	assert.Equal(t, "fear", summary.MarketRegime)
	// Avg |funding| 0.0001 is low but F&G 30 only clears the moderate gate.
	assert.Equal(t, "moderate", summary.RiskLevel)

	assert.Equal(t, 1, summary.AssetsImproving)
	assert.Equal(t, 1, summary.AssetsDegrading)
	assert.Equal(t, "mixed", summary.SignalMomentum)
}
