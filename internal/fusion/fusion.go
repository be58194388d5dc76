// Package fusion combines the latest snapshot of every agent into one
// composite signal per asset. The engine itself carries no market opinion:
// every threshold, weight, and label comes from the profile, and the scorers
// are plain arithmetic over the agent payloads.
package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/derivatives"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/agents/technical"
	"github.com/manavaga/web3-signals/internal/agents/whale"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

// StreamName is the storage stream fusion envelopes are written to.
const StreamName = "signal_fusion"

const momentumNamespace = "fusion_scores"

// Dimension is one scored axis of an asset signal.
type Dimension struct {
	Score  float64 `json:"score"`
	Label  string  `json:"label"`
	Detail string  `json:"detail"`
	Weight float64 `json:"weight"`
}

// AssetSignal is the fused signal for one asset.
type AssetSignal struct {
	CompositeScore  float64              `json:"composite_score"`
	Label           string               `json:"label"`
	Direction       string               `json:"direction"`
	Dimensions      map[string]Dimension `json:"dimensions"`
	Momentum        string               `json:"momentum"`
	PrevScore       *float64             `json:"prev_score"`
	WhaleDataTier   string               `json:"whale_data_tier"`
	ConvictionBoost bool                 `json:"conviction_boost"`
	LLMInsight      string               `json:"llm_insight,omitempty"`
}

// PortfolioPick is one entry of the top buys or sells list.
type PortfolioPick struct {
	Asset      string  `json:"asset"`
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
	Conviction string  `json:"conviction,omitempty"`
}

// PortfolioSummary is the portfolio-level rollup across all assets.
type PortfolioSummary struct {
	TopBuys         []PortfolioPick `json:"top_buys"`
	TopSells        []PortfolioPick `json:"top_sells"`
	MarketRegime    string          `json:"market_regime"`
	RiskLevel       string          `json:"risk_level"`
	SignalMomentum  string          `json:"signal_momentum"`
	AssetsImproving int             `json:"assets_improving"`
	AssetsDegrading int             `json:"assets_degrading"`
	LLMInsight      string          `json:"llm_insight,omitempty"`
}

// Data is the fusion envelope payload.
type Data struct {
	PortfolioSummary PortfolioSummary        `json:"portfolio_summary"`
	Signals          map[string]*AssetSignal `json:"signals"`
}

// Empty reports whether no asset was scored.
func (d *Data) Empty() bool { return len(d.Signals) == 0 }

// InsightWriter generates optional natural-language commentary. Fusion calls
// it best effort: a failure becomes an error entry, never an aborted run.
type InsightWriter interface {
	PortfolioInsight(ctx context.Context, payload any) (string, error)
	AssetInsight(ctx context.Context, asset string, payload any) (string, error)
}

// inputs holds the decoded latest payload per dimension. A nil field means
// the agent stream was missing or unreadable.
type inputs struct {
	whale       *whale.Data
	technical   *technical.Data
	derivatives *derivatives.Data
	narrative   *narrative.Data
	market      *market.Data
}

// Engine fuses agent snapshots into composite signals.
type Engine struct {
	profile *profile.Profile
	store   storage.Store
	log     zerolog.Logger

	// Insights stays nil when LLM commentary is disabled or unconfigured.
	Insights InsightWriter
}

func New(p *profile.Profile, store storage.Store, log zerolog.Logger) *Engine {
	return &Engine{
		profile: p,
		store:   store,
		log:     log.With().Str("component", "fusion").Logger(),
	}
}

// Fuse loads the latest snapshot of every agent, scores each asset across
// all dimensions, and writes the fused envelope to the signal_fusion stream.
func (e *Engine) Fuse(ctx context.Context) (*agent.Envelope, error) {
	start := time.Now()
	var errs []string

	envs := map[string]*agent.Envelope{}
	var available, missing []string
	for _, role := range profile.Dimensions {
		env, err := e.store.LoadLatest(ctx, e.profile.AgentNames[role])
		if err != nil || env == nil {
			errs = append(errs, role+": no data in storage")
			missing = append(missing, role)
			continue
		}
		envs[role] = env
		available = append(available, role)
	}

	in := decodeInputs(envs)

	signals := map[string]*AssetSignal{}
	for _, asset := range e.profile.Assets {
		signals[asset] = e.scoreAsset(ctx, asset, envs, in)
	}

	portfolio := e.buildPortfolio(signals, in)

	data := &Data{PortfolioSummary: portfolio, Signals: signals}
	e.generateInsights(ctx, data, &errs)

	status := agent.StatusSuccess
	if len(errs) > 0 {
		status = agent.StatusPartial
	}
	if errs == nil {
		errs = []string{}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fusion data: %w", err)
	}

	env := &agent.Envelope{
		Agent:     StreamName,
		Profile:   e.profile.Name,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Data:      raw,
		Meta: agent.Meta{
			DurationMS:      time.Since(start).Milliseconds(),
			Errors:          errs,
			AgentsAvailable: available,
			AgentsMissing:   missing,
		},
	}

	if err := e.store.Save(ctx, StreamName, env); err != nil {
		return env, fmt.Errorf("failed to save fusion envelope: %w", err)
	}

	e.log.Info().
		Str("status", string(status)).
		Int("assets", len(signals)).
		Int("errors", len(errs)).
		Int64("duration_ms", env.Meta.DurationMS).
		Msg("Fusion cycle complete")

	return env, nil
}

func decodeInputs(envs map[string]*agent.Envelope) *inputs {
	in := &inputs{}
	if d, ok := agent.DecodeData[*whale.Data](envs[profile.DimWhale]); ok {
		in.whale = d
	}
	if d, ok := agent.DecodeData[*technical.Data](envs[profile.DimTechnical]); ok {
		in.technical = d
	}
	if d, ok := agent.DecodeData[*derivatives.Data](envs[profile.DimDerivatives]); ok {
		in.derivatives = d
	}
	if d, ok := agent.DecodeData[*narrative.Data](envs[profile.DimNarrative]); ok {
		in.narrative = d
	}
	if d, ok := agent.DecodeData[*market.Data](envs[profile.DimMarket]); ok {
		in.market = d
	}
	return in
}

// scoreAsset runs all five dimension scorers for one asset, applies whale
// tier reweighting and the conviction multiplier, and tracks momentum against
// the previous composite.
func (e *Engine) scoreAsset(ctx context.Context, asset string, envs map[string]*agent.Envelope, in *inputs) *AssetSignal {
	type rawScore struct {
		score  float64
		detail string
	}
	raw := map[string]rawScore{}
	for _, role := range profile.Dimensions {
		score, detail := e.scoreDimension(ctx, role, asset, envs[role], in)
		raw[role] = rawScore{score, detail}
	}

	tier := e.whaleTier(raw[profile.DimWhale].detail)
	weights := e.adjustedWeights(tier)

	dimensions := map[string]Dimension{}
	composite := 0.0
	for _, role := range profile.Dimensions {
		label, _ := e.classify(raw[role].score)
		dimensions[role] = Dimension{
			Score:  round(raw[role].score, 1),
			Label:  label,
			Detail: raw[role].detail,
			Weight: round(weights[role], 3),
		}
		composite += raw[role].score * weights[role]
	}
	composite = round(composite, 1)

	boosted := false
	if e.profile.Conviction.Enabled {
		cfg := e.profile.Conviction
		bullish, bearish := 0, 0
		for _, role := range profile.Dimensions {
			if raw[role].score > cfg.BullishScoreAbove {
				bullish++
			}
			if raw[role].score < cfg.BearishScoreBelow {
				bearish++
			}
		}
		const center = 50.0
		if bullish >= cfg.MinAgreeingDimensions && composite > center {
			composite = round(center+(composite-center)*cfg.BoostFactor, 1)
		} else if bearish >= cfg.MinAgreeingDimensions && composite < center {
			composite = round(center-(center-composite)*cfg.BoostFactor, 1)
		}
		composite = round(math.Max(0, math.Min(100, composite)), 1)
		boosted = bullish >= cfg.MinAgreeingDimensions || bearish >= cfg.MinAgreeingDimensions
	}

	label, direction := e.classify(composite)

	momentum := "new"
	var prevScore *float64
	prev, err := e.store.LoadKV(ctx, momentumNamespace, asset)
	if err == nil && prev != nil {
		mcfg := e.profile.Momentum
		delta := composite - *prev
		switch {
		case delta > mcfg.Threshold:
			momentum = mcfg.ImprovingLabel
		case delta < -mcfg.Threshold:
			momentum = mcfg.DegradingLabel
		default:
			momentum = mcfg.StableLabel
		}
		p := round(*prev, 1)
		prevScore = &p
	}
	if err := e.store.SaveKV(ctx, momentumNamespace, asset, composite); err != nil {
		e.log.Warn().Err(err).Str("asset", asset).Msg("Failed to save momentum score")
	}

	return &AssetSignal{
		CompositeScore:  composite,
		Label:           label,
		Direction:       direction,
		Dimensions:      dimensions,
		Momentum:        momentum,
		PrevScore:       prevScore,
		WhaleDataTier:   tier,
		ConvictionBoost: boosted,
	}
}

// whaleTier classifies how much whale evidence backs the score by matching
// the detail string against the configured keyword lists.
func (e *Engine) whaleTier(detail string) string {
	cfg := e.profile.Reweighting
	if !cfg.Enabled {
		return "full"
	}

	lower := strings.ToLower(detail)
	if strings.HasPrefix(lower, "error:") {
		return "none"
	}
	for _, kw := range cfg.NoDataKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return "none"
		}
	}
	for _, kw := range cfg.FullKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return "full"
		}
	}
	return "sparse"
}

// adjustedWeights redistributes the freed share of the whale weight across
// the other dimensions, proportional to their base weights.
func (e *Engine) adjustedWeights(tier string) map[string]float64 {
	base := map[string]float64{}
	for _, role := range profile.Dimensions {
		base[role] = e.profile.Weights[role]
	}

	mult := e.profile.Reweighting.TierMultipliers.Multiplier(tier)
	if mult >= 1.0 {
		return base
	}

	effective := base[profile.DimWhale] * mult
	freed := base[profile.DimWhale] - effective

	nonWhaleSum := 0.0
	for _, role := range profile.NonWhaleDimensions {
		nonWhaleSum += base[role]
	}

	adjusted := map[string]float64{profile.DimWhale: effective}
	for _, role := range profile.NonWhaleDimensions {
		if nonWhaleSum > 0 {
			adjusted[role] = base[role] + freed*(base[role]/nonWhaleSum)
		} else {
			adjusted[role] = base[role]
		}
	}
	return adjusted
}

// classify walks the label bands descending and returns the first band at or
// below the score.
func (e *Engine) classify(score float64) (string, string) {
	for _, band := range e.profile.Labels {
		if score >= band.MinScore {
			return band.Name, band.Direction
		}
	}
	return "STRONG SELL", "sell"
}

// buildPortfolio ranks assets by composite and derives the regime, risk, and
// momentum rollups.
func (e *Engine) buildPortfolio(signals map[string]*AssetSignal, in *inputs) PortfolioSummary {
	cfg := e.profile.Portfolio

	ranked := make([]string, 0, len(signals))
	for _, asset := range e.profile.Assets {
		if _, ok := signals[asset]; ok {
			ranked = append(ranked, asset)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return signals[ranked[i]].CompositeScore > signals[ranked[j]].CompositeScore
	})

	topN := cfg.TopN
	if topN > len(ranked) {
		topN = len(ranked)
	}

	buys := make([]PortfolioPick, 0, topN)
	for _, asset := range ranked[:topN] {
		sig := signals[asset]
		conviction := "moderate"
		if sig.CompositeScore >= cfg.HighConvictionThreshold {
			conviction = "high"
		}
		buys = append(buys, PortfolioPick{Asset: asset, Score: sig.CompositeScore, Label: sig.Label, Conviction: conviction})
	}

	sells := make([]PortfolioPick, 0, topN)
	for _, asset := range ranked[len(ranked)-topN:] {
		sig := signals[asset]
		sells = append(sells, PortfolioPick{Asset: asset, Score: sig.CompositeScore, Label: sig.Label})
	}

	regime := "unknown"
	var fearGreed *float64
	if in.market != nil && in.market.Sentiment.FearGreedIndex != nil {
		fg := float64(*in.market.Sentiment.FearGreedIndex)
		fearGreed = &fg
		th := cfg.RegimeThresholds
		switch {
		case fg < th.ExtremeFear:
			regime = "extreme_fear"
		case fg < th.Fear:
			regime = "fear"
		case fg < th.Neutral:
			regime = "neutral"
		case fg < th.Greed:
			regime = "greed"
		default:
			regime = "extreme_greed"
		}
	}

	risk := "unknown"
	if in.derivatives != nil && in.market != nil {
		avgFunding := avgAbsFunding(in.derivatives)
		fg := 50.0
		if fearGreed != nil {
			fg = *fearGreed
		}
		for _, level := range cfg.RiskLevels {
			if avgFunding <= level.MaxAvgFunding && fg >= level.MinFearGreed {
				risk = level.Name
				break
			}
		}
	}

	improving, degrading := 0, 0
	for _, sig := range signals {
		switch sig.Momentum {
		case e.profile.Momentum.ImprovingLabel:
			improving++
		case e.profile.Momentum.DegradingLabel:
			degrading++
		}
	}
	momentum := "mixed"
	if improving > degrading+2 {
		momentum = "improving"
	} else if degrading > improving+2 {
		momentum = "degrading"
	}

	return PortfolioSummary{
		TopBuys:         buys,
		TopSells:        sells,
		MarketRegime:    regime,
		RiskLevel:       risk,
		SignalMomentum:  momentum,
		AssetsImproving: improving,
		AssetsDegrading: degrading,
	}
}

func avgAbsFunding(d *derivatives.Data) float64 {
	sum, n := 0.0, 0
	for _, a := range d.ByAsset {
		if a != nil && a.FundingRate != nil {
			sum += math.Abs(*a.FundingRate)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// generateInsights attaches LLM commentary to the portfolio summary and to
// the assets in the top picks. Best effort only.
func (e *Engine) generateInsights(ctx context.Context, data *Data, errs *[]string) {
	cfg := e.profile.LLM.Insights
	if !cfg.Enabled {
		return
	}
	if e.Insights == nil {
		*errs = append(*errs, "llm_insights: ANTHROPIC_API_KEY not set")
		return
	}

	var prevSignals map[string]*AssetSignal
	if prev, err := e.store.LoadLatest(ctx, StreamName); err == nil && prev != nil {
		if d, ok := agent.DecodeData[*Data](prev); ok {
			prevSignals = d.Signals
		}
	}

	if cfg.PortfolioSummary {
		payload := e.portfolioInsightPayload(data, prevSignals)
		insight, err := e.Insights.PortfolioInsight(ctx, payload)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("llm_insights: %v", err))
			return
		}
		data.PortfolioSummary.LLMInsight = insight
	}

	if cfg.PerAsset {
		picked := map[string]bool{}
		for _, pick := range data.PortfolioSummary.TopBuys {
			picked[pick.Asset] = true
		}
		for _, pick := range data.PortfolioSummary.TopSells {
			picked[pick.Asset] = true
		}
		assets := make([]string, 0, len(picked))
		for asset := range picked {
			assets = append(assets, asset)
		}
		sort.Strings(assets)

		for _, asset := range assets {
			payload := e.assetInsightPayload(asset, data.Signals[asset], prevSignals)
			insight, err := e.Insights.AssetInsight(ctx, asset, payload)
			if err != nil {
				*errs = append(*errs, fmt.Sprintf("llm_insights: %v", err))
				return
			}
			data.Signals[asset].LLMInsight = insight
		}
	}
}

func (e *Engine) portfolioInsightPayload(data *Data, prev map[string]*AssetSignal) any {
	top := map[string]any{}
	prevTop := map[string]any{}
	for _, pick := range append(append([]PortfolioPick{}, data.PortfolioSummary.TopBuys...), data.PortfolioSummary.TopSells...) {
		sig := data.Signals[pick.Asset]
		top[pick.Asset] = map[string]any{
			"score":      sig.CompositeScore,
			"dimensions": sig.Dimensions,
			"momentum":   sig.Momentum,
		}
		if e.profile.LLM.Insights.IncludePreviousRun && prev[pick.Asset] != nil {
			prevTop[pick.Asset] = map[string]any{
				"score":      prev[pick.Asset].CompositeScore,
				"dimensions": prev[pick.Asset].Dimensions,
			}
		}
	}
	return map[string]any{
		"portfolio":        data.PortfolioSummary,
		"top_signals":      top,
		"prev_top_signals": prevTop,
	}
}

func (e *Engine) assetInsightPayload(asset string, sig *AssetSignal, prev map[string]*AssetSignal) any {
	payload := map[string]any{
		"asset": asset,
		"current": map[string]any{
			"score":      sig.CompositeScore,
			"label":      sig.Label,
			"dimensions": sig.Dimensions,
			"momentum":   sig.Momentum,
		},
	}
	if e.profile.LLM.Insights.IncludePreviousRun && prev[asset] != nil {
		payload["previous"] = map[string]any{
			"score":      prev[asset].CompositeScore,
			"dimensions": prev[asset].Dimensions,
		}
	}
	return payload
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
