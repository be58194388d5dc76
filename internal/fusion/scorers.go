package fusion

import (
	"context"
	"fmt"
	"strings"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/derivatives"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/agents/narrative"
	"github.com/manavaga/web3-signals/internal/agents/technical"
	"github.com/manavaga/web3-signals/internal/agents/whale"
	"github.com/manavaga/web3-signals/internal/profile"
)

// scoreDimension scores one role for one asset. Every scorer returns a score
// in 0-100 plus a short detail string that feeds the tier classifier and the
// API response.
func (e *Engine) scoreDimension(ctx context.Context, role, asset string, env *agent.Envelope, in *inputs) (float64, string) {
	if env == nil {
		return 50.0, "no data"
	}

	switch role {
	case profile.DimWhale:
		if in.whale == nil {
			return 50.0, "no data"
		}
		return e.scoreWhale(asset, in.whale)
	case profile.DimTechnical:
		if in.technical == nil {
			return 50.0, "no data"
		}
		return e.scoreTechnical(asset, in.technical)
	case profile.DimDerivatives:
		if in.derivatives == nil {
			return 50.0, "no data"
		}
		return e.scoreDerivatives(ctx, asset, in.derivatives)
	case profile.DimNarrative:
		if in.narrative == nil {
			return 50.0, "no data"
		}
		return e.scoreNarrative(asset, in.narrative)
	case profile.DimMarket:
		if in.market == nil {
			return 50.0, "no data"
		}
		return e.scoreMarket(asset, in.market)
	}
	return 50.0, "no scorer"
}

// scoreWhale starts from the base score and moves with the accumulate/sell
// ratio of the asset's credible moves, net exchange flow direction, and
// tracked wallet signals.
func (e *Engine) scoreWhale(asset string, data *whale.Data) (float64, string) {
	rules := e.profile.Scoring.Whale
	score := rules.BaseScore
	var details []string

	accum, sell := 0, 0
	for _, m := range data.ByAsset[asset] {
		switch m.Action {
		case "accumulate":
			accum++
		case "sell":
			sell++
		}
	}

	directional := accum + sell
	if directional >= rules.MinDirectionalMoves {
		ratio := float64(accum) / float64(directional)
		score = ratio * rules.RatioMaxPoints
		details = append(details, fmt.Sprintf("%d accumulate, %d sell (ratio %.0f%%)", accum, sell, ratio*100))
	} else if directional > 0 {
		score += float64(accum)*rules.AccumulatePoints + float64(sell)*rules.SellPoints
		details = append(details, fmt.Sprintf("%d accumulate, %d sell", accum, sell))
	}

	switch data.Summary.NetExchangeDirection {
	case "net_outflow":
		score += rules.ExchangeOutflowBonus
		details = append(details, "exchange outflow")
	case "net_inflow":
		score += rules.ExchangeInflowPenalty
		details = append(details, "exchange inflow")
	}

	for _, sig := range data.Summary.WhaleWalletSignals {
		lower := strings.ToLower(sig)
		if strings.Contains(lower, "accumulating") {
			score += rules.WalletAccumBonus
		} else if strings.Contains(lower, "reducing") {
			score += rules.WalletReducingPenalty
		}
	}

	score = clamp(score, rules.MinScore, rules.MaxScore)
	if len(details) == 0 {
		return score, "no whale activity"
	}
	return score, strings.Join(details, "; ")
}

// scoreTechnical accumulates points from RSI position, MACD cross, moving
// average placement, and trend direction. Oversold reads bullish here: the
// dimension scores entry attractiveness, not current strength.
func (e *Engine) scoreTechnical(asset string, data *technical.Data) (float64, string) {
	a := data.ByAsset[asset]
	if a == nil {
		return 50.0, "no data"
	}

	rules := e.profile.Scoring.Technical
	score := 0.0
	var details []string

	if a.RSI14 != nil {
		rsi := *a.RSI14
		r := rules.RSI
		switch {
		case rsi < r.OversoldBelow:
			score += r.OversoldScore
			details = append(details, fmt.Sprintf("RSI %.0f oversold", rsi))
		case rsi > r.OverboughtAbove:
			score += r.OverboughtScore
			details = append(details, fmt.Sprintf("RSI %.0f overbought", rsi))
		default:
			ratio := (rsi - r.OversoldBelow) / (r.OverboughtAbove - r.OversoldBelow)
			score += r.NeutralMinScore + ratio*(r.NeutralMaxScore-r.NeutralMinScore)
			details = append(details, fmt.Sprintf("RSI %.0f", rsi))
		}
	}

	if a.MACDLine != nil && a.MACDSignal != nil {
		if *a.MACDLine > *a.MACDSignal {
			score += rules.MACD.BullishCrossPoints
			details = append(details, "MACD bullish")
		} else {
			score += rules.MACD.BearishCrossPoints
			details = append(details, "MACD bearish")
		}
	}

	if a.Price != nil && a.MA7d != nil {
		if *a.Price > *a.MA7d {
			score += rules.MA.AboveMA7Points
		} else {
			score += rules.MA.BelowMA7Points
		}
	}
	if a.Price != nil && a.MA30d != nil {
		if *a.Price > *a.MA30d {
			score += rules.MA.AboveMA30Points
			details = append(details, "above MA30")
		} else {
			score += rules.MA.BelowMA30Points
		}
	}

	// 30d trend is the macro signal; fall back to 7d when it is unset.
	trend := a.Trend30d
	if trend == "" {
		trend = a.Trend7d
	}
	switch trend {
	case "bullish":
		score += rules.Trend.BullishPoints
		details = append(details, "trend bullish")
	case "bearish":
		score += rules.Trend.BearishPoints
		details = append(details, "trend bearish")
	default:
		score += rules.Trend.NeutralPoints
	}

	if len(details) == 0 {
		return clamp(score, 0, 100), "no tech data"
	}
	return clamp(score, 0, 100), strings.Join(details, "; ")
}

// scoreDerivatives reads positioning health: a long/short ratio in the sweet
// spot, cheap funding, and rising open interest all add points. Open interest
// change is tracked against the previous run through the oi_prev namespace.
func (e *Engine) scoreDerivatives(ctx context.Context, asset string, data *derivatives.Data) (float64, string) {
	a := data.ByAsset[asset]
	if a == nil {
		return 50.0, "no data"
	}

	rules := e.profile.Scoring.Derivatives
	score := 0.0
	var details []string

	if a.LongShortRatio != nil {
		ls := *a.LongShortRatio
		r := rules.LongShort
		switch {
		case ls >= r.SweetSpotMin && ls <= r.SweetSpotMax:
			score += r.SweetSpotScore
			details = append(details, fmt.Sprintf("L/S %.2f sweet spot", ls))
		case ls > r.OvercrowdedAbove:
			score += r.OvercrowdedScore
			details = append(details, fmt.Sprintf("L/S %.2f overcrowded", ls))
		case ls < r.ContrarianBelow:
			score += r.ContrarianScore
			details = append(details, fmt.Sprintf("L/S %.2f contrarian", ls))
		default:
			score += r.DefaultScore
			details = append(details, fmt.Sprintf("L/S %.2f", ls))
		}
	}

	if a.FundingRate != nil {
		funding := *a.FundingRate
		r := rules.Funding
		switch {
		case funding < 0:
			score += r.NegativeScore
			details = append(details, fmt.Sprintf("funding %.5f negative", funding))
		case funding < r.LowThreshold:
			score += r.LowScore
			details = append(details, "low funding")
		case funding < r.ModerateThreshold:
			score += r.ModerateScore
		default:
			score += r.HighScore
			details = append(details, "high funding")
		}
	}

	if a.OpenInterestUSD != nil {
		oi := *a.OpenInterestUSD
		r := rules.OpenInterest
		prev, err := e.store.LoadKV(ctx, "oi_prev", asset)
		if saveErr := e.store.SaveKV(ctx, "oi_prev", asset, oi); saveErr != nil {
			e.log.Warn().Err(saveErr).Str("asset", asset).Msg("Failed to save open interest")
		}

		if err == nil && prev != nil && *prev > 0 {
			changePct := (oi - *prev) / *prev * 100
			switch {
			case changePct > r.ChangeThresholdPct:
				score += r.RisingScore
				details = append(details, fmt.Sprintf("OI +%.1f%%", changePct))
			case changePct < -r.ChangeThresholdPct:
				score += r.FallingScore
				details = append(details, fmt.Sprintf("OI %.1f%%", changePct))
			default:
				score += r.StableScore
			}
		} else {
			score += r.StableScore
		}
	}

	if len(details) == 0 {
		return clamp(score, 0, 100), "no deriv data"
	}
	return clamp(score, 0, 100), strings.Join(details, "; ")
}

// scoreNarrative folds six buzz components into one score: mention volume
// against the rolling peak, LLM headline sentiment, community votes, the
// trending list, influencer activity, and multi-source confirmation.
func (e *Engine) scoreNarrative(asset string, data *narrative.Data) (float64, string) {
	a := data.ByAsset[asset]
	if a == nil {
		return 50.0, "no data"
	}

	rules := e.profile.Scoring.Narrative
	score := 0.0
	var details []string

	score += a.NormalisedScore * rules.VolumeMultiplier
	if a.NormalisedScore > 0 {
		details = append(details, fmt.Sprintf("vol %.2f (%d mentions)", a.NormalisedScore, a.TotalMentions))
	}

	if llm := a.LLMSentiment; llm != nil && llm.Confidence >= rules.LLMMinConfidence {
		score += (llm.Sentiment + 1.0) / 2.0 * rules.LLMMaxPoints
		tone := llm.Tone
		if tone == "" {
			tone = "neutral"
		}
		details = append(details, "LLM "+tone)
		if llm.DominantNarrative != "" {
			details = append(details, llm.DominantNarrative)
		}
	}

	if cs := a.CommunitySentiment; cs != nil && cs.Score != nil {
		score += (*cs.Score + 1.0) / 2.0 * rules.CommunityMaxPoints
		details = append(details, fmt.Sprintf("community %dB/%dS", cs.Bullish, cs.Bearish))
	}

	if a.TrendingCoinGecko {
		score += rules.TrendingBonus
		details = append(details, "trending")
	}

	if a.InfluencerMentions >= rules.InfluencerThreshold {
		score += rules.InfluencerBonus
		if len(a.TopInfluencersActive) > 0 {
			names := a.TopInfluencersActive
			if len(names) > 2 {
				names = names[:2]
			}
			details = append(details, fmt.Sprintf("%d influencers (%s)", a.InfluencerMentions, strings.Join(names, ", ")))
		} else {
			details = append(details, fmt.Sprintf("%d influencers", a.InfluencerMentions))
		}
	}

	if a.SourcesWithData >= rules.MultiSourceThreshold {
		score += rules.MultiSourceBonus
		details = append(details, fmt.Sprintf("%d sources", a.SourcesWithData))
	}

	if len(details) == 0 {
		return clamp(score, 0, rules.MaxScore), "low buzz"
	}
	return clamp(score, 0, rules.MaxScore), strings.Join(details, "; ")
}

// scoreMarket reads short-term price action plus the global Fear & Greed
// backdrop. Fear scores high: the dimension leans contrarian.
func (e *Engine) scoreMarket(asset string, data *market.Data) (float64, string) {
	rules := e.profile.Scoring.Market
	score := 0.0
	var details []string

	if a := data.PerAsset[asset]; a != nil {
		change := a.Change24hPct
		r := rules.PriceChange
		switch {
		case change > r.StrongPositiveAbove:
			score += r.StrongPositiveScore
			details = append(details, fmt.Sprintf("+%.1f%% strong", change))
		case change > r.PositiveAbove:
			score += r.PositiveScore
			details = append(details, fmt.Sprintf("+%.1f%%", change))
		case change > r.MildNegativeAbove:
			score += r.MildNegativeScore
			details = append(details, fmt.Sprintf("%.1f%%", change))
		default:
			score += r.StrongNegativeScore
			details = append(details, fmt.Sprintf("%.1f%% drop", change))
		}

		if a.VolumeSpikeRatio != nil {
			ratio := *a.VolumeSpikeRatio
			v := rules.Volume
			switch {
			case ratio > v.SpikeMultiplierAbove:
				score += v.SpikeScore
				details = append(details, fmt.Sprintf("%.1fx vol spike", ratio))
			case ratio > v.ElevatedMultiplierAbove:
				score += v.ElevatedScore
				details = append(details, fmt.Sprintf("%.1fx vol", ratio))
			default:
				score += v.NormalScore
			}
		}
	}

	if data.Sentiment.FearGreedIndex != nil {
		fg := float64(*data.Sentiment.FearGreedIndex)
		r := rules.FearGreed
		switch {
		case fg < r.ExtremeFearBelow:
			score += r.ExtremeFearScore
			details = append(details, fmt.Sprintf("F&G %.0f extreme fear", fg))
		case fg < r.FearBelow:
			score += r.FearScore
			details = append(details, fmt.Sprintf("F&G %.0f fear", fg))
		case fg < r.NeutralBelow:
			score += r.NeutralScore
		case fg < r.GreedBelow:
			score += r.GreedScore
		default:
			score += r.ExtremeGreedScore
			details = append(details, fmt.Sprintf("F&G %.0f extreme greed", fg))
		}
	}

	if len(details) == 0 {
		return clamp(score, 0, 100), "no market data"
	}
	return clamp(score, 0, 100), strings.Join(details, "; ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
