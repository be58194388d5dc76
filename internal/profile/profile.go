// Package profile holds the declarative configuration that drives every
// collector and the fusion engine: the asset universe, dimension weights,
// scoring rule tables, label bands, and per-source settings.
//
// A Profile is loaded once at startup and never mutated. Compiled-in defaults
// cover the full surface; an optional YAML file overrides individual keys.
package profile

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dimension names used across scoring, weights, and fusion output.
const (
	DimWhale       = "whale"
	DimTechnical   = "technical"
	DimDerivatives = "derivatives"
	DimNarrative   = "narrative"
	DimMarket      = "market"
)

// Dimensions is the closed enumeration of scoring axes in fusion order.
var Dimensions = []string{DimWhale, DimTechnical, DimDerivatives, DimNarrative, DimMarket}

// NonWhaleDimensions receive the freed weight mass during reweighting.
var NonWhaleDimensions = []string{DimTechnical, DimDerivatives, DimNarrative, DimMarket}

// Profile is the root configuration object.
type Profile struct {
	Name   string   `yaml:"name"`
	Assets []string `yaml:"assets"`

	// AgentNames maps a dimension role to the storage stream written by the
	// agent that serves it.
	AgentNames map[string]string `yaml:"agent_names"`

	Weights     map[string]float64 `yaml:"weights"`
	Scoring     Scoring            `yaml:"scoring"`
	Labels      []LabelBand        `yaml:"labels"`
	Reweighting Reweighting        `yaml:"reweighting"`
	Conviction  Conviction         `yaml:"conviction"`
	Momentum    Momentum           `yaml:"momentum"`
	Portfolio   Portfolio          `yaml:"portfolio"`

	Technical   TechnicalConfig   `yaml:"technical"`
	Derivatives DerivativesConfig `yaml:"derivatives"`
	Market      MarketConfig      `yaml:"market"`
	Narrative   NarrativeConfig   `yaml:"narrative"`
	Whale       WhaleConfig       `yaml:"whale"`
	LLM         LLMConfig         `yaml:"llm"`

	// CoinGeckoIDs maps tickers to CoinGecko coin ids; BinanceSymbols maps
	// tickers to spot/futures trading pairs.
	CoinGeckoIDs   map[string]string   `yaml:"coingecko_id_map"`
	BinanceSymbols map[string]string   `yaml:"binance_symbol_map"`
	AssetKeywords  map[string][]string `yaml:"asset_keywords"`
}

// LabelBand maps a minimum composite score to a discrete label and direction.
// Bands are kept sorted descending by MinScore; classification walks them in
// order and the first band at or below the score wins.
type LabelBand struct {
	MinScore  float64 `yaml:"min_score" json:"min_score"`
	Name      string  `yaml:"name" json:"name"`
	Direction string  `yaml:"direction" json:"direction"`
}

// Scoring groups the per-dimension rule tables.
type Scoring struct {
	Whale       WhaleRules       `yaml:"whale"`
	Technical   TechnicalRules   `yaml:"technical"`
	Derivatives DerivativesRules `yaml:"derivatives"`
	Narrative   NarrativeRules   `yaml:"narrative"`
	Market      MarketRules      `yaml:"market"`
}

// WhaleRules drive the whale dimension scorer.
type WhaleRules struct {
	BaseScore             float64 `yaml:"base_score"`
	MinDirectionalMoves   int     `yaml:"min_directional_moves"`
	RatioMaxPoints        float64 `yaml:"ratio_max_points"`
	AccumulatePoints      float64 `yaml:"accumulate_points"`
	SellPoints            float64 `yaml:"sell_points"`
	ExchangeOutflowBonus  float64 `yaml:"exchange_outflow_bonus"`
	ExchangeInflowPenalty float64 `yaml:"exchange_inflow_penalty"`
	WalletAccumBonus      float64 `yaml:"whale_wallet_accumulating_bonus"`
	WalletReducingPenalty float64 `yaml:"whale_wallet_reducing_penalty"`
	MinScore              float64 `yaml:"min_score"`
	MaxScore              float64 `yaml:"max_score"`
}

// TechnicalRules drive the technical dimension scorer.
type TechnicalRules struct {
	RSI struct {
		OversoldBelow   float64 `yaml:"oversold_below"`
		OverboughtAbove float64 `yaml:"overbought_above"`
		OversoldScore   float64 `yaml:"oversold_score"`
		OverboughtScore float64 `yaml:"overbought_score"`
		NeutralMinScore float64 `yaml:"neutral_min_score"`
		NeutralMaxScore float64 `yaml:"neutral_max_score"`
	} `yaml:"rsi"`
	MACD struct {
		BullishCrossPoints float64 `yaml:"bullish_cross_points"`
		BearishCrossPoints float64 `yaml:"bearish_cross_points"`
	} `yaml:"macd"`
	MA struct {
		AboveMA7Points  float64 `yaml:"above_ma7_points"`
		BelowMA7Points  float64 `yaml:"below_ma7_points"`
		AboveMA30Points float64 `yaml:"above_ma30_points"`
		BelowMA30Points float64 `yaml:"below_ma30_points"`
	} `yaml:"ma"`
	Trend struct {
		BullishPoints float64 `yaml:"bullish_points"`
		BearishPoints float64 `yaml:"bearish_points"`
		NeutralPoints float64 `yaml:"neutral_points"`
	} `yaml:"trend"`
}

// DerivativesRules drive the derivatives dimension scorer.
type DerivativesRules struct {
	LongShort struct {
		SweetSpotMin     float64 `yaml:"sweet_spot_min"`
		SweetSpotMax     float64 `yaml:"sweet_spot_max"`
		OvercrowdedAbove float64 `yaml:"overcrowded_above"`
		ContrarianBelow  float64 `yaml:"contrarian_below"`
		SweetSpotScore   float64 `yaml:"sweet_spot_score"`
		OvercrowdedScore float64 `yaml:"overcrowded_score"`
		ContrarianScore  float64 `yaml:"contrarian_score"`
		DefaultScore     float64 `yaml:"default_score"`
	} `yaml:"long_short"`
	Funding struct {
		NegativeScore     float64 `yaml:"negative_score"`
		LowThreshold      float64 `yaml:"low_threshold"`
		LowScore          float64 `yaml:"low_score"`
		ModerateThreshold float64 `yaml:"moderate_threshold"`
		ModerateScore     float64 `yaml:"moderate_score"`
		HighScore         float64 `yaml:"high_score"`
	} `yaml:"funding"`
	OpenInterest struct {
		ChangeThresholdPct float64 `yaml:"change_threshold_pct"`
		RisingScore        float64 `yaml:"rising_score"`
		FallingScore       float64 `yaml:"falling_score"`
		StableScore        float64 `yaml:"stable_score"`
	} `yaml:"open_interest"`
}

// NarrativeRules drive the narrative dimension scorer.
type NarrativeRules struct {
	VolumeMultiplier     float64 `yaml:"volume_multiplier"`
	LLMMaxPoints         float64 `yaml:"llm_max_points"`
	LLMMinConfidence     float64 `yaml:"llm_min_confidence"`
	CommunityMaxPoints   float64 `yaml:"community_max_points"`
	TrendingBonus        float64 `yaml:"trending_bonus"`
	InfluencerThreshold  int     `yaml:"influencer_threshold"`
	InfluencerBonus      float64 `yaml:"influencer_bonus"`
	MultiSourceThreshold int     `yaml:"multi_source_threshold"`
	MultiSourceBonus     float64 `yaml:"multi_source_bonus"`
	MaxScore             float64 `yaml:"max_score"`
}

// MarketRules drive the market dimension scorer.
type MarketRules struct {
	PriceChange struct {
		StrongPositiveAbove float64 `yaml:"strong_positive_above"`
		PositiveAbove       float64 `yaml:"positive_above"`
		MildNegativeAbove   float64 `yaml:"mild_negative_above"`
		StrongPositiveScore float64 `yaml:"strong_positive_score"`
		PositiveScore       float64 `yaml:"positive_score"`
		MildNegativeScore   float64 `yaml:"mild_negative_score"`
		StrongNegativeScore float64 `yaml:"strong_negative_score"`
	} `yaml:"price_change"`
	Volume struct {
		SpikeMultiplierAbove    float64 `yaml:"spike_multiplier_above"`
		ElevatedMultiplierAbove float64 `yaml:"elevated_multiplier_above"`
		SpikeScore              float64 `yaml:"spike_score"`
		ElevatedScore           float64 `yaml:"elevated_score"`
		NormalScore             float64 `yaml:"normal_score"`
	} `yaml:"volume"`
	FearGreed struct {
		ExtremeFearBelow  float64 `yaml:"extreme_fear_below"`
		FearBelow         float64 `yaml:"fear_below"`
		NeutralBelow      float64 `yaml:"neutral_below"`
		GreedBelow        float64 `yaml:"greed_below"`
		ExtremeFearScore  float64 `yaml:"extreme_fear_score"`
		FearScore         float64 `yaml:"fear_score"`
		NeutralScore      float64 `yaml:"neutral_score"`
		GreedScore        float64 `yaml:"greed_score"`
		ExtremeGreedScore float64 `yaml:"extreme_greed_score"`
	} `yaml:"fear_greed"`
}

// Reweighting controls redistribution of whale weight when whale evidence is
// thin. Tier classification matches the whale detail string against the
// keyword lists.
type Reweighting struct {
	Enabled         bool     `yaml:"enabled"`
	TierMultipliers TierMult `yaml:"tier_multipliers"`
	NoDataKeywords  []string `yaml:"no_data_keywords"`
	FullKeywords    []string `yaml:"full_data_keywords"`
}

// TierMult holds per-tier whale weight multipliers.
type TierMult struct {
	Full   float64 `yaml:"full"`
	Sparse float64 `yaml:"sparse"`
	None   float64 `yaml:"none"`
}

// Multiplier returns the multiplier for a tier name, defaulting to full.
func (t TierMult) Multiplier(tier string) float64 {
	switch tier {
	case "sparse":
		return t.Sparse
	case "none":
		return t.None
	default:
		return t.Full
	}
}

// Conviction amplifies composites away from 50 when enough dimensions agree.
type Conviction struct {
	Enabled               bool    `yaml:"enabled"`
	MinAgreeingDimensions int     `yaml:"min_agreeing_dimensions"`
	BoostFactor           float64 `yaml:"boost_factor"`
	BullishScoreAbove     float64 `yaml:"bullish_score_above"`
	BearishScoreBelow     float64 `yaml:"bearish_score_below"`
}

// Momentum compares the current composite against the previous run's.
type Momentum struct {
	Threshold      float64 `yaml:"threshold"`
	ImprovingLabel string  `yaml:"improving_label"`
	DegradingLabel string  `yaml:"degrading_label"`
	StableLabel    string  `yaml:"stable_label"`
}

// Portfolio controls the portfolio-level summary.
type Portfolio struct {
	TopN                    int              `yaml:"top_n"`
	HighConvictionThreshold float64          `yaml:"high_conviction_threshold"`
	RegimeThresholds        RegimeThresholds `yaml:"regime_thresholds"`
	RiskLevels              []RiskLevel      `yaml:"risk_levels"`
}

// RegimeThresholds are Fear & Greed cut points for the market regime label.
type RegimeThresholds struct {
	ExtremeFear float64 `yaml:"extreme_fear"`
	Fear        float64 `yaml:"fear"`
	Neutral     float64 `yaml:"neutral"`
	Greed       float64 `yaml:"greed"`
}

// RiskLevel gates a risk label on average funding and the Fear & Greed index.
// Levels are walked in order; the first whose gates pass wins.
type RiskLevel struct {
	Name          string  `yaml:"name"`
	MaxAvgFunding float64 `yaml:"max_avg_funding"`
	MinFearGreed  float64 `yaml:"min_fear_greed"`
}

// TechnicalConfig configures the technical agent.
type TechnicalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	Interval       string `yaml:"interval"`
	CandleLimit    int    `yaml:"candle_limit"`
	HTTPTimeoutSec int    `yaml:"http_timeout_sec"`

	RSIPeriod     int     `yaml:"rsi_period"`
	RSIBullish    float64 `yaml:"rsi_bullish"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	MAShortPeriod int     `yaml:"ma_short_period"`
	MALongPeriod  int     `yaml:"ma_long_period"`
	MACDFast      int     `yaml:"macd_fast"`
	MACDSlow      int     `yaml:"macd_slow"`
	MACDSignal    int     `yaml:"macd_signal"`

	RequireTrend30d bool `yaml:"require_trend_30d"`
	RequireTrend7d  bool `yaml:"require_trend_7d"`
}

// DerivativesConfig configures the derivatives agent.
type DerivativesConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	LSPeriod       string `yaml:"ls_period"`
	HTTPTimeoutSec int    `yaml:"http_timeout_sec"`
	MaxRetries     int    `yaml:"max_retries"`

	LSHealthyMin     float64 `yaml:"ls_healthy_min"`
	LSHealthyMax     float64 `yaml:"ls_healthy_max"`
	LSOvercrowdedMin float64 `yaml:"ls_overcrowded_min"`
	FundingRateMax   float64 `yaml:"funding_rate_max"`
}

// MarketConfig configures the market agent.
type MarketConfig struct {
	HTTPTimeoutSec int `yaml:"http_timeout_sec"`

	CoinGecko struct {
		Enabled    bool   `yaml:"enabled"`
		BaseURL    string `yaml:"base_url"`
		VSCurrency string `yaml:"vs_currency"`
		Breadth    struct {
			Enabled         bool `yaml:"enabled"`
			MarketSample    int  `yaml:"market_sample"`
			TopGainersCount int  `yaml:"top_gainers_count"`
			TopLosersCount  int  `yaml:"top_losers_count"`
		} `yaml:"breadth"`
		Trending struct {
			Enabled bool `yaml:"enabled"`
			Count   int  `yaml:"count"`
		} `yaml:"trending"`
		Categories struct {
			Enabled         bool `yaml:"enabled"`
			SampleSize      int  `yaml:"sample_size"`
			TopGainersCount int  `yaml:"top_gainers_count"`
			TopLosersCount  int  `yaml:"top_losers_count"`
		} `yaml:"categories"`
		Global struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"global"`
	} `yaml:"coingecko"`

	Binance struct {
		Enabled        bool    `yaml:"enabled"`
		BaseURL        string  `yaml:"base_url"`
		Interval       string  `yaml:"interval"`
		LookbackDays   int     `yaml:"lookback_days"`
		SpikeThresh    float64 `yaml:"spike_threshold"`
		ElevatedThresh float64 `yaml:"elevated_threshold"`
	} `yaml:"binance"`

	Dex struct {
		Enabled       bool     `yaml:"enabled"`
		BaseURL       string   `yaml:"base_url"`
		Queries       []string `yaml:"queries"`
		TopPairsCount int      `yaml:"top_pairs_count"`
	} `yaml:"dexscreener"`

	FearGreed struct {
		Enabled        bool    `yaml:"enabled"`
		URL            string  `yaml:"url"`
		ExtremeFearMax float64 `yaml:"extreme_fear_max"`
		FearMax        float64 `yaml:"fear_max"`
		NeutralMax     float64 `yaml:"neutral_max"`
		GreedMax       float64 `yaml:"greed_max"`
	} `yaml:"fear_greed"`
}

// KarmaTier maps a karma floor to an authority weight.
type KarmaTier struct {
	MinKarma int     `yaml:"min_karma"`
	Weight   float64 `yaml:"weight"`
}

// Influencer is a tracked account matched against headline authors.
type Influencer struct {
	Handle   string `yaml:"handle"`
	Platform string `yaml:"platform"`
}

// NarrativeConfig configures the narrative agent.
type NarrativeConfig struct {
	HTTPTimeoutSec int `yaml:"http_timeout_sec"`

	ScoreMin        float64 `yaml:"narrative_score_min"`
	ScoreMax        float64 `yaml:"narrative_score_max"`
	PeakDecayPerDay float64 `yaml:"peak_decay_per_day"`
	TrendingBoost   int     `yaml:"trending_boost"`

	Reddit struct {
		Enabled           bool        `yaml:"enabled"`
		BaseURL           string      `yaml:"base_url"`
		TokenURL          string      `yaml:"token_url"`
		UserAgent         string      `yaml:"user_agent"`
		SearchKeywords    []string    `yaml:"search_keywords"`
		PostsPerSearch    int         `yaml:"posts_per_search"`
		TimeFilter        string      `yaml:"time_filter"`
		Sort              string      `yaml:"sort"`
		MinScore          int         `yaml:"min_score"`
		AuthorityEnabled  bool        `yaml:"authority_enabled"`
		MinAccountAgeDays int         `yaml:"min_account_age_days"`
		KarmaTiers        []KarmaTier `yaml:"karma_tiers"`
		ModBonus          float64     `yaml:"mod_bonus"`
		VerifiedBonus     float64     `yaml:"verified_bonus"`
		EngagementCap     float64     `yaml:"engagement_cap"`
		MaxAuthorLookups  int         `yaml:"max_author_lookups"`
	} `yaml:"reddit"`

	CryptoPanic struct {
		Enabled     bool              `yaml:"enabled"`
		BaseURL     string            `yaml:"base_url"`
		Filter      string            `yaml:"filter"`
		CurrencyMap map[string]string `yaml:"currency_map"`
	} `yaml:"cryptopanic"`

	RSS struct {
		Enabled          bool   `yaml:"enabled"`
		BaseURL          string `yaml:"base_url"`
		MaxItemsPerAsset int    `yaml:"max_items_per_asset"`
		// AssetSearchNames overrides the search term per ticker.
		AssetSearchNames map[string]string `yaml:"asset_search_names"`
	} `yaml:"rss"`

	Trending struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"coingecko_trending"`

	Influencers []Influencer `yaml:"influencers"`

	Sentiment struct {
		Positive []string `yaml:"positive"`
		Negative []string `yaml:"negative"`
	} `yaml:"sentiment"`

	// SpamPatterns drop items whose title matches before counting.
	SpamPatterns []string `yaml:"spam_patterns"`
}

// WalletInfo is a labeled on-chain address.
type WalletInfo struct {
	Address string `yaml:"address"`
}

// WhaleConfig configures the whale agent's four evidence layers.
type WhaleConfig struct {
	HTTPTimeoutSec int `yaml:"http_timeout_sec"`
	LookbackHours  int `yaml:"lookback_hours"`

	WhaleAlert struct {
		Enabled           bool    `yaml:"enabled"`
		BaseURL           string  `yaml:"base_url"`
		MinValueUSD       float64 `yaml:"min_value_usd"`
		MaxResults        int     `yaml:"max_results"`
		PageDelayMS       int     `yaml:"page_delay_ms"`
		MaxRetries        int     `yaml:"max_retries"`
		RetryBaseDelaySec int     `yaml:"retry_base_delay_sec"`
	} `yaml:"whale_alert"`

	Etherscan struct {
		Enabled         bool                `yaml:"enabled"`
		BaseURL         string              `yaml:"base_url"`
		ChainID         int                 `yaml:"chain_id"`
		MinETHValue     float64             `yaml:"min_eth_value"`
		MaxTxsPerWallet int                 `yaml:"max_txs_per_wallet"`
		ExchangeWallets map[string][]string `yaml:"exchange_wallets"`
	} `yaml:"etherscan"`

	BlockchainCom struct {
		Enabled         bool                `yaml:"enabled"`
		BaseURL         string              `yaml:"base_url"`
		MinBTCValue     float64             `yaml:"min_btc_value"`
		MaxTxsPerWallet int                 `yaml:"max_txs_per_wallet"`
		ExchangeWallets map[string][]string `yaml:"exchange_wallets"`
	} `yaml:"blockchain_com"`

	ExchangeFlow struct {
		Enabled              bool     `yaml:"enabled"`
		TrackExchanges       []string `yaml:"track_exchanges"`
		ETHSignificantChange float64  `yaml:"eth_significant_change"`
		BTCSignificantChange float64  `yaml:"btc_significant_change"`
	} `yaml:"exchange_flow"`

	WhaleWallets struct {
		Enabled      bool                  `yaml:"enabled"`
		MinETHChange float64               `yaml:"min_eth_change"`
		MinBTCChange float64               `yaml:"min_btc_change"`
		ETHWallets   map[string]WalletInfo `yaml:"eth_wallets"`
		BTCWallets   map[string]WalletInfo `yaml:"btc_wallets"`
	} `yaml:"whale_wallets"`

	Credibility struct {
		MinWalletSizeUSD float64 `yaml:"min_wallet_size_usd"`
	} `yaml:"credibility"`

	ActionRules struct {
		ToExchange   string `yaml:"to_exchange"`
		FromExchange string `yaml:"from_exchange"`
		Unknown      string `yaml:"unknown"`
	} `yaml:"action_rules"`
}

// LLMConfig configures the two best-effort LLM passes.
type LLMConfig struct {
	Sentiment struct {
		Enabled     bool   `yaml:"enabled"`
		Model       string `yaml:"model"`
		MaxTokens   int    `yaml:"max_tokens"`
		MaxAgeHours int    `yaml:"max_age_hours"`
	} `yaml:"sentiment"`

	Insights struct {
		Enabled            bool   `yaml:"enabled"`
		PortfolioSummary   bool   `yaml:"portfolio_summary"`
		PerAsset           bool   `yaml:"per_asset"`
		IncludePreviousRun bool   `yaml:"include_previous_run"`
		Model              string `yaml:"model"`
		MaxTokens          int    `yaml:"max_tokens"`
	} `yaml:"insights"`
}

// Load returns the compiled-in defaults, optionally overridden by the YAML
// file at path (empty path skips the override), then validates.
func Load(path string) (*Profile, error) {
	p := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile file: %w", err)
		}
		if err := yaml.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("failed to parse profile file: %w", err)
		}
	}

	p.normalize()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) normalize() {
	for i, a := range p.Assets {
		p.Assets[i] = strings.ToUpper(a)
	}
	// Labels must be walked descending by min_score.
	sort.SliceStable(p.Labels, func(i, j int) bool {
		return p.Labels[i].MinScore > p.Labels[j].MinScore
	})
	// Karma tiers are matched highest floor first.
	sort.SliceStable(p.Narrative.Reddit.KarmaTiers, func(i, j int) bool {
		return p.Narrative.Reddit.KarmaTiers[i].MinKarma > p.Narrative.Reddit.KarmaTiers[j].MinKarma
	})
}

// Validate checks invariants that would otherwise surface mid-cycle.
func (p *Profile) Validate() error {
	if len(p.Assets) == 0 {
		return fmt.Errorf("profile has no assets")
	}
	if len(p.Labels) == 0 {
		return fmt.Errorf("profile has no label bands")
	}

	var sum float64
	for _, dim := range Dimensions {
		w, ok := p.Weights[dim]
		if !ok {
			return fmt.Errorf("missing weight for dimension %q", dim)
		}
		if w < 0 {
			return fmt.Errorf("negative weight for dimension %q", dim)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("dimension weights must sum to 1.0, got %.6f", sum)
	}

	if p.Conviction.Enabled && p.Conviction.BoostFactor < 1.0 {
		return fmt.Errorf("conviction boost_factor must be >= 1.0, got %v", p.Conviction.BoostFactor)
	}
	if p.Portfolio.TopN < 1 {
		return fmt.Errorf("portfolio top_n must be at least 1")
	}
	return nil
}

// Keywords returns the keyword list for an asset, falling back to the
// lowercased ticker.
func (p *Profile) Keywords(asset string) []string {
	if kws, ok := p.AssetKeywords[asset]; ok && len(kws) > 0 {
		return kws
	}
	return []string{strings.ToLower(asset)}
}
