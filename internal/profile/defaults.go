package profile

// Default returns the compiled-in profile. Every value here can be overridden
// by the optional YAML file passed to Load.
func Default() *Profile {
	p := &Profile{
		Name: "default",
		Assets: []string{
			"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "AVAX", "DOT", "MATIC", "LINK",
			"UNI", "ATOM", "LTC", "FIL", "NEAR", "APT", "ARB", "OP", "INJ", "SUI",
		},
		AgentNames: map[string]string{
			DimWhale:       "whale_agent",
			DimTechnical:   "technical_agent",
			DimDerivatives: "derivatives_agent",
			DimNarrative:   "narrative_agent",
			DimMarket:      "market_agent",
		},
		Weights: map[string]float64{
			DimWhale:       0.30,
			DimTechnical:   0.25,
			DimDerivatives: 0.20,
			DimNarrative:   0.15,
			DimMarket:      0.10,
		},
		Labels: []LabelBand{
			{MinScore: 75, Name: "STRONG BUY", Direction: "buy"},
			{MinScore: 60, Name: "BUY", Direction: "buy"},
			{MinScore: 45, Name: "NEUTRAL", Direction: "neutral"},
			{MinScore: 30, Name: "SELL", Direction: "sell"},
			{MinScore: 0, Name: "STRONG SELL", Direction: "sell"},
		},
		Reweighting: Reweighting{
			Enabled:         true,
			TierMultipliers: TierMult{Full: 1.0, Sparse: 0.5, None: 0.0},
			NoDataKeywords:  []string{"no data", "no whale activity", "no scorer"},
			FullKeywords:    []string{"accumulate", "sell"},
		},
		Conviction: Conviction{
			Enabled:               true,
			MinAgreeingDimensions: 3,
			BoostFactor:           1.25,
			BullishScoreAbove:     55,
			BearishScoreBelow:     45,
		},
		Momentum: Momentum{
			Threshold:      5,
			ImprovingLabel: "improving",
			DegradingLabel: "degrading",
			StableLabel:    "stable",
		},
		Portfolio: Portfolio{
			TopN:                    3,
			HighConvictionThreshold: 70,
			RegimeThresholds:        RegimeThresholds{ExtremeFear: 25, Fear: 45, Neutral: 55, Greed: 75},
			RiskLevels: []RiskLevel{
				{Name: "low", MaxAvgFunding: 0.0002, MinFearGreed: 40},
				{Name: "moderate", MaxAvgFunding: 0.0005, MinFearGreed: 25},
				{Name: "high", MaxAvgFunding: 1.0, MinFearGreed: 0},
			},
		},
		CoinGeckoIDs: map[string]string{
			"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana", "BNB": "binancecoin",
			"XRP": "ripple", "ADA": "cardano", "AVAX": "avalanche-2", "DOT": "polkadot",
			"MATIC": "matic-network", "LINK": "chainlink", "UNI": "uniswap", "ATOM": "cosmos",
			"LTC": "litecoin", "FIL": "filecoin", "NEAR": "near", "APT": "aptos",
			"ARB": "arbitrum", "OP": "optimism", "INJ": "injective-protocol", "SUI": "sui",
		},
		AssetKeywords: map[string][]string{
			"BTC":   {"btc", "bitcoin"},
			"ETH":   {"eth", "ethereum", "ether"},
			"SOL":   {"sol", "solana"},
			"BNB":   {"bnb", "binance coin"},
			"XRP":   {"xrp", "ripple"},
			"ADA":   {"ada", "cardano"},
			"AVAX":  {"avax", "avalanche"},
			"DOT":   {"polkadot"},
			"MATIC": {"matic", "polygon"},
			"LINK":  {"chainlink"},
			"UNI":   {"uniswap"},
			"ATOM":  {"cosmos"},
			"LTC":   {"ltc", "litecoin"},
			"FIL":   {"filecoin"},
			"NEAR":  {"near protocol"},
			"APT":   {"aptos"},
			"ARB":   {"arbitrum"},
			"OP":    {"optimism"},
			"INJ":   {"injective"},
			"SUI":   {"sui network", "sui"},
		},
	}

	p.BinanceSymbols = map[string]string{}
	for _, a := range p.Assets {
		p.BinanceSymbols[a] = a + "USDT"
	}

	p.Scoring = defaultScoring()
	p.Technical = defaultTechnical()
	p.Derivatives = defaultDerivatives()
	p.Market = defaultMarket()
	p.Narrative = defaultNarrative()
	p.Whale = defaultWhale()
	p.LLM = defaultLLM()

	return p
}

func defaultScoring() Scoring {
	var s Scoring

	s.Whale = WhaleRules{
		BaseScore:             50,
		MinDirectionalMoves:   2,
		RatioMaxPoints:        60,
		AccumulatePoints:      10,
		SellPoints:            -10,
		ExchangeOutflowBonus:  10,
		ExchangeInflowPenalty: -10,
		WalletAccumBonus:      8,
		WalletReducingPenalty: -8,
		MinScore:              0,
		MaxScore:              100,
	}

	s.Technical.RSI.OversoldBelow = 30
	s.Technical.RSI.OverboughtAbove = 70
	s.Technical.RSI.OversoldScore = 30
	s.Technical.RSI.OverboughtScore = 10
	s.Technical.RSI.NeutralMinScore = 15
	s.Technical.RSI.NeutralMaxScore = 40
	s.Technical.MACD.BullishCrossPoints = 20
	s.Technical.MACD.BearishCrossPoints = 0
	s.Technical.MA.AboveMA7Points = 10
	s.Technical.MA.BelowMA7Points = 0
	s.Technical.MA.AboveMA30Points = 10
	s.Technical.MA.BelowMA30Points = 0
	s.Technical.Trend.BullishPoints = 20
	s.Technical.Trend.BearishPoints = 0
	s.Technical.Trend.NeutralPoints = 10

	s.Derivatives.LongShort.SweetSpotMin = 0.55
	s.Derivatives.LongShort.SweetSpotMax = 0.65
	s.Derivatives.LongShort.OvercrowdedAbove = 0.70
	s.Derivatives.LongShort.ContrarianBelow = 0.45
	s.Derivatives.LongShort.SweetSpotScore = 40
	s.Derivatives.LongShort.OvercrowdedScore = 10
	s.Derivatives.LongShort.ContrarianScore = 35
	s.Derivatives.LongShort.DefaultScore = 25
	s.Derivatives.Funding.NegativeScore = 35
	s.Derivatives.Funding.LowThreshold = 0.0002
	s.Derivatives.Funding.LowScore = 30
	s.Derivatives.Funding.ModerateThreshold = 0.0005
	s.Derivatives.Funding.ModerateScore = 15
	s.Derivatives.Funding.HighScore = 5
	s.Derivatives.OpenInterest.ChangeThresholdPct = 5
	s.Derivatives.OpenInterest.RisingScore = 25
	s.Derivatives.OpenInterest.FallingScore = 10
	s.Derivatives.OpenInterest.StableScore = 15

	s.Narrative = NarrativeRules{
		VolumeMultiplier:     30,
		LLMMaxPoints:         25,
		LLMMinConfidence:     0.3,
		CommunityMaxPoints:   15,
		TrendingBonus:        10,
		InfluencerThreshold:  2,
		InfluencerBonus:      10,
		MultiSourceThreshold: 3,
		MultiSourceBonus:     10,
		MaxScore:             100,
	}

	s.Market.PriceChange.StrongPositiveAbove = 5.0
	s.Market.PriceChange.PositiveAbove = 0.0
	s.Market.PriceChange.MildNegativeAbove = -5.0
	s.Market.PriceChange.StrongPositiveScore = 40
	s.Market.PriceChange.PositiveScore = 30
	s.Market.PriceChange.MildNegativeScore = 20
	s.Market.PriceChange.StrongNegativeScore = 10
	s.Market.Volume.SpikeMultiplierAbove = 2.0
	s.Market.Volume.ElevatedMultiplierAbove = 1.5
	s.Market.Volume.SpikeScore = 30
	s.Market.Volume.ElevatedScore = 20
	s.Market.Volume.NormalScore = 10
	s.Market.FearGreed.ExtremeFearBelow = 25
	s.Market.FearGreed.FearBelow = 45
	s.Market.FearGreed.NeutralBelow = 55
	s.Market.FearGreed.GreedBelow = 75
	s.Market.FearGreed.ExtremeFearScore = 30
	s.Market.FearGreed.FearScore = 25
	s.Market.FearGreed.NeutralScore = 15
	s.Market.FearGreed.GreedScore = 10
	s.Market.FearGreed.ExtremeGreedScore = 5

	return s
}

func defaultTechnical() TechnicalConfig {
	return TechnicalConfig{
		Enabled:         true,
		BaseURL:         "https://api.binance.com/api/v3",
		Interval:        "1d",
		CandleLimit:     50,
		HTTPTimeoutSec:  20,
		RSIPeriod:       14,
		RSIBullish:      50,
		RSIOverbought:   70,
		RSIOversold:     30,
		MAShortPeriod:   7,
		MALongPeriod:    30,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		RequireTrend30d: true,
		RequireTrend7d:  true,
	}
}

func defaultDerivatives() DerivativesConfig {
	return DerivativesConfig{
		Enabled:          true,
		BaseURL:          "https://fapi.binance.com",
		LSPeriod:         "1h",
		HTTPTimeoutSec:   15,
		MaxRetries:       2,
		LSHealthyMin:     0.55,
		LSHealthyMax:     0.65,
		LSOvercrowdedMin: 0.70,
		FundingRateMax:   0.0005,
	}
}

func defaultMarket() MarketConfig {
	var m MarketConfig
	m.HTTPTimeoutSec = 20

	m.CoinGecko.Enabled = true
	m.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	m.CoinGecko.VSCurrency = "usd"
	m.CoinGecko.Breadth.Enabled = true
	m.CoinGecko.Breadth.MarketSample = 100
	m.CoinGecko.Breadth.TopGainersCount = 10
	m.CoinGecko.Breadth.TopLosersCount = 10
	m.CoinGecko.Trending.Enabled = true
	m.CoinGecko.Trending.Count = 7
	m.CoinGecko.Categories.Enabled = true
	m.CoinGecko.Categories.SampleSize = 15
	m.CoinGecko.Categories.TopGainersCount = 5
	m.CoinGecko.Categories.TopLosersCount = 5
	m.CoinGecko.Global.Enabled = true

	m.Binance.Enabled = true
	m.Binance.BaseURL = "https://api.binance.com/api/v3"
	m.Binance.Interval = "1d"
	m.Binance.LookbackDays = 8
	m.Binance.SpikeThresh = 2.0
	m.Binance.ElevatedThresh = 1.5

	m.Dex.Enabled = false
	m.Dex.BaseURL = "https://api.dexscreener.com/latest/dex"
	m.Dex.Queries = []string{"ETH USDC", "SOL USDC", "WBTC"}
	m.Dex.TopPairsCount = 15

	m.FearGreed.Enabled = true
	m.FearGreed.URL = "https://api.alternative.me/fng/?limit=1&format=json"
	m.FearGreed.ExtremeFearMax = 25
	m.FearGreed.FearMax = 45
	m.FearGreed.NeutralMax = 55
	m.FearGreed.GreedMax = 75

	return m
}

func defaultNarrative() NarrativeConfig {
	var n NarrativeConfig
	n.HTTPTimeoutSec = 20
	n.ScoreMin = 0.40
	n.ScoreMax = 0.70
	n.PeakDecayPerDay = 0.05
	n.TrendingBoost = 20

	n.Reddit.Enabled = true
	n.Reddit.BaseURL = "https://oauth.reddit.com"
	n.Reddit.TokenURL = "https://www.reddit.com/api/v1/access_token"
	n.Reddit.UserAgent = "web3-signals:v1.0"
	n.Reddit.SearchKeywords = []string{"crypto", "bitcoin", "ethereum", "altcoin"}
	n.Reddit.PostsPerSearch = 100
	n.Reddit.TimeFilter = "day"
	n.Reddit.Sort = "new"
	n.Reddit.MinScore = 5
	n.Reddit.AuthorityEnabled = true
	n.Reddit.MinAccountAgeDays = 30
	n.Reddit.KarmaTiers = []KarmaTier{
		{MinKarma: 0, Weight: 1.0},
		{MinKarma: 1000, Weight: 1.5},
		{MinKarma: 10000, Weight: 2.0},
		{MinKarma: 50000, Weight: 3.0},
	}
	n.Reddit.ModBonus = 1.5
	n.Reddit.VerifiedBonus = 1.2
	n.Reddit.EngagementCap = 5.0
	n.Reddit.MaxAuthorLookups = 25

	n.CryptoPanic.Enabled = true
	n.CryptoPanic.BaseURL = "https://cryptopanic.com/api/v1/posts/"
	n.CryptoPanic.Filter = "hot"
	n.CryptoPanic.CurrencyMap = map[string]string{}

	n.RSS.Enabled = true
	n.RSS.BaseURL = "https://news.google.com/rss/search"
	n.RSS.MaxItemsPerAsset = 20
	n.RSS.AssetSearchNames = map[string]string{
		"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana", "XRP": "ripple",
		"ADA": "cardano", "DOT": "polkadot", "MATIC": "polygon", "LINK": "chainlink",
		"UNI": "uniswap", "ATOM": "cosmos", "LTC": "litecoin", "FIL": "filecoin",
	}

	n.Trending.Enabled = true
	n.Trending.BaseURL = "https://api.coingecko.com/api/v3/search/trending"

	n.Influencers = []Influencer{
		{Handle: "whale_alert", Platform: "reddit"},
		{Handle: "lookonchain", Platform: "reddit"},
		{Handle: "cryptoquant_com", Platform: "reddit"},
	}

	n.Sentiment.Positive = []string{
		"surge", "rally", "bullish", "breakout", "adoption", "partnership",
		"upgrade", "all-time high", "ath", "soar", "gain", "accumulation",
	}
	n.Sentiment.Negative = []string{
		"crash", "dump", "bearish", "hack", "exploit", "lawsuit", "ban",
		"sell-off", "plunge", "scam", "liquidation", "outage",
	}

	n.SpamPatterns = []string{
		"giveaway", "airdrop claim", "free crypto", "100x", "guaranteed",
		"pump group", "presale", "whitelist spot",
	}

	return n
}

func defaultWhale() WhaleConfig {
	var w WhaleConfig
	w.HTTPTimeoutSec = 20
	w.LookbackHours = 24

	w.WhaleAlert.Enabled = true
	w.WhaleAlert.BaseURL = "https://api.whale-alert.io/v1"
	w.WhaleAlert.MinValueUSD = 500_000
	w.WhaleAlert.MaxResults = 100
	w.WhaleAlert.PageDelayMS = 250
	w.WhaleAlert.MaxRetries = 3
	w.WhaleAlert.RetryBaseDelaySec = 1

	w.Etherscan.Enabled = true
	w.Etherscan.BaseURL = "https://api.etherscan.io/v2/api"
	w.Etherscan.ChainID = 1
	w.Etherscan.MinETHValue = 100
	w.Etherscan.MaxTxsPerWallet = 20
	w.Etherscan.ExchangeWallets = map[string][]string{
		"binance":  {"0x28C6c06298d514Db089934071355E5743bf21d60", "0xDFd5293D8e347dFe59E90eFd55b2956a1343963d"},
		"coinbase": {"0x71660c4005BA85c37ccec55d0C4493E66Fe775d3"},
		"kraken":   {"0x2910543Af39abA0Cd09dBb2D50200b3E800A63D2"},
	}

	w.BlockchainCom.Enabled = true
	w.BlockchainCom.BaseURL = "https://blockchain.info"
	w.BlockchainCom.MinBTCValue = 10
	w.BlockchainCom.MaxTxsPerWallet = 10
	w.BlockchainCom.ExchangeWallets = map[string][]string{
		"binance":  {"34xp4vRoCGJym3xR7yCVPFHoCNxv4Twseo"},
		"bitfinex": {"bc1qgdjqv0av3q56jvd82tkdjpy7gdp9ut8tlqmgrpmv24sq90ecnvqqjwvw97"},
	}

	w.ExchangeFlow.Enabled = true
	w.ExchangeFlow.TrackExchanges = []string{"binance", "coinbase", "kraken"}
	w.ExchangeFlow.ETHSignificantChange = 1000
	w.ExchangeFlow.BTCSignificantChange = 100

	w.WhaleWallets.Enabled = true
	w.WhaleWallets.MinETHChange = 50
	w.WhaleWallets.MinBTCChange = 5
	w.WhaleWallets.ETHWallets = map[string]WalletInfo{
		"wintermute": {Address: "0x0000006daea1723962647b7e189d311d757Fb793"},
		"jump":       {Address: "0xf584F8728B874a6a5c7A8d4d387C9aae9172D621"},
	}
	w.WhaleWallets.BTCWallets = map[string]WalletInfo{
		"microstrategy": {Address: "1P5ZEDWTKTFGxQjZphgWPQUpe554WKDfHQ"},
	}

	w.Credibility.MinWalletSizeUSD = 1_000_000

	w.ActionRules.ToExchange = "sell"
	w.ActionRules.FromExchange = "accumulate"
	w.ActionRules.Unknown = "transfer"

	return w
}

func defaultLLM() LLMConfig {
	var l LLMConfig
	l.Sentiment.Enabled = true
	l.Sentiment.Model = "claude-haiku-4-5-20251001"
	l.Sentiment.MaxTokens = 2048
	l.Sentiment.MaxAgeHours = 24

	l.Insights.Enabled = false
	l.Insights.PortfolioSummary = true
	l.Insights.PerAsset = true
	l.Insights.IncludePreviousRun = true
	l.Insights.Model = "claude-haiku-4-5-20251001"
	l.Insights.MaxTokens = 1024
	return l
}
