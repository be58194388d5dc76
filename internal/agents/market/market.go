// Package market tracks broad market health plus per-asset price and volume:
// CoinGecko prices and breadth, Binance volume spikes, sector categories,
// global caps, DexScreener pairs, and the Fear & Greed index.
package market

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
)

// AssetMarket is one tracked asset's price and volume block.
type AssetMarket struct {
	Price            float64  `json:"price"`
	Change24hPct     float64  `json:"change_24h_pct"`
	Volume24h        float64  `json:"volume_24h"`
	MarketCap        float64  `json:"market_cap"`
	Volume7dAvg      *float64 `json:"volume_7d_avg"`
	VolumeSpikeRatio *float64 `json:"volume_spike_ratio"`
	VolumeStatus     string   `json:"volume_status"`
}

// Coin is a normalized CoinGecko market row.
type Coin struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	Change24hPct float64 `json:"change_24h_pct"`
	MarketCap    float64 `json:"market_cap"`
	Volume24h    float64 `json:"volume_24h"`
}

// TrendingToken is a CoinGecko trending search entry.
type TrendingToken struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"market_cap_rank"`
}

// Category is one sector performance row.
type Category struct {
	Name      string  `json:"name"`
	Change24h float64 `json:"change_24h"`
	MarketCap float64 `json:"market_cap"`
}

// DexPair is one DexScreener pair, normalized.
type DexPair struct {
	ChainID      string  `json:"chain_id"`
	DexID        string  `json:"dex_id"`
	PairAddress  string  `json:"pair_address"`
	BaseSymbol   string  `json:"base_symbol"`
	QuoteSymbol  string  `json:"quote_symbol"`
	PriceUSD     float64 `json:"price_usd"`
	Volume24h    float64 `json:"volume_24h"`
	LiquidityUSD float64 `json:"liquidity_usd"`
	Change24h    float64 `json:"change_24h"`
}

// Breadth carries top movers and trending tokens from the broad market sample.
type Breadth struct {
	TopGainers     []Coin          `json:"top_gainers"`
	TopLosers      []Coin          `json:"top_losers"`
	TrendingTokens []TrendingToken `json:"trending_tokens"`
}

// Categories carries sector gainers and losers.
type Categories struct {
	TopGainers []Category `json:"top_gainers"`
	TopLosers  []Category `json:"top_losers"`
}

// GlobalMarket is the CoinGecko global rollup.
type GlobalMarket struct {
	TotalMarketCapUSD       *float64 `json:"total_market_cap_usd"`
	TotalMarketCapChange24h *float64 `json:"total_market_cap_change_24h"`
	BTCDominance            *float64 `json:"btc_dominance"`
	ETHDominance            *float64 `json:"eth_dominance"`
	ActiveCryptocurrencies  *int     `json:"active_cryptocurrencies"`
}

// Sentiment is the Fear & Greed reading.
type Sentiment struct {
	FearGreedIndex *int   `json:"fear_greed_index"`
	Classification string `json:"classification,omitempty"`
}

// Summary reduces the sections to headline facts.
type Summary struct {
	VolumeSpikeAssets    []string `json:"volume_spike_assets"`
	ElevatedVolumeAssets []string `json:"elevated_volume_assets"`
	TopGainerAsset       *string  `json:"top_gainer_asset"`
	TopLoserAsset        *string  `json:"top_loser_asset"`
	MarketDirection      string   `json:"market_direction"`
}

// Data is the market agent's envelope payload.
type Data struct {
	PerAsset     map[string]*AssetMarket `json:"per_asset"`
	Breadth      Breadth                 `json:"breadth"`
	Categories   Categories              `json:"categories"`
	GlobalMarket GlobalMarket            `json:"global_market"`
	Dex          struct {
		TopPairs []DexPair `json:"top_pairs"`
	} `json:"dex"`
	Sentiment Sentiment `json:"sentiment"`
	Summary   Summary   `json:"summary"`
}

// Empty reports whether every section came back blank.
func (d *Data) Empty() bool {
	return len(d.PerAsset) == 0 &&
		len(d.Breadth.TopGainers) == 0 &&
		len(d.Breadth.TrendingTokens) == 0 &&
		d.GlobalMarket.TotalMarketCapUSD == nil &&
		d.Sentiment.FearGreedIndex == nil
}

// Collector fetches all market sections.
type Collector struct {
	profile *profile.Profile
	client  *httpx.Client
}

func New(p *profile.Profile, client *httpx.Client) *Collector {
	return &Collector{profile: p, client: client}
}

func (c *Collector) Name() string        { return "market_agent" }
func (c *Collector) ProfileName() string { return c.profile.Name }

func (c *Collector) EmptyData() agent.Payload {
	data := &Data{
		PerAsset: map[string]*AssetMarket{},
		Breadth: Breadth{
			TopGainers:     []Coin{},
			TopLosers:      []Coin{},
			TrendingTokens: []TrendingToken{},
		},
		Categories: Categories{TopGainers: []Category{}, TopLosers: []Category{}},
		Summary: Summary{
			VolumeSpikeAssets:    []string{},
			ElevatedVolumeAssets: []string{},
			MarketDirection:      "unknown",
		},
	}
	data.Dex.TopPairs = []DexPair{}
	return data
}

func (c *Collector) Collect(ctx context.Context) (agent.Payload, []string) {
	cfg := c.profile.Market
	data := c.EmptyData().(*Data)
	var errors []string

	if cfg.CoinGecko.Enabled {
		if err := c.fetchPerAsset(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("per_asset: %v", err))
		}
	}

	if cfg.Binance.Enabled {
		if err := c.enrichVolumeSpikes(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("volume_spikes: %v", err))
		}
	}

	if cfg.CoinGecko.Enabled && cfg.CoinGecko.Breadth.Enabled {
		if err := c.fetchBreadth(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("breadth: %v", err))
		}
		if cfg.CoinGecko.Trending.Enabled {
			if err := c.fetchTrending(ctx, data); err != nil {
				errors = append(errors, fmt.Sprintf("trending: %v", err))
			}
		}
	}

	if cfg.CoinGecko.Enabled && cfg.CoinGecko.Categories.Enabled {
		if err := c.fetchCategories(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("categories: %v", err))
		}
	}

	if cfg.CoinGecko.Enabled && cfg.CoinGecko.Global.Enabled {
		if err := c.fetchGlobal(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("global_market: %v", err))
		}
	}

	if cfg.Dex.Enabled {
		if err := c.fetchDexPairs(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("dex: %v", err))
		}
	}

	if cfg.FearGreed.Enabled {
		if err := c.fetchSentiment(ctx, data); err != nil {
			errors = append(errors, fmt.Sprintf("sentiment: %v", err))
		}
	}

	c.buildSummary(data)
	return data, errors
}

func (c *Collector) fetchPerAsset(ctx context.Context, data *Data) error {
	cg := c.profile.Market.CoinGecko
	vs := cg.VSCurrency

	ids := make([]string, 0, len(c.profile.Assets))
	symByID := map[string]string{}
	for _, sym := range c.profile.Assets {
		if id, ok := c.profile.CoinGeckoIDs[sym]; ok && id != "" {
			ids = append(ids, id)
			symByID[id] = sym
		}
	}
	if len(ids) == 0 {
		return nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", vs)
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")

	var payload map[string]map[string]float64
	if err := c.client.GetJSON(ctx, cg.BaseURL+"/simple/price?"+q.Encode(), &payload); err != nil {
		return err
	}

	for id, sym := range symByID {
		coin := payload[id]
		data.PerAsset[sym] = &AssetMarket{
			Price:        coin[vs],
			Change24hPct: coin[vs+"_24h_change"],
			Volume24h:    coin[vs+"_24h_vol"],
			MarketCap:    coin[vs+"_market_cap"],
			VolumeStatus: "unknown",
		}
	}
	return nil
}

func (c *Collector) enrichVolumeSpikes(ctx context.Context, data *Data) error {
	bn := c.profile.Market.Binance

	for _, sym := range c.profile.Assets {
		asset, ok := data.PerAsset[sym]
		if !ok {
			continue
		}
		pair, ok := c.profile.BinanceSymbols[sym]
		if !ok || pair == "" {
			continue
		}

		u := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&limit=%d",
			bn.BaseURL, pair, bn.Interval, bn.LookbackDays)
		var raw [][]any
		if err := c.client.GetJSON(ctx, u, &raw); err != nil {
			continue // per-asset volume failure is non-fatal
		}

		volumes := make([]float64, 0, len(raw))
		for _, candle := range raw {
			if len(candle) < 6 {
				continue
			}
			if s, ok := candle[5].(string); ok {
				if v, err := strconv.ParseFloat(s, 64); err == nil {
					volumes = append(volumes, v)
				}
			}
		}
		if len(volumes) < 2 {
			continue
		}

		today := volumes[len(volumes)-1]
		var sum float64
		for _, v := range volumes[:len(volumes)-1] {
			sum += v
		}
		avg := sum / float64(len(volumes)-1)

		var ratio float64
		if avg > 0 {
			ratio = today / avg
		}

		asset.Volume7dAvg = ptr(round(avg, 2))
		asset.VolumeSpikeRatio = ptr(round(ratio, 2))
		switch {
		case ratio >= bn.SpikeThresh:
			asset.VolumeStatus = "spike"
		case ratio >= bn.ElevatedThresh:
			asset.VolumeStatus = "elevated"
		default:
			asset.VolumeStatus = "normal"
		}
	}
	return nil
}

// coinGeckoMarketRow is the raw /coins/markets shape.
type coinGeckoMarketRow struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	CurrentPrice             float64  `json:"current_price"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
	MarketCap                float64  `json:"market_cap"`
	TotalVolume              float64  `json:"total_volume"`
}

func (r coinGeckoMarketRow) normalize() Coin {
	var change float64
	if r.PriceChangePercentage24h != nil {
		change = *r.PriceChangePercentage24h
	}
	return Coin{
		ID:           r.ID,
		Symbol:       strings.ToUpper(r.Symbol),
		Name:         r.Name,
		Price:        r.CurrentPrice,
		Change24hPct: change,
		MarketCap:    r.MarketCap,
		Volume24h:    r.TotalVolume,
	}
}

func (c *Collector) fetchBreadth(ctx context.Context, data *Data) error {
	cg := c.profile.Market.CoinGecko
	sample := cg.Breadth.MarketSample
	if sample > 250 {
		sample = 250
	}

	q := url.Values{}
	q.Set("vs_currency", cg.VSCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(sample))
	q.Set("page", "1")
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "24h")

	var rows []coinGeckoMarketRow
	if err := c.client.GetJSON(ctx, cg.BaseURL+"/coins/markets?"+q.Encode(), &rows); err != nil {
		return err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return deref(rows[i].PriceChangePercentage24h) > deref(rows[j].PriceChangePercentage24h)
	})

	gainers := cg.Breadth.TopGainersCount
	if gainers > len(rows) {
		gainers = len(rows)
	}
	losers := cg.Breadth.TopLosersCount
	if losers > len(rows) {
		losers = len(rows)
	}

	for _, r := range rows[:gainers] {
		data.Breadth.TopGainers = append(data.Breadth.TopGainers, r.normalize())
	}
	for _, r := range rows[len(rows)-losers:] {
		data.Breadth.TopLosers = append(data.Breadth.TopLosers, r.normalize())
	}
	return nil
}

func (c *Collector) fetchTrending(ctx context.Context, data *Data) error {
	cg := c.profile.Market.CoinGecko

	var payload struct {
		Coins []struct {
			Item struct {
				ID            string `json:"id"`
				Symbol        string `json:"symbol"`
				Name          string `json:"name"`
				MarketCapRank int    `json:"market_cap_rank"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := c.client.GetJSON(ctx, cg.BaseURL+"/search/trending", &payload); err != nil {
		return err
	}

	count := cg.Trending.Count
	if count > len(payload.Coins) {
		count = len(payload.Coins)
	}
	for _, entry := range payload.Coins[:count] {
		data.Breadth.TrendingTokens = append(data.Breadth.TrendingTokens, TrendingToken{
			ID:            entry.Item.ID,
			Symbol:        strings.ToUpper(entry.Item.Symbol),
			Name:          entry.Item.Name,
			MarketCapRank: entry.Item.MarketCapRank,
		})
	}
	return nil
}

func (c *Collector) fetchCategories(ctx context.Context, data *Data) error {
	cg := c.profile.Market.CoinGecko

	var rows []struct {
		Name               string   `json:"name"`
		MarketCap          *float64 `json:"market_cap"`
		MarketCapChange24h *float64 `json:"market_cap_change_24h"`
	}
	if err := c.client.GetJSON(ctx, cg.BaseURL+"/coins/categories", &rows); err != nil {
		return err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return deref(rows[i].MarketCap) > deref(rows[j].MarketCap)
	})
	if len(rows) > cg.Categories.SampleSize {
		rows = rows[:cg.Categories.SampleSize]
	}

	categories := make([]Category, 0, len(rows))
	for _, r := range rows {
		categories = append(categories, Category{
			Name:      r.Name,
			Change24h: deref(r.MarketCapChange24h),
			MarketCap: deref(r.MarketCap),
		})
	}

	sorted := make([]Category, len(categories))
	copy(sorted, categories)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Change24h > sorted[j].Change24h })

	g := cg.Categories.TopGainersCount
	if g > len(sorted) {
		g = len(sorted)
	}
	l := cg.Categories.TopLosersCount
	if l > len(sorted) {
		l = len(sorted)
	}

	data.Categories.TopGainers = append([]Category{}, sorted[:g]...)
	losers := make([]Category, 0, l)
	for i := len(sorted) - 1; i >= len(sorted)-l; i-- {
		losers = append(losers, sorted[i])
	}
	data.Categories.TopLosers = losers
	return nil
}

func (c *Collector) fetchGlobal(ctx context.Context, data *Data) error {
	cg := c.profile.Market.CoinGecko

	var payload struct {
		Data struct {
			TotalMarketCap           map[string]float64 `json:"total_market_cap"`
			MarketCapPercentage      map[string]float64 `json:"market_cap_percentage"`
			MarketCapChangePct24hUSD float64            `json:"market_cap_change_percentage_24h_usd"`
			ActiveCryptocurrencies   int                `json:"active_cryptocurrencies"`
		} `json:"data"`
	}
	if err := c.client.GetJSON(ctx, cg.BaseURL+"/global", &payload); err != nil {
		return err
	}

	totalCap := payload.Data.TotalMarketCap["usd"]
	data.GlobalMarket = GlobalMarket{
		TotalMarketCapUSD:       &totalCap,
		TotalMarketCapChange24h: ptr(round(payload.Data.MarketCapChangePct24hUSD, 2)),
		BTCDominance:            ptr(round(payload.Data.MarketCapPercentage["btc"], 2)),
		ETHDominance:            ptr(round(payload.Data.MarketCapPercentage["eth"], 2)),
		ActiveCryptocurrencies:  &payload.Data.ActiveCryptocurrencies,
	}
	return nil
}

func (c *Collector) fetchDexPairs(ctx context.Context, data *Data) error {
	dex := c.profile.Market.Dex

	seen := map[string]bool{}
	var pairs []DexPair

	for _, query := range dex.Queries {
		var payload struct {
			Pairs []struct {
				ChainID     string `json:"chainId"`
				DexID       string `json:"dexId"`
				PairAddress string `json:"pairAddress"`
				PriceUSD    string `json:"priceUsd"`
				BaseToken   struct {
					Symbol string `json:"symbol"`
				} `json:"baseToken"`
				QuoteToken struct {
					Symbol string `json:"symbol"`
				} `json:"quoteToken"`
				Volume struct {
					H24 float64 `json:"h24"`
				} `json:"volume"`
				Liquidity struct {
					USD float64 `json:"usd"`
				} `json:"liquidity"`
				PriceChange struct {
					H24 float64 `json:"h24"`
				} `json:"priceChange"`
			} `json:"pairs"`
		}
		u := dex.BaseURL + "/search?q=" + url.QueryEscape(query)
		if err := c.client.GetJSON(ctx, u, &payload); err != nil {
			continue
		}

		for _, p := range payload.Pairs {
			key := p.ChainID + ":" + p.PairAddress
			if seen[key] {
				continue
			}
			seen[key] = true
			price, _ := strconv.ParseFloat(p.PriceUSD, 64)
			pairs = append(pairs, DexPair{
				ChainID:      p.ChainID,
				DexID:        p.DexID,
				PairAddress:  p.PairAddress,
				BaseSymbol:   p.BaseToken.Symbol,
				QuoteSymbol:  p.QuoteToken.Symbol,
				PriceUSD:     price,
				Volume24h:    p.Volume.H24,
				LiquidityUSD: p.Liquidity.USD,
				Change24h:    p.PriceChange.H24,
			})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Volume24h > pairs[j].Volume24h })
	if len(pairs) > dex.TopPairsCount {
		pairs = pairs[:dex.TopPairsCount]
	}
	data.Dex.TopPairs = pairs
	return nil
}

func (c *Collector) fetchSentiment(ctx context.Context, data *Data) error {
	fg := c.profile.Market.FearGreed

	var payload struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	if err := c.client.GetJSON(ctx, fg.URL, &payload); err != nil {
		return err
	}
	if len(payload.Data) == 0 {
		return fmt.Errorf("empty fear & greed response")
	}

	value, err := strconv.Atoi(payload.Data[0].Value)
	if err != nil {
		return fmt.Errorf("bad fear & greed value %q", payload.Data[0].Value)
	}

	var classification string
	switch {
	case float64(value) <= fg.ExtremeFearMax:
		classification = "extreme_fear"
	case float64(value) <= fg.FearMax:
		classification = "fear"
	case float64(value) <= fg.NeutralMax:
		classification = "neutral"
	case float64(value) <= fg.GreedMax:
		classification = "greed"
	default:
		classification = "extreme_greed"
	}

	data.Sentiment = Sentiment{FearGreedIndex: &value, Classification: classification}
	return nil
}

func (c *Collector) buildSummary(data *Data) {
	summary := Summary{
		VolumeSpikeAssets:    []string{},
		ElevatedVolumeAssets: []string{},
		MarketDirection:      "unknown",
	}

	bestChange, worstChange := -999.0, 999.0
	for _, sym := range c.profile.Assets {
		info, ok := data.PerAsset[sym]
		if !ok {
			continue
		}
		switch info.VolumeStatus {
		case "spike":
			summary.VolumeSpikeAssets = append(summary.VolumeSpikeAssets, sym)
		case "elevated":
			summary.ElevatedVolumeAssets = append(summary.ElevatedVolumeAssets, sym)
		}

		if info.Change24hPct > bestChange {
			bestChange = info.Change24hPct
			s := sym
			summary.TopGainerAsset = &s
		}
		if info.Change24hPct < worstChange {
			worstChange = info.Change24hPct
			s := sym
			summary.TopLoserAsset = &s
		}
	}

	if change := data.GlobalMarket.TotalMarketCapChange24h; change != nil {
		switch {
		case *change > 1.0:
			summary.MarketDirection = "bullish"
		case *change < -1.0:
			summary.MarketDirection = "bearish"
		default:
			summary.MarketDirection = "neutral"
		}
	}

	data.Summary = summary
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func round(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

func ptr(v float64) *float64 { return &v }
