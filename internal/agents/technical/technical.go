// Package technical computes trend indicators (RSI, MACD, moving averages)
// per asset from Binance spot daily candles.
package technical

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/markcheno/go-talib"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
)

// AssetTechnicals is one asset's indicator block. Pointer fields stay nil
// when there was not enough candle history to compute the indicator.
type AssetTechnicals struct {
	Price         *float64 `json:"price"`
	RSI14         *float64 `json:"rsi_14"`
	MACDLine      *float64 `json:"macd_line"`
	MACDSignal    *float64 `json:"macd_signal"`
	MACDHistogram *float64 `json:"macd_histogram"`
	MA7d          *float64 `json:"ma_7d"`
	MA30d         *float64 `json:"ma_30d"`
	PriceVs7dMA   *float64 `json:"price_vs_7d_ma"`
	PriceVs30dMA  *float64 `json:"price_vs_30d_ma"`
	Trend7d       string   `json:"trend_7d"`
	Trend30d      string   `json:"trend_30d"`
	RSIStatus     string   `json:"rsi_status"`
	MACDStatus    string   `json:"macd_status"`
	Condition     bool     `json:"technical_condition"`
}

// Summary lists assets by their trend classification.
type Summary struct {
	BullishAssets    []string `json:"bullish_assets"`
	BearishAssets    []string `json:"bearish_assets"`
	NeutralAssets    []string `json:"neutral_assets"`
	OverboughtAssets []string `json:"overbought_assets"`
	OversoldAssets   []string `json:"oversold_assets"`
}

// Data is the technical agent's envelope payload.
type Data struct {
	ByAsset map[string]*AssetTechnicals `json:"by_asset"`
	Summary Summary                     `json:"summary"`
}

// Empty reports whether no asset produced a price.
func (d *Data) Empty() bool {
	for _, a := range d.ByAsset {
		if a.Price != nil {
			return false
		}
	}
	return true
}

// Collector fetches candles and computes indicators for each profiled asset.
type Collector struct {
	profile *profile.Profile
	client  *httpx.Client
}

func New(p *profile.Profile, client *httpx.Client) *Collector {
	return &Collector{profile: p, client: client}
}

func (c *Collector) Name() string        { return "technical_agent" }
func (c *Collector) ProfileName() string { return c.profile.Name }

func (c *Collector) EmptyData() agent.Payload {
	data := &Data{
		ByAsset: map[string]*AssetTechnicals{},
		Summary: Summary{
			BullishAssets:    []string{},
			BearishAssets:    []string{},
			NeutralAssets:    []string{},
			OverboughtAssets: []string{},
			OversoldAssets:   []string{},
		},
	}
	for _, sym := range c.profile.Assets {
		data.ByAsset[sym] = emptyAsset()
	}
	return data
}

func emptyAsset() *AssetTechnicals {
	return &AssetTechnicals{
		Trend7d:    "unknown",
		Trend30d:   "unknown",
		RSIStatus:  "unknown",
		MACDStatus: "unknown",
	}
}

func (c *Collector) Collect(ctx context.Context) (agent.Payload, []string) {
	cfg := c.profile.Technical
	data := c.EmptyData().(*Data)
	var errors []string

	for _, sym := range c.profile.Assets {
		pair, ok := c.profile.BinanceSymbols[sym]
		if !ok || pair == "" {
			errors = append(errors, fmt.Sprintf("%s: no Binance symbol mapping in profile", sym))
			continue
		}

		asset := data.ByAsset[sym]

		closes, err := c.fetchCloses(ctx, pair)
		if err != nil {
			errors = append(errors, fmt.Sprintf("%s klines: %v", sym, err))
			continue
		}
		if len(closes) < cfg.MACDSlow+cfg.MACDSignal {
			errors = append(errors, fmt.Sprintf("%s: not enough candles (%d)", sym, len(closes)))
			continue
		}

		price := closes[len(closes)-1]
		asset.Price = ptr(round(price, 6))

		var rsi *float64
		if series := talib.Rsi(closes, cfg.RSIPeriod); len(series) > 0 {
			if v := series[len(series)-1]; !math.IsNaN(v) {
				rsi = &v
				asset.RSI14 = ptr(round(v, 2))
				switch {
				case v >= cfg.RSIOverbought:
					asset.RSIStatus = "overbought"
					data.Summary.OverboughtAssets = append(data.Summary.OverboughtAssets, sym)
				case v <= cfg.RSIOversold:
					asset.RSIStatus = "oversold"
					data.Summary.OversoldAssets = append(data.Summary.OversoldAssets, sym)
				case v >= cfg.RSIBullish:
					asset.RSIStatus = "bullish"
				default:
					asset.RSIStatus = "bearish"
				}
			}
		}

		if len(closes) >= cfg.MAShortPeriod {
			ma7 := lastSMA(closes, cfg.MAShortPeriod)
			asset.MA7d = ptr(round(ma7, 6))
			asset.PriceVs7dMA = ptr(round((price-ma7)/ma7*100, 2))
		}
		if len(closes) >= cfg.MALongPeriod {
			ma30 := lastSMA(closes, cfg.MALongPeriod)
			asset.MA30d = ptr(round(ma30, 6))
			asset.PriceVs30dMA = ptr(round((price-ma30)/ma30*100, 2))
		}

		macdVal, signalVal, histVal, ok := lastMACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		if ok {
			asset.MACDLine = ptr(round(macdVal, 6))
			asset.MACDSignal = ptr(round(signalVal, 6))
			asset.MACDHistogram = ptr(round(histVal, 6))
			if macdVal > signalVal {
				asset.MACDStatus = "bullish"
			} else {
				asset.MACDStatus = "bearish"
			}
		}

		// 30D trend needs price above the long MA and RSI above the bullish
		// threshold; 7D trend needs price above the short MA and a bullish
		// MACD cross.
		trend30 := "unknown"
		if asset.MA30d != nil && rsi != nil {
			switch {
			case price > *asset.MA30d && *rsi > cfg.RSIBullish:
				trend30 = "bullish"
			case price < *asset.MA30d && *rsi < cfg.RSIBullish:
				trend30 = "bearish"
			default:
				trend30 = "neutral"
			}
		}
		asset.Trend30d = trend30

		trend7 := "unknown"
		if asset.MA7d != nil && ok {
			switch {
			case price > *asset.MA7d && macdVal > signalVal:
				trend7 = "bullish"
			case price < *asset.MA7d && macdVal < signalVal:
				trend7 = "bearish"
			default:
				trend7 = "neutral"
			}
		}
		asset.Trend7d = trend7

		cond30 := trend30 == "bullish" || !cfg.RequireTrend30d
		cond7 := trend7 == "bullish" || !cfg.RequireTrend7d
		asset.Condition = cond30 && cond7

		switch {
		case asset.Condition:
			data.Summary.BullishAssets = append(data.Summary.BullishAssets, sym)
		case trend30 == "bearish" || trend7 == "bearish":
			data.Summary.BearishAssets = append(data.Summary.BearishAssets, sym)
		default:
			data.Summary.NeutralAssets = append(data.Summary.NeutralAssets, sym)
		}
	}

	return data, errors
}

// fetchCloses returns daily close prices, oldest first.
func (c *Collector) fetchCloses(ctx context.Context, pair string) ([]float64, error) {
	cfg := c.profile.Technical
	url := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&limit=%d",
		cfg.BaseURL, pair, cfg.Interval, cfg.CandleLimit)

	// Binance kline rows are positional arrays; index 4 is the close price,
	// encoded as a string.
	var raw [][]any
	if err := c.client.GetJSON(ctx, url, &raw); err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(raw))
	for _, candle := range raw {
		if len(candle) < 5 {
			continue
		}
		s, ok := candle[4].(string)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		closes = append(closes, v)
	}
	return closes, nil
}

// lastSMA is the simple moving average over the final period closes.
func lastSMA(closes []float64, period int) float64 {
	var sum float64
	for _, v := range closes[len(closes)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// lastMACD returns the latest MACD line, signal line, and histogram values.
func lastMACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, hist float64, ok bool) {
	if len(closes) < slow+signalPeriod {
		return 0, 0, 0, false
	}
	macdSeries, signalSeries, histSeries := talib.Macd(closes, fast, slow, signalPeriod)
	n := len(macdSeries)
	if n == 0 || math.IsNaN(macdSeries[n-1]) || math.IsNaN(signalSeries[n-1]) {
		return 0, 0, 0, false
	}
	return macdSeries[n-1], signalSeries[n-1], histSeries[n-1], true
}

func round(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

func ptr(v float64) *float64 { return &v }
