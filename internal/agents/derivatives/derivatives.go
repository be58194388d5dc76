// Package derivatives collects futures positioning (long/short accounts,
// funding rate, open interest) per asset from Binance Futures.
package derivatives

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
)

// AssetDerivatives is one asset's futures positioning block.
type AssetDerivatives struct {
	LongPct         *float64 `json:"long_pct"`
	ShortPct        *float64 `json:"short_pct"`
	LongShortRatio  *float64 `json:"long_short_ratio"`
	FundingRate     *float64 `json:"funding_rate"`
	OpenInterestUSD *float64 `json:"open_interest_usd"`
	LSStatus        string   `json:"ls_status"`
	FundingStatus   string   `json:"funding_status"`
	Condition       bool     `json:"derivatives_condition"`
}

// Summary buckets assets by positioning health.
type Summary struct {
	HealthyAssets    []string `json:"healthy_assets"`
	OvercrowdedLongs []string `json:"overcrowded_longs"`
	BearishDominance []string `json:"bearish_dominance"`
	HighFunding      []string `json:"high_funding"`
}

// Data is the derivatives agent's envelope payload.
type Data struct {
	ByAsset map[string]*AssetDerivatives `json:"by_asset"`
	Summary Summary                      `json:"summary"`
}

// Empty reports whether no asset produced any positioning metric.
func (d *Data) Empty() bool {
	for _, a := range d.ByAsset {
		if a.LongShortRatio != nil || a.FundingRate != nil || a.OpenInterestUSD != nil {
			return false
		}
	}
	return true
}

// Collector fetches futures positioning for each profiled asset.
type Collector struct {
	profile *profile.Profile
	client  *httpx.Client
}

func New(p *profile.Profile, client *httpx.Client) *Collector {
	return &Collector{profile: p, client: client}
}

func (c *Collector) Name() string        { return "derivatives_agent" }
func (c *Collector) ProfileName() string { return c.profile.Name }

func (c *Collector) EmptyData() agent.Payload {
	data := &Data{
		ByAsset: map[string]*AssetDerivatives{},
		Summary: Summary{
			HealthyAssets:    []string{},
			OvercrowdedLongs: []string{},
			BearishDominance: []string{},
			HighFunding:      []string{},
		},
	}
	for _, sym := range c.profile.Assets {
		data.ByAsset[sym] = &AssetDerivatives{LSStatus: "unknown", FundingStatus: "unknown"}
	}
	return data
}

func (c *Collector) Collect(ctx context.Context) (agent.Payload, []string) {
	cfg := c.profile.Derivatives
	data := c.EmptyData().(*Data)
	var errors []string

	retryDelay := time.Second

	for _, sym := range c.profile.Assets {
		pair, ok := c.profile.BinanceSymbols[sym]
		if !ok || pair == "" {
			errors = append(errors, fmt.Sprintf("%s: no Binance futures mapping in profile", sym))
			continue
		}

		asset := data.ByAsset[sym]

		// Long/short account ratio. Percentages arrive as strings.
		var lsRows []struct {
			LongAccount  string `json:"longAccount"`
			ShortAccount string `json:"shortAccount"`
		}
		url := fmt.Sprintf("%s/futures/data/globalLongShortAccountRatio?symbol=%s&period=%s&limit=1",
			cfg.BaseURL, pair, cfg.LSPeriod)
		if err := c.client.GetJSONRetry(ctx, url, &lsRows, cfg.MaxRetries, retryDelay); err != nil {
			errors = append(errors, fmt.Sprintf("long_short %s: %v", sym, err))
		} else if len(lsRows) > 0 {
			if long, err := strconv.ParseFloat(lsRows[0].LongAccount, 64); err == nil {
				asset.LongPct = ptr(round4(long))
				asset.LongShortRatio = asset.LongPct
			}
			if short, err := strconv.ParseFloat(lsRows[0].ShortAccount, 64); err == nil {
				asset.ShortPct = ptr(round4(short))
			}
		}

		// Funding rate from the premium index.
		var premium struct {
			LastFundingRate string `json:"lastFundingRate"`
		}
		url = fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", cfg.BaseURL, pair)
		if err := c.client.GetJSONRetry(ctx, url, &premium, cfg.MaxRetries, retryDelay); err != nil {
			errors = append(errors, fmt.Sprintf("funding %s: %v", sym, err))
		} else if fr, err := strconv.ParseFloat(premium.LastFundingRate, 64); err == nil {
			asset.FundingRate = &fr
		}

		// Open interest.
		var oi struct {
			OpenInterest string `json:"openInterest"`
		}
		url = fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", cfg.BaseURL, pair)
		if err := c.client.GetJSONRetry(ctx, url, &oi, cfg.MaxRetries, retryDelay); err != nil {
			errors = append(errors, fmt.Sprintf("oi %s: %v", sym, err))
		} else if v, err := strconv.ParseFloat(oi.OpenInterest, 64); err == nil {
			asset.OpenInterestUSD = &v
		}

		if asset.LongShortRatio != nil {
			ls := *asset.LongShortRatio
			switch {
			case ls >= cfg.LSHealthyMin && ls <= cfg.LSHealthyMax:
				asset.LSStatus = "healthy"
			case ls > cfg.LSHealthyMax:
				asset.LSStatus = "overcrowded"
			default:
				asset.LSStatus = "bearish"
			}
		}

		if asset.FundingRate != nil {
			fr := *asset.FundingRate
			switch {
			case fr >= 0 && fr <= cfg.FundingRateMax:
				asset.FundingStatus = "normal"
			case fr > cfg.FundingRateMax:
				asset.FundingStatus = "high"
			default:
				asset.FundingStatus = "negative"
			}
		}

		asset.Condition = asset.LSStatus == "healthy" && asset.FundingStatus != "high"
	}

	for _, sym := range c.profile.Assets {
		asset := data.ByAsset[sym]
		switch asset.LSStatus {
		case "healthy":
			data.Summary.HealthyAssets = append(data.Summary.HealthyAssets, sym)
		case "overcrowded":
			data.Summary.OvercrowdedLongs = append(data.Summary.OvercrowdedLongs, sym)
		case "bearish":
			data.Summary.BearishDominance = append(data.Summary.BearishDominance, sym)
		}
		if asset.FundingStatus == "high" {
			data.Summary.HighFunding = append(data.Summary.HighFunding, sym)
		}
	}

	return data, errors
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func ptr(v float64) *float64 { return &v }
