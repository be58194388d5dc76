package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
)

const simplePriceBody = `{
	"bitcoin": {"usd": 50000, "usd_24h_change": 6.5, "usd_24h_vol": 30000000000, "usd_market_cap": 980000000000},
	"ethereum": {"usd": 3000, "usd_24h_change": -2.1, "usd_24h_vol": 12000000000, "usd_market_cap": 360000000000}
}`

// Daily klines with a final-day volume spike: seven days at 100, today 250.
const klinesBody = `[
	[0,"0","0","0","0","100"],[0,"0","0","0","0","100"],[0,"0","0","0","0","100"],
	[0,"0","0","0","0","100"],[0,"0","0","0","0","100"],[0,"0","0","0","0","100"],
	[0,"0","0","0","0","100"],[0,"0","0","0","0","250"]
]`

const globalBody = `{"data": {
	"total_market_cap": {"usd": 2400000000000},
	"market_cap_percentage": {"btc": 52.345, "eth": 17.891},
	"market_cap_change_percentage_24h_usd": 2.567,
	"active_cryptocurrencies": 12000
}}`

const fngBody = `{"data": [{"value": "22", "value_classification": "Extreme Fear"}]}`

func newMarketServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "simple/price"):
			w.Write([]byte(simplePriceBody))
		case strings.Contains(r.URL.Path, "klines"):
			w.Write([]byte(klinesBody))
		case strings.Contains(r.URL.Path, "coins/markets"):
			w.Write([]byte(`[
				{"id": "pepe", "symbol": "pepe", "name": "Pepe", "current_price": 1, "price_change_percentage_24h": 25.0, "market_cap": 1, "total_volume": 1},
				{"id": "bitcoin", "symbol": "btc", "name": "Bitcoin", "current_price": 50000, "price_change_percentage_24h": 6.5, "market_cap": 2, "total_volume": 2},
				{"id": "doge", "symbol": "doge", "name": "Dogecoin", "current_price": 0.1, "price_change_percentage_24h": -12.0, "market_cap": 3, "total_volume": 3}
			]`))
		case strings.Contains(r.URL.Path, "search/trending"):
			w.Write([]byte(`{"coins": [{"item": {"id": "sui", "symbol": "sui", "name": "Sui", "market_cap_rank": 20}}]}`))
		case strings.Contains(r.URL.Path, "coins/categories"):
			w.Write([]byte(`[
				{"name": "DeFi", "market_cap": 90000000000, "market_cap_change_24h": 4.2},
				{"name": "Layer 1", "market_cap": 800000000000, "market_cap_change_24h": -1.5},
				{"name": "Meme", "market_cap": 60000000000, "market_cap_change_24h": 11.0}
			]`))
		case strings.Contains(r.URL.Path, "global"):
			w.Write([]byte(globalBody))
		case strings.Contains(r.URL.Path, "fng"):
			w.Write([]byte(fngBody))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testCollector(t *testing.T, baseURL string) *Collector {
	t.Helper()
	p := profile.Default()
	p.Assets = []string{"BTC", "ETH"}
	p.Market.CoinGecko.BaseURL = baseURL
	p.Market.Binance.BaseURL = baseURL
	p.Market.FearGreed.URL = baseURL + "/fng/?limit=1&format=json"
	p.Market.Dex.Enabled = false
	return New(p, httpx.New(zerolog.Nop()))
}

func TestCollectAllSections(t *testing.T) {
	srv := newMarketServer(t)
	defer srv.Close()

	payload, errs := testCollector(t, srv.URL).Collect(context.Background())
	require.Empty(t, errs)

	data := payload.(*Data)
	require.False(t, data.Empty())

	btc := data.PerAsset["BTC"]
	require.NotNil(t, btc)
	assert.Equal(t, 50000.0, btc.Price)
	assert.Equal(t, 6.5, btc.Change24hPct)

	// 250 vs 100 avg is a 2.5x spike.
	require.NotNil(t, btc.VolumeSpikeRatio)
	assert.Equal(t, 2.5, *btc.VolumeSpikeRatio)
	assert.Equal(t, "spike", btc.VolumeStatus)
	require.NotNil(t, btc.Volume7dAvg)
	assert.Equal(t, 100.0, *btc.Volume7dAvg)

	require.NotEmpty(t, data.Breadth.TopGainers)
	assert.Equal(t, "PEPE", data.Breadth.TopGainers[0].Symbol)
	require.NotEmpty(t, data.Breadth.TopLosers)
	assert.Equal(t, "DOGE", data.Breadth.TopLosers[len(data.Breadth.TopLosers)-1].Symbol)
	require.Len(t, data.Breadth.TrendingTokens, 1)
	assert.Equal(t, "SUI", data.Breadth.TrendingTokens[0].Symbol)

	require.NotEmpty(t, data.Categories.TopGainers)
	assert.Equal(t, "Meme", data.Categories.TopGainers[0].Name)
	require.NotEmpty(t, data.Categories.TopLosers)
	assert.Equal(t, "Layer 1", data.Categories.TopLosers[0].Name)

	require.NotNil(t, data.GlobalMarket.BTCDominance)
	assert.Equal(t, 52.35, *data.GlobalMarket.BTCDominance)
	require.NotNil(t, data.GlobalMarket.TotalMarketCapChange24h)
	assert.Equal(t, 2.57, *data.GlobalMarket.TotalMarketCapChange24h)

	require.NotNil(t, data.Sentiment.FearGreedIndex)
	assert.Equal(t, 22, *data.Sentiment.FearGreedIndex)
	assert.Equal(t, "extreme_fear", data.Sentiment.Classification)

	require.NotNil(t, data.Summary.TopGainerAsset)
	assert.Equal(t, "BTC", *data.Summary.TopGainerAsset)
	require.NotNil(t, data.Summary.TopLoserAsset)
	assert.Equal(t, "ETH", *data.Summary.TopLoserAsset)
	assert.Contains(t, data.Summary.VolumeSpikeAssets, "BTC")
	assert.Equal(t, "bullish", data.Summary.MarketDirection)
}

func TestCollectSectionsDegradeIndependently(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer down.Close()
	fng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fngBody))
	}))
	defer fng.Close()

	c := testCollector(t, down.URL)
	c.profile.Market.FearGreed.URL = fng.URL + "/fng/?limit=1&format=json"

	payload, errs := c.Collect(context.Background())
	data := payload.(*Data)

	// Sentiment still populated even when every CoinGecko section failed.
	require.NotNil(t, data.Sentiment.FearGreedIndex)
	assert.NotEmpty(t, errs)
	joined := strings.Join(errs, "; ")
	assert.Contains(t, joined, "per_asset:")
	assert.Contains(t, joined, "breadth:")
	assert.Contains(t, joined, "global_market:")
	assert.Equal(t, "unknown", data.Summary.MarketDirection)
}

func TestFearGreedClassificationBands(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"10", "extreme_fear"},
		{"30", "fear"},
		{"50", "neutral"},
		{"70", "greed"},
		{"90", "extreme_greed"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data": [{"value": "` + tc.value + `"}]}`))
		}))
		c := testCollector(t, srv.URL)
		data := c.EmptyData().(*Data)
		require.NoError(t, c.fetchSentiment(context.Background(), data))
		assert.Equal(t, tc.want, data.Sentiment.Classification, "value %s", tc.value)
		srv.Close()
	}
}
