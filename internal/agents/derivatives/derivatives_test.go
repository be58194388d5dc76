package derivatives

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

func newServer(t *testing.T, longAccount, fundingRate, openInterest string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "globalLongShortAccountRatio"):
			w.Write([]byte(`[{"longAccount": "` + longAccount + `", "shortAccount": "0.4", "longShortRatio": "1.5"}]`))
		case strings.Contains(r.URL.Path, "premiumIndex"):
			w.Write([]byte(`{"lastFundingRate": "` + fundingRate + `", "markPrice": "50000"}`))
		case strings.Contains(r.URL.Path, "openInterest"):
			w.Write([]byte(`{"openInterest": "` + openInterest + `", "symbol": "BTCUSDT"}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testCollector(t *testing.T, baseURL string) *Collector {
	t.Helper()
	p := profile.Default()
	p.Assets = []string{"BTC"}
	p.Derivatives.BaseURL = baseURL
	p.Derivatives.MaxRetries = 0
	return New(p, httpx.New(zerolog.Nop()))
}

func TestCollectHealthyPositioning(t *testing.T) {
	srv := newServer(t, "0.60", "0.0001", "85000.5")
	defer srv.Close()

	payload, errs := testCollector(t, srv.URL).Collect(context.Background())
	require.Empty(t, errs)

	data := payload.(*Data)
	require.False(t, data.Empty())

	btc := data.ByAsset["BTC"]
	require.NotNil(t, btc.LongShortRatio)
	assert.Equal(t, 0.60, *btc.LongShortRatio)
	require.NotNil(t, btc.ShortPct)
	assert.Equal(t, 0.4, *btc.ShortPct)
	require.NotNil(t, btc.FundingRate)
	assert.Equal(t, 0.0001, *btc.FundingRate)
	require.NotNil(t, btc.OpenInterestUSD)
	assert.Equal(t, 85000.5, *btc.OpenInterestUSD)

	assert.Equal(t, "healthy", btc.LSStatus)
	assert.Equal(t, "normal", btc.FundingStatus)
	assert.True(t, btc.Condition)
	assert.Contains(t, data.Summary.HealthyAssets, "BTC")
}

func TestCollectOvercrowdedHighFunding(t *testing.T) {
	srv := newServer(t, "0.80", "0.0010", "85000.5")
	defer srv.Close()

	payload, errs := testCollector(t, srv.URL).Collect(context.Background())
	require.Empty(t, errs)

	data := payload.(*Data)
	btc := data.ByAsset["BTC"]
	assert.Equal(t, "overcrowded", btc.LSStatus)
	assert.Equal(t, "high", btc.FundingStatus)
	assert.False(t, btc.Condition)
	assert.Contains(t, data.Summary.OvercrowdedLongs, "BTC")
	assert.Contains(t, data.Summary.HighFunding, "BTC")
}

func TestCollectNegativeFundingBearishRatio(t *testing.T) {
	srv := newServer(t, "0.40", "-0.0002", "1000")
	defer srv.Close()

	payload, errs := testCollector(t, srv.URL).Collect(context.Background())
	require.Empty(t, errs)

	btc := payload.(*Data).ByAsset["BTC"]
	assert.Equal(t, "bearish", btc.LSStatus)
	assert.Equal(t, "negative", btc.FundingStatus)
	assert.False(t, btc.Condition)
}

func TestCollectUpstreamFailurePartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "premiumIndex") {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		if strings.Contains(r.URL.Path, "globalLongShortAccountRatio") {
			w.Write([]byte(`[{"longAccount": "0.58", "shortAccount": "0.42"}]`))
			return
		}
		w.Write([]byte(`{"openInterest": "500"}`))
	}))
	defer srv.Close()

	payload, errs := testCollector(t, srv.URL).Collect(context.Background())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "funding BTC")

	btc := payload.(*Data).ByAsset["BTC"]
	assert.Equal(t, "healthy", btc.LSStatus)
	assert.Equal(t, "unknown", btc.FundingStatus)
	// Funding unknown does not block the condition.
	assert.True(t, btc.Condition)
}
