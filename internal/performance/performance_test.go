package performance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

func newTestTracker(t *testing.T, priceURL string) (*Tracker, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "signals.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{SnapshotIntervalHours: 12, EvalIntervalHours: 4, PriceBaseURL: priceURL}
	tr := New(profile.Default(), store, httpx.New(zerolog.Nop()), cfg, zerolog.Nop())
	return tr, store
}

func saveEnvelope(t *testing.T, store storage.Store, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := &agent.Envelope{
		Agent:     name,
		Profile:   "default",
		Timestamp: time.Now().UTC(),
		Status:    agent.StatusSuccess,
		Data:      raw,
	}
	require.NoError(t, store.Save(context.Background(), name, env))
}

func seedSignalRun(t *testing.T, store storage.Store) {
	t.Helper()
	saveEnvelope(t, store, "market_agent", &market.Data{
		PerAsset: map[string]*market.AssetMarket{
			"BTC": {Price: 67000},
			"ETH": {Price: 3500},
			"SOL": {Price: 150},
		},
	})
	saveEnvelope(t, store, fusion.StreamName, &fusion.Data{
		Signals: map[string]*fusion.AssetSignal{
			"BTC": {
				CompositeScore: 75.1,
				Label:          "BUY",
				Dimensions: map[string]fusion.Dimension{
					"whale":     {Score: 75, Detail: "2 accumulate, 0 sell"},
					"technical": {Score: 50, Detail: "no data"},
					"narrative": {Score: 72, Detail: "vol 0.90 (40 mentions); 3 sources"},
					"market":    {Score: 78, Detail: "+5.0% strong"},
				},
			},
			"ETH": {
				CompositeScore: 35.0,
				Label:          "SELL",
				Dimensions: map[string]fusion.Dimension{
					"market": {Score: 35, Detail: "-6.0% drop"},
				},
			},
			"SOL": {
				CompositeScore: 50.0,
				Label:          "HOLD",
				Dimensions:     map[string]fusion.Dimension{},
			},
		},
	})
}

func TestRecordSnapshotsFromLatestRun(t *testing.T) {
	tr, store := newTestTracker(t, "")
	ctx := context.Background()
	seedSignalRun(t, store)

	saved, err := tr.RecordSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, saved)

	rows, err := store.LoadUnevaluatedSnapshots(ctx, 24, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byAsset := map[string]storage.SnapshotRow{}
	for _, r := range rows {
		byAsset[r.Asset] = r
	}

	btc := byAsset["BTC"]
	assert.Equal(t, "bullish", btc.SignalDirection)
	assert.Equal(t, 75.1, btc.SignalScore)
	assert.Equal(t, 67000.0, btc.PriceAtSignal)
	assert.Equal(t, 3, btc.SourcesCount)
	assert.Equal(t,
		"whale: 2 accumulate, 0 sell; narrative: vol 0.90 (40 mentions); 3 sources; market: +5.0% strong",
		btc.Detail)

	assert.Equal(t, "bearish", byAsset["ETH"].SignalDirection)
	assert.Equal(t, 0, byAsset["ETH"].SourcesCount)
	assert.Equal(t, "neutral", byAsset["SOL"].SignalDirection)
	assert.Equal(t, "", byAsset["SOL"].Detail)
}

func TestRecordSnapshotsGatedByInterval(t *testing.T) {
	tr, store := newTestTracker(t, "")
	ctx := context.Background()
	seedSignalRun(t, store)

	saved, err := tr.RecordSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, saved)

	saved, err = tr.RecordSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)

	count, err := store.CountSnapshots(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRecordSnapshotsNoInputs(t *testing.T) {
	tr, _ := newTestTracker(t, "")

	saved, err := tr.RecordSnapshots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
}

func TestEvaluateSnapshots(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]map[string]float64{
			"bitcoin":  {"usd": 110},
			"ethereum": {"usd": 110},
			"solana":   {"usd": 101},
		})
	}))
	defer srv.Close()

	tr, store := newTestTracker(t, srv.URL)
	ctx := context.Background()

	old := time.Now().UTC().Add(-25 * time.Hour)
	for _, s := range []storage.SnapshotRow{
		{Timestamp: old, Asset: "BTC", SignalDirection: "bullish", PriceAtSignal: 100},
		{Timestamp: old, Asset: "ETH", SignalDirection: "bearish", PriceAtSignal: 100},
		{Timestamp: old, Asset: "SOL", SignalDirection: "neutral", PriceAtSignal: 100},
	} {
		_, err := store.SavePerformanceSnapshot(ctx, s)
		require.NoError(t, err)
	}

	evaluated, err := tr.EvaluateSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, evaluated)
	assert.Contains(t, gotQuery, "vs_currencies=usd")
	assert.Contains(t, gotQuery, "bitcoin")

	stats, err := store.LoadAccuracyStats(ctx, 30)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Total)
	// bullish +10% hit, bearish +10% miss, neutral +1% inside the band
	assert.Equal(t, 2, stats.Hits)
	tf := stats.ByTimeframe["24h"]
	assert.Equal(t, 3, tf.Total)
	assert.Equal(t, 2, tf.Hits)
	assert.InDelta(t, 66.7, tf.Accuracy, 0.1)

	// within the cadence window the next call is a no-op
	evaluated, err = tr.EvaluateSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, evaluated)
}

func TestEvaluateAbortsWhenPricesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, store := newTestTracker(t, srv.URL)
	ctx := context.Background()

	_, err := store.SavePerformanceSnapshot(ctx, storage.SnapshotRow{
		Timestamp:       time.Now().UTC().Add(-25 * time.Hour),
		Asset:           "BTC",
		SignalDirection: "bullish",
		PriceAtSignal:   100,
	})
	require.NoError(t, err)

	_, err = tr.EvaluateSnapshots(ctx)
	require.Error(t, err)

	stats, err := store.LoadAccuracyStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestDirectionThresholds(t *testing.T) {
	assert.Equal(t, "bullish", direction(60.1))
	assert.Equal(t, "neutral", direction(60.0))
	assert.Equal(t, "neutral", direction(40.0))
	assert.Equal(t, "bearish", direction(39.9))
}

func TestSourcesFromDetail(t *testing.T) {
	assert.Equal(t, 4, sourcesFromDetail("vol 1.20 (55 mentions); 4 sources"))
	assert.Equal(t, 0, sourcesFromDetail("low buzz"))
	assert.Equal(t, 0, sourcesFromDetail(""))
}

func TestReputationCollectingData(t *testing.T) {
	tr, _ := newTestTracker(t, "")

	report, err := tr.Reputation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "collecting_data", report.Status)
	assert.NotEmpty(t, report.Message)
	assert.Equal(t, 0, report.SnapshotsCollected)
	assert.Nil(t, report.Methodology)
}

func TestReputationReport(t *testing.T) {
	tr, store := newTestTracker(t, "")
	ctx := context.Background()

	ts := time.Now().UTC().Add(-48 * time.Hour)
	var ids []int64
	for i := 0; i < 10; i++ {
		asset := "BTC"
		if i%2 == 1 {
			asset = "ETH"
		}
		id, err := store.SavePerformanceSnapshot(ctx, storage.SnapshotRow{
			Timestamp: ts, Asset: asset, SignalDirection: "bullish", PriceAtSignal: 100,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// 24h window: 7 of 10 correct
	for i, id := range ids {
		require.NoError(t, store.SavePerformanceAccuracy(ctx, id, 24, 105, i < 7))
	}
	// 48h window: 2 of 4 correct
	for i, id := range ids[:4] {
		require.NoError(t, store.SavePerformanceAccuracy(ctx, id, 48, 105, i < 2))
	}
	// 7d window: 1 of 2 correct
	for i, id := range ids[:2] {
		require.NoError(t, store.SavePerformanceAccuracy(ctx, id, 168, 105, i < 1))
	}

	report, err := tr.Reputation(ctx)
	require.NoError(t, err)

	assert.Equal(t, "active", report.Status)
	assert.Equal(t, 16, report.SignalsEvaluated)
	assert.Equal(t, 10, report.SignalsCorrect)
	assert.Equal(t, 6, report.SignalsWrong)
	assert.Equal(t, 62.5, report.Accuracy30d)
	assert.Equal(t, 63, report.ReputationScore)
	assert.Equal(t, storage.TimeframeStats{Accuracy: 70.0, Hits: 7, Total: 10}, report.ByTimeframe["24h"])
	assert.Equal(t, storage.TimeframeStats{Accuracy: 50.0, Hits: 2, Total: 4}, report.ByTimeframe["48h"])
	assert.Equal(t, storage.TimeframeStats{Accuracy: 50.0, Hits: 1, Total: 2}, report.ByTimeframe["7d"])
	assert.Equal(t, 10, report.SnapshotsCollected30d)
	require.NotNil(t, report.Methodology)
	assert.Equal(t, []string{"24h", "48h", "7d"}, report.Methodology.Timeframes)
	assert.NotEmpty(t, report.LastUpdated)
}
