// Package performance records prediction snapshots from fusion output and
// grades them against realized prices, producing the public reputation score.
//
// Snapshots are capped at one per asset per interval so near-identical
// correlated runs cannot inflate the sample size. Each snapshot is graded
// once per window (24h, 48h, 7d) against CoinGecko spot prices.
package performance

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/agents/market"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

const (
	snapshotNamespace = "perf_snapshot"
	evalNamespace     = "perf_eval"
	lastRunKey        = "last_run"

	bullishAbove = 60.0
	bearishBelow = 40.0

	// Neutral signals are graded correct when the move stays inside this band.
	neutralBandPct = 2.0
)

// evaluation windows: grading window paired with the minimum snapshot age.
var windows = []struct {
	Hours  int
	MinAge int
}{
	{24, 24},
	{48, 48},
	{168, 168},
}

var sourcesPattern = regexp.MustCompile(`(\d+)\s+sources`)

// Config carries the tracker cadences and the price source.
type Config struct {
	SnapshotIntervalHours int
	EvalIntervalHours     int
	PriceBaseURL          string
}

// Tracker owns snapshot recording, grading, and the reputation reduction.
type Tracker struct {
	profile *profile.Profile
	store   storage.Store
	client  *httpx.Client
	cfg     Config
	log     zerolog.Logger

	now func() time.Time
}

func New(p *profile.Profile, store storage.Store, client *httpx.Client, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.PriceBaseURL == "" {
		cfg.PriceBaseURL = "https://api.coingecko.com/api/v3"
	}
	return &Tracker{
		profile: p,
		store:   store,
		client:  client,
		cfg:     cfg,
		log:     log.With().Str("component", "performance").Logger(),
		now:     time.Now,
	}
}

// RecordSnapshots stores one prediction row per asset from the latest fusion
// and market envelopes. Gated by the snapshot interval; returns the number of
// rows written (0 when gated or when inputs are missing).
func (t *Tracker) RecordSnapshots(ctx context.Context) (int, error) {
	nowSec := float64(t.now().Unix())
	last, err := t.store.LoadKV(ctx, snapshotNamespace, lastRunKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot bookmark: %w", err)
	}
	if last != nil && nowSec-*last < float64(t.cfg.SnapshotIntervalHours)*3600 {
		return 0, nil
	}

	marketEnv, err := t.store.LoadLatest(ctx, t.profile.AgentNames[profile.DimMarket])
	if err != nil {
		return 0, fmt.Errorf("failed to load market snapshot: %w", err)
	}
	fusionEnv, err := t.store.LoadLatest(ctx, fusion.StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to load fusion snapshot: %w", err)
	}

	marketData, ok := agent.DecodeData[*market.Data](marketEnv)
	if !ok {
		return 0, nil
	}
	fusionData, ok := agent.DecodeData[*fusion.Data](fusionEnv)
	if !ok {
		return 0, nil
	}

	saved := 0
	for _, asset := range t.profile.Assets {
		priceData := marketData.PerAsset[asset]
		sig := fusionData.Signals[asset]
		if priceData == nil || sig == nil {
			continue
		}

		row := storage.SnapshotRow{
			Timestamp:       t.now().UTC(),
			Asset:           asset,
			SignalScore:     sig.CompositeScore,
			SignalDirection: direction(sig.CompositeScore),
			PriceAtSignal:   priceData.Price,
			SourcesCount:    sourcesFromDetail(sig.Dimensions[profile.DimNarrative].Detail),
			Detail:          joinDimensionDetails(sig),
		}
		if _, err := t.store.SavePerformanceSnapshot(ctx, row); err != nil {
			return saved, fmt.Errorf("failed to save snapshot for %s: %w", asset, err)
		}
		saved++
	}

	if saved > 0 {
		if err := t.store.SaveKV(ctx, snapshotNamespace, lastRunKey, nowSec); err != nil {
			return saved, fmt.Errorf("failed to save snapshot bookmark: %w", err)
		}
		t.log.Info().Int("saved", saved).Msg("Performance snapshots recorded")
	}
	return saved, nil
}

func direction(score float64) string {
	switch {
	case score > bullishAbove:
		return "bullish"
	case score < bearishBelow:
		return "bearish"
	default:
		return "neutral"
	}
}

func sourcesFromDetail(detail string) int {
	m := sourcesPattern.FindStringSubmatch(detail)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// joinDimensionDetails flattens the scored dimensions into one audit string,
// skipping placeholder details.
func joinDimensionDetails(sig *fusion.AssetSignal) string {
	var parts []string
	for _, role := range profile.Dimensions {
		d := sig.Dimensions[role].Detail
		if d == "" || d == "no data" || d == "no scorer" {
			continue
		}
		parts = append(parts, role+": "+d)
	}
	return strings.Join(parts, "; ")
}

// EvaluateSnapshots grades every due snapshot against current CoinGecko
// prices. Gated by the evaluation interval; returns the number of accuracy
// rows written.
func (t *Tracker) EvaluateSnapshots(ctx context.Context) (int, error) {
	nowSec := float64(t.now().Unix())
	last, err := t.store.LoadKV(ctx, evalNamespace, lastRunKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load eval bookmark: %w", err)
	}
	if last != nil && nowSec-*last < float64(t.cfg.EvalIntervalHours)*3600 {
		return 0, nil
	}

	prices, err := t.fetchCurrentPrices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch prices: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no prices returned")
	}

	evaluated := 0
	for _, w := range windows {
		snapshots, err := t.store.LoadUnevaluatedSnapshots(ctx, w.Hours, w.MinAge)
		if err != nil {
			return evaluated, fmt.Errorf("failed to load snapshots for %dh window: %w", w.Hours, err)
		}

		for _, snap := range snapshots {
			priceNow, ok := prices[snap.Asset]
			if !ok {
				continue
			}

			pctChange := (priceNow - snap.PriceAtSignal) / snap.PriceAtSignal * 100
			var hit bool
			switch snap.SignalDirection {
			case "bullish":
				hit = pctChange > 0
			case "bearish":
				hit = pctChange < 0
			default:
				hit = pctChange >= -neutralBandPct && pctChange <= neutralBandPct
			}

			if err := t.store.SavePerformanceAccuracy(ctx, snap.ID, w.Hours, priceNow, hit); err != nil {
				return evaluated, fmt.Errorf("failed to save accuracy for snapshot %d: %w", snap.ID, err)
			}
			evaluated++
		}
	}

	if err := t.store.SaveKV(ctx, evalNamespace, lastRunKey, nowSec); err != nil {
		return evaluated, fmt.Errorf("failed to save eval bookmark: %w", err)
	}
	if evaluated > 0 {
		t.log.Info().Int("evaluated", evaluated).Msg("Snapshots graded")
	}
	return evaluated, nil
}

// fetchCurrentPrices pulls spot prices for all profiled assets in one batch.
func (t *Tracker) fetchCurrentPrices(ctx context.Context) (map[string]float64, error) {
	ids := make([]string, 0, len(t.profile.Assets))
	for _, asset := range t.profile.Assets {
		if id, ok := t.profile.CoinGeckoIDs[asset]; ok {
			ids = append(ids, id)
		}
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	var payload map[string]map[string]float64
	if err := t.client.GetJSON(ctx, t.cfg.PriceBaseURL+"/simple/price?"+q.Encode(), &payload); err != nil {
		return nil, err
	}

	prices := map[string]float64{}
	for _, asset := range t.profile.Assets {
		id := t.profile.CoinGeckoIDs[asset]
		if usd, ok := payload[id]["usd"]; ok {
			prices[asset] = usd
		}
	}
	return prices, nil
}

// Methodology documents how the reputation score is computed. Served verbatim
// so consumers can audit the grading rules.
type Methodology struct {
	DirectionExtraction string   `json:"direction_extraction"`
	NeutralThreshold    string   `json:"neutral_threshold"`
	Scoring             string   `json:"scoring"`
	Window              string   `json:"window"`
	Timeframes          []string `json:"timeframes"`
	PriceSource         string   `json:"price_source"`
}

// Report is the public reputation payload.
type Report struct {
	Status                string                            `json:"status"`
	Message               string                            `json:"message,omitempty"`
	ReputationScore       int                               `json:"reputation_score,omitempty"`
	Accuracy30d           float64                           `json:"accuracy_30d,omitempty"`
	SignalsEvaluated      int                               `json:"signals_evaluated,omitempty"`
	SignalsCorrect        int                               `json:"signals_correct,omitempty"`
	SignalsWrong          int                               `json:"signals_wrong,omitempty"`
	ByTimeframe           map[string]storage.TimeframeStats `json:"by_timeframe,omitempty"`
	ByAsset               map[string]float64                `json:"by_asset,omitempty"`
	SnapshotsCollected    int                               `json:"snapshots_collected,omitempty"`
	SnapshotsCollected30d int                               `json:"snapshots_collected_30d,omitempty"`
	Methodology           *Methodology                      `json:"methodology,omitempty"`
	LastUpdated           string                            `json:"last_updated,omitempty"`
}

// Reputation reduces the 30-day accuracy table into the public report. Before
// the first evaluation lands it reports collecting_data.
func (t *Tracker) Reputation(ctx context.Context) (*Report, error) {
	stats, err := t.store.LoadAccuracyStats(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("failed to load accuracy stats: %w", err)
	}
	collected, err := t.store.CountSnapshots(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}

	if stats == nil || stats.Total == 0 {
		return &Report{
			Status:             "collecting_data",
			Message:            "Performance tracking is active. Accuracy data will appear after 24h of signal history.",
			SnapshotsCollected: collected,
		}, nil
	}

	accuracy := round1(float64(stats.Hits) / float64(stats.Total) * 100)
	return &Report{
		Status:                "active",
		ReputationScore:       int(accuracy + 0.5),
		Accuracy30d:           accuracy,
		SignalsEvaluated:      stats.Total,
		SignalsCorrect:        stats.Hits,
		SignalsWrong:          stats.Total - stats.Hits,
		ByTimeframe:           stats.ByTimeframe,
		ByAsset:               stats.ByAsset,
		SnapshotsCollected30d: collected,
		Methodology: &Methodology{
			DirectionExtraction: "score >60 = bullish, <40 = bearish, 40-60 = neutral",
			NeutralThreshold:    "price move <=2% = correct for neutral signals",
			Scoring:             "binary (hit/miss)",
			Window:              "30-day rolling",
			Timeframes:          []string{"24h", "48h", "7d"},
			PriceSource:         "CoinGecko",
		},
		LastUpdated: t.now().UTC().Format(time.RFC3339),
	}, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
