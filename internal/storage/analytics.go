package storage

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// aggregateAnalytics reduces raw request rows into the /analytics response.
// Both backends fetch rows for the window and share this reduction.
func aggregateAnalytics(rows []APIRequest) *Analytics {
	out := &Analytics{
		TotalRequests:  len(rows),
		ByEndpoint:     map[string]int{},
		ByClientType:   map[string]int{},
		RequestsPerDay: map[string]int{},
		TopUserAgents:  []UserAgentCount{},
	}
	if len(rows) == 0 {
		return out
	}

	clients := map[string]struct{}{}
	agents := map[string]int{}
	durations := make([]float64, 0, len(rows))

	for _, r := range rows {
		clients[r.ClientIP] = struct{}{}
		out.ByEndpoint[r.Endpoint]++
		out.ByClientType[classifyClient(r.UserAgent)]++
		out.RequestsPerDay[r.Timestamp.UTC().Format("2006-01-02")]++
		if r.UserAgent != "" {
			agents[r.UserAgent]++
		}
		durations = append(durations, float64(r.DurationMS))
	}

	out.UniqueClients = len(clients)
	out.AvgResponseMS = stat.Mean(durations, nil)

	for ua, count := range agents {
		out.TopUserAgents = append(out.TopUserAgents, UserAgentCount{UserAgent: ua, Count: count})
	}
	sort.Slice(out.TopUserAgents, func(i, j int) bool {
		if out.TopUserAgents[i].Count != out.TopUserAgents[j].Count {
			return out.TopUserAgents[i].Count > out.TopUserAgents[j].Count
		}
		return out.TopUserAgents[i].UserAgent < out.TopUserAgents[j].UserAgent
	})
	if len(out.TopUserAgents) > 10 {
		out.TopUserAgents = out.TopUserAgents[:10]
	}

	return out
}

// reduceAccuracy folds joined snapshot/accuracy rows into AccuracyStats.
type accuracyJoinRow struct {
	WindowHours int
	Asset       string
	Correct     bool
}

func reduceAccuracy(rows []accuracyJoinRow) *AccuracyStats {
	stats := &AccuracyStats{
		ByTimeframe: map[string]TimeframeStats{},
		ByAsset:     map[string]float64{},
	}

	assetHits := map[string]int{}
	assetTotal := map[string]int{}

	for _, r := range rows {
		stats.Total++
		label := windowLabel(r.WindowHours)
		tf := stats.ByTimeframe[label]
		tf.Total++
		if r.Correct {
			stats.Hits++
			tf.Hits++
		}
		stats.ByTimeframe[label] = tf

		assetTotal[r.Asset]++
		if r.Correct {
			assetHits[r.Asset]++
		}
	}

	for label, tf := range stats.ByTimeframe {
		if tf.Total > 0 {
			tf.Accuracy = round1(float64(tf.Hits) / float64(tf.Total) * 100)
		}
		stats.ByTimeframe[label] = tf
	}
	for asset, total := range assetTotal {
		if total > 0 {
			stats.ByAsset[asset] = round1(float64(assetHits[asset]) / float64(total) * 100)
		}
	}

	return stats
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
