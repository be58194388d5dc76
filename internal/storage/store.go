// Package storage persists agent envelopes, scalar and JSON key-value state,
// performance snapshots, and the API request log.
//
// Two backends implement the same contract: an embedded SQLite store selected
// when no DATABASE_URL is configured, and a Postgres store for server
// deployments. Schemas are created lazily on first write so a fresh database
// file needs no migration step.
package storage

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/manavaga/web3-signals/internal/agent"
)

// Store is the persistence contract shared by the orchestrator, the fusion
// engine, the performance tracker, and the read API.
//
// Failure semantics: reads return nil/empty values on missing data; callers
// treat a failed read the same way and degrade. Writes are atomic per call.
type Store interface {
	// Envelope streams, one per agent plus signal_fusion.
	Save(ctx context.Context, name string, env *agent.Envelope) error
	LoadLatest(ctx context.Context, name string) (*agent.Envelope, error)
	LoadRecent(ctx context.Context, name string, days int) ([]*agent.Envelope, error)
	LoadHistory(ctx context.Context, name string, limit, offset int) ([]HistoryRow, error)
	CountRows(ctx context.Context, name string) (int, error)

	// Versioned key-value state. Reads return the newest row per key; a nil
	// pointer / false means the key was never written.
	SaveKV(ctx context.Context, namespace, key string, value float64) error
	LoadKV(ctx context.Context, namespace, key string) (*float64, error)
	SaveKVJSON(ctx context.Context, namespace, key string, value any) error
	LoadKVJSON(ctx context.Context, namespace, key string, dest any) (bool, error)

	// Performance tracking.
	SavePerformanceSnapshot(ctx context.Context, snap SnapshotRow) (int64, error)
	SavePerformanceAccuracy(ctx context.Context, snapshotID int64, windowHours int, priceAtWindow float64, directionCorrect bool) error
	LoadUnevaluatedSnapshots(ctx context.Context, windowHours int, minAgeHours int) ([]SnapshotRow, error)
	LoadAccuracyStats(ctx context.Context, days int) (*AccuracyStats, error)
	CountSnapshots(ctx context.Context, days int) (int, error)

	// API usage analytics.
	SaveAPIRequest(ctx context.Context, req APIRequest) error
	LoadAPIAnalytics(ctx context.Context, days int) (*Analytics, error)

	// Retention.
	PruneStreams(ctx context.Context, olderThanDays int) (int64, error)
	PruneAPIRequests(ctx context.Context, olderThanDays int) (int64, error)

	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

// HistoryRow is one page entry of an envelope stream.
type HistoryRow struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Envelope  *agent.Envelope `json:"envelope"`
}

// SnapshotRow is a recorded prediction awaiting evaluation.
type SnapshotRow struct {
	ID              int64     `json:"id" db:"id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	Asset           string    `json:"asset" db:"asset"`
	SignalScore     float64   `json:"signal_score" db:"signal_score"`
	SignalDirection string    `json:"signal_direction" db:"signal_direction"`
	PriceAtSignal   float64   `json:"price_at_signal" db:"price_at_signal"`
	SourcesCount    int       `json:"sources_count" db:"sources_count"`
	Detail          string    `json:"detail" db:"detail"`
	Evaluated24h    bool      `json:"evaluated_24h" db:"evaluated_24h"`
	Evaluated48h    bool      `json:"evaluated_48h" db:"evaluated_48h"`
	Evaluated7d     bool      `json:"evaluated_7d" db:"evaluated_7d"`
}

// TimeframeStats is hit/miss accounting for one evaluation window.
type TimeframeStats struct {
	Accuracy float64 `json:"accuracy"`
	Hits     int     `json:"hits"`
	Total    int     `json:"total"`
}

// AccuracyStats is the reputation reduction over the accuracy table.
type AccuracyStats struct {
	Total       int                       `json:"total"`
	Hits        int                       `json:"hits"`
	ByTimeframe map[string]TimeframeStats `json:"by_timeframe"`
	ByAsset     map[string]float64        `json:"by_asset"`
}

// APIRequest is one row of the usage log.
type APIRequest struct {
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	StatusCode int       `json:"status_code" db:"status_code"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	ClientIP   string    `json:"client_ip" db:"client_ip"`
}

// UserAgentCount is one entry of the top user agents list.
type UserAgentCount struct {
	UserAgent string `json:"user_agent"`
	Count     int    `json:"count"`
}

// Analytics is the aggregation served by /analytics.
type Analytics struct {
	TotalRequests  int              `json:"total_requests"`
	UniqueClients  int              `json:"unique_clients"`
	AvgResponseMS  float64          `json:"avg_response_ms"`
	ByEndpoint     map[string]int   `json:"by_endpoint"`
	ByClientType   map[string]int   `json:"by_client_type"`
	RequestsPerDay map[string]int   `json:"requests_per_day"`
	TopUserAgents  []UserAgentCount `json:"top_user_agents"`
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitizeName reduces a stream or namespace name to a safe table suffix.
// Table names cannot be bound as query parameters, so anything outside
// [a-z0-9_] is stripped before the name is interpolated into DDL.
func sanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(strings.ToLower(name), "")
}

// windowFlagColumn maps an evaluation window to its snapshot flag column.
func windowFlagColumn(windowHours int) string {
	switch windowHours {
	case 24:
		return "evaluated_24h"
	case 48:
		return "evaluated_48h"
	default:
		return "evaluated_7d"
	}
}

// windowLabel maps an evaluation window to its reporting label.
func windowLabel(windowHours int) string {
	switch windowHours {
	case 24:
		return "24h"
	case 48:
		return "48h"
	default:
		return "7d"
	}
}

// classifyClient buckets a user agent string for the analytics rollup.
func classifyClient(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") || strings.Contains(ua, "spider"):
		return "bot"
	case strings.Contains(ua, "curl") || strings.Contains(ua, "wget") || strings.Contains(ua, "httpie"):
		return "cli"
	case strings.Contains(ua, "python") || strings.Contains(ua, "go-http-client") ||
		strings.Contains(ua, "axios") || strings.Contains(ua, "okhttp") || strings.Contains(ua, "java"):
		return "library"
	case strings.Contains(ua, "mozilla"):
		return "browser"
	default:
		return "other"
	}
}
