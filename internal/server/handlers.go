package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/profile"
)

const apiVersion = "0.1.0"

// historyAgents are the streams the history endpoint may serve.
var historyAgents = []string{
	"signal_fusion", "technical_agent", "derivatives_agent",
	"market_agent", "narrative_agent", "whale_agent",
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleRoot describes the API surface.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":        "Web3 Signals API",
		"version":     apiVersion,
		"description": fmt.Sprintf("Crypto signal intelligence for %d assets", len(s.profile.Assets)),
		"endpoints": map[string]string{
			"/health":                  "Agent status and uptime",
			"/signal":                  "Full fusion output: portfolio plus all asset signals",
			"/signal/{asset}":          "Single asset signal (e.g. /signal/BTC)",
			"/performance/reputation":  "Public reputation score, 30-day signal accuracy",
			"/performance/{asset}":     "Per-asset accuracy breakdown",
			"/analytics":               "API usage analytics",
			"/api/history":             "Paginated history of agent runs",
			"/metrics":                 "Prometheus metrics",
		},
		"assets": s.profile.Assets,
		"data_sources": []string{
			"Whale tracking (Whale Alert + Etherscan + Blockchain.com + exchange flow)",
			"Technical analysis (RSI, MACD, MA via Binance)",
			"Derivatives (Long/Short ratio, funding rate, OI via Binance Futures)",
			"Narrative momentum (Reddit + News + CoinGecko Trending)",
			"Market data (Price, Volume, Fear & Greed, DexScreener)",
		},
	})
}

// handleHealth reports per-agent freshness plus process and host stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agents := map[string]any{}
	for _, role := range profile.Dimensions {
		name := s.profile.AgentNames[role]
		latest, err := s.store.LoadLatest(ctx, name)
		if err != nil || latest == nil {
			agents[name] = map[string]any{"status": "no_data", "last_run": nil}
			continue
		}
		agents[name] = map[string]any{
			"status":      latest.Status,
			"last_run":    latest.Timestamp,
			"duration_ms": latest.Meta.DurationMS,
			"errors":      len(latest.Meta.Errors),
		}
	}

	fusionStatus := map[string]any{"status": "no_data", "last_run": nil}
	if latest, err := s.store.LoadLatest(ctx, fusion.StreamName); err == nil && latest != nil {
		fusionStatus = map[string]any{"status": latest.Status, "last_run": latest.Timestamp}
	}

	system := map[string]any{"goroutines": runtime.NumGoroutine()}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		system["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory_percent"] = vm.UsedPercent
		system["memory_used_mb"] = vm.Used / 1024 / 1024
	}

	status := "healthy"
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		system["storage_error"] = err.Error()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"boot_time":       s.bootTime.Format(time.RFC3339),
		"uptime_sec":      int(time.Since(s.bootTime).Seconds()),
		"storage_backend": s.store.Backend(),
		"agents":          agents,
		"fusion":          fusionStatus,
		"system":          system,
	})
}

// latestSignal serves the fusion envelope through three tiers: the in-memory
// cache, the stored fusion stream, and a live computation on a cold store.
func (s *Server) latestSignal(r *http.Request) (*agent.Envelope, error) {
	s.cacheMu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		env := s.cached
		s.cacheMu.Unlock()
		return env, nil
	}
	s.cacheMu.Unlock()

	env, err := s.store.LoadLatest(r.Context(), fusion.StreamName)
	if err != nil {
		return nil, err
	}
	if env == nil {
		if s.fusion == nil {
			return nil, nil
		}
		env, err = s.fusion.Fuse(r.Context())
		if err != nil {
			return nil, err
		}
	}

	s.cacheMu.Lock()
	s.cached = env
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()
	return env, nil
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	env, err := s.latestSignal(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load signal")
		s.writeError(w, http.StatusInternalServerError, "failed to load signal")
		return
	}
	if env == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no signal data yet")
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleAssetSignal(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(chi.URLParam(r, "asset"))

	env, err := s.latestSignal(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load signal")
		s.writeError(w, http.StatusInternalServerError, "failed to load signal")
		return
	}
	if env == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no signal data yet")
		return
	}

	data, ok := agent.DecodeData[*fusion.Data](env)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "malformed fusion data")
		return
	}

	sig, ok := data.Signals[asset]
	if !ok {
		valid := make([]string, 0, len(data.Signals))
		for a := range data.Signals {
			valid = append(valid, a)
		}
		sort.Strings(valid)
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("asset %q not found, valid assets: %s", asset, strings.Join(valid, ", ")))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"timestamp": env.Timestamp,
		"signal":    sig,
		"market_context": map[string]any{
			"regime":          data.PortfolioSummary.MarketRegime,
			"risk_level":      data.PortfolioSummary.RiskLevel,
			"signal_momentum": data.PortfolioSummary.SignalMomentum,
		},
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	report, err := s.tracker.Reputation(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build reputation report")
		s.writeError(w, http.StatusInternalServerError, "failed to build reputation report")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAssetPerformance(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(chi.URLParam(r, "asset"))

	stats, err := s.store.LoadAccuracyStats(r.Context(), 30)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load accuracy stats")
		s.writeError(w, http.StatusInternalServerError, "failed to load accuracy stats")
		return
	}

	if stats == nil || stats.Total == 0 {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":  "collecting_data",
			"message": "Performance tracking is active. Check back after 24h.",
		})
		return
	}

	accuracy, ok := stats.ByAsset[asset]
	if !ok {
		valid := make([]string, 0, len(stats.ByAsset))
		for a := range stats.ByAsset {
			valid = append(valid, a)
		}
		sort.Strings(valid)
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("no accuracy data for %q, assets with data: %s", asset, strings.Join(valid, ", ")))
		return
	}

	overall := float64(int(float64(stats.Hits)/float64(stats.Total)*1000+0.5)) / 10
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":                asset,
		"accuracy_30d":         accuracy,
		"overall_accuracy_30d": overall,
		"reputation_score":     int(overall + 0.5),
		"last_updated":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agent")
	if agentName == "" {
		agentName = fusion.StreamName
	}
	valid := false
	for _, a := range historyAgents {
		if a == agentName {
			valid = true
			break
		}
	}
	if !valid {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid agent %q, valid: %s", agentName, strings.Join(historyAgents, ", ")))
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be non-negative")
		return
	}

	rows, err := s.store.LoadHistory(r.Context(), agentName, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load history")
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	total, err := s.store.CountRows(r.Context(), agentName)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count history rows")
		s.writeError(w, http.StatusInternalServerError, "failed to count history rows")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent":      agentName,
		"total_rows": total,
		"limit":      limit,
		"offset":     offset,
		"rows":       rows,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days < 1 || days > 90 {
		s.writeError(w, http.StatusBadRequest, "days must be between 1 and 90")
		return
	}

	analytics, err := s.store.LoadAPIAnalytics(r.Context(), days)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load analytics")
		s.writeError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"period_days": days,
		"analytics":   analytics,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
