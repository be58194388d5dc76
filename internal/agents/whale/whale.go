// Package whale tracks large-holder behaviour through four evidence layers:
// the Whale Alert transaction feed, on-chain transfers at known exchange
// wallets (Etherscan for ETH and ERC-20, Blockchain.com for BTC), exchange
// balance deltas, and balance tracking of named whale wallets. Balance
// snapshots persist between cycles in the whale_flow key-value namespace so
// deltas survive restarts.
package whale

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

const flowNamespace = "whale_flow"

// Move is one observed whale transaction, normalised across sources.
type Move struct {
	Source          string   `json:"source"`
	Layer           int      `json:"layer"`
	Asset           string   `json:"asset"`
	AmountUSD       float64  `json:"amount_usd"`
	AmountNative    float64  `json:"amount_native,omitempty"`
	Action          string   `json:"action"`
	FromLabel       string   `json:"from_label"`
	ToLabel         string   `json:"to_label"`
	TxHash          string   `json:"tx_hash"`
	Timestamp       string   `json:"timestamp"`
	WalletSizeUSD   float64  `json:"wallet_size_usd"`
	Label           string   `json:"label"`
	SmartMoneyScore *float64 `json:"smart_money_score"`
}

// FlowState is one exchange's balance snapshot with deltas against the
// previous cycle.
type FlowState struct {
	ETHBalance *float64 `json:"eth_balance"`
	BTCBalance *float64 `json:"btc_balance"`
	ETHChange  *float64 `json:"eth_change"`
	BTCChange  *float64 `json:"btc_change"`
	Direction  string   `json:"direction"`
}

// WalletState is one tracked whale wallet's balance and signal.
type WalletState struct {
	Chain      string   `json:"chain"`
	Address    string   `json:"address"`
	BalanceETH *float64 `json:"balance_eth,omitempty"`
	ChangeETH  *float64 `json:"change_eth,omitempty"`
	BalanceBTC *float64 `json:"balance_btc,omitempty"`
	ChangeBTC  *float64 `json:"change_btc,omitempty"`
	Signal     string   `json:"signal"`
}

// Summary aggregates the cycle for downstream scoring.
type Summary struct {
	TotalMoves           int      `json:"total_moves"`
	CredibleMoves        int      `json:"credible_moves"`
	AssetsWithActivity   []string `json:"assets_with_activity"`
	NetExchangeDirection string   `json:"net_exchange_direction"`
	WhaleWalletSignals   []string `json:"whale_wallet_signals"`
	LookbackHours        int      `json:"lookback_hours"`
}

// Data is the whale agent's envelope payload.
type Data struct {
	WhaleMoves   []Move                  `json:"whale_moves"`
	ByAsset      map[string][]Move       `json:"by_asset"`
	ExchangeFlow map[string]*FlowState   `json:"exchange_flow"`
	WhaleWallets map[string]*WalletState `json:"whale_wallets"`
	SourcesUsed  []string                `json:"sources_used"`
	Summary      Summary                 `json:"summary"`
}

// Empty reports whether no layer produced any evidence.
func (d *Data) Empty() bool {
	return d.Summary.TotalMoves == 0 && len(d.ExchangeFlow) == 0 && len(d.WhaleWallets) == 0
}

// Credentials are the provider keys the whale layers need. Empty values
// disable the corresponding layer with an error entry.
type Credentials struct {
	WhaleAlertKey string
	EtherscanKey  string
}

// Collector gathers whale evidence across all four layers.
type Collector struct {
	profile *profile.Profile
	client  *httpx.Client
	store   storage.Store
	creds   Credentials

	now func() time.Time
}

func New(p *profile.Profile, client *httpx.Client, store storage.Store, creds Credentials) *Collector {
	return &Collector{
		profile: p,
		client:  client,
		store:   store,
		creds:   creds,
		now:     time.Now,
	}
}

func (c *Collector) Name() string        { return "whale_agent" }
func (c *Collector) ProfileName() string { return c.profile.Name }

func (c *Collector) EmptyData() agent.Payload {
	data := &Data{
		WhaleMoves:   []Move{},
		ByAsset:      map[string][]Move{},
		ExchangeFlow: map[string]*FlowState{},
		WhaleWallets: map[string]*WalletState{},
		SourcesUsed:  []string{},
	}
	for _, sym := range c.profile.Assets {
		data.ByAsset[sym] = []Move{}
	}
	data.Summary = Summary{
		AssetsWithActivity:   []string{},
		NetExchangeDirection: "unknown",
		WhaleWalletSignals:   []string{},
		LookbackHours:        c.profile.Whale.LookbackHours,
	}
	return data
}

// Collect runs every enabled layer. Layers degrade independently: a failed
// layer adds an error entry and the rest still report.
func (c *Collector) Collect(ctx context.Context) (agent.Payload, []string) {
	cfg := c.profile.Whale
	data := c.EmptyData().(*Data)
	var errs []string
	var allMoves []Move

	if cfg.WhaleAlert.Enabled {
		if c.creds.WhaleAlertKey == "" {
			errs = append(errs, "whale_alert: WHALE_ALERT_API_KEY not set")
		} else if moves, err := c.fetchWhaleAlert(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("whale_alert: %v", err))
		} else {
			allMoves = append(allMoves, moves...)
			data.SourcesUsed = append(data.SourcesUsed, "whale_alert")
		}
	}

	if cfg.Etherscan.Enabled {
		if c.creds.EtherscanKey == "" {
			errs = append(errs, "etherscan: ETHERSCAN_API_KEY not set")
		} else if moves, err := c.fetchEtherscanMoves(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("etherscan: %v", err))
		} else {
			allMoves = append(allMoves, moves...)
			data.SourcesUsed = append(data.SourcesUsed, "etherscan")
		}
	}

	if cfg.BlockchainCom.Enabled {
		if moves, err := c.fetchBlockchainComMoves(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("blockchain_com: %v", err))
		} else {
			allMoves = append(allMoves, moves...)
			data.SourcesUsed = append(data.SourcesUsed, "blockchain_com")
		}
	}

	if cfg.ExchangeFlow.Enabled {
		if flows, err := c.fetchExchangeFlow(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("exchange_flow: %v", err))
		} else {
			data.ExchangeFlow = flows
			data.SourcesUsed = append(data.SourcesUsed, "exchange_flow")
		}
	}

	if cfg.WhaleWallets.Enabled {
		if wallets, err := c.fetchWhaleWallets(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("whale_wallets: %v", err))
		} else {
			data.WhaleWallets = wallets
			data.SourcesUsed = append(data.SourcesUsed, "whale_wallets")
		}
	}

	credible := make([]Move, 0, len(allMoves))
	for _, m := range allMoves {
		if c.isCredible(m) {
			credible = append(credible, m)
		}
	}

	for _, m := range credible {
		sym := strings.ToUpper(m.Asset)
		if _, ok := data.ByAsset[sym]; ok {
			data.ByAsset[sym] = append(data.ByAsset[sym], m)
		}
	}

	data.WhaleMoves = credible
	data.Summary = c.buildSummary(data, len(allMoves), len(credible))

	return data, errs
}

// isCredible filters noise. Transfers observed directly at tracked exchange
// wallets are credible by definition; feed-sourced moves must clear the
// minimum wallet size.
func (c *Collector) isCredible(m Move) bool {
	if m.Source == "etherscan" || m.Source == "blockchain_com" {
		return true
	}
	min := c.profile.Whale.Credibility.MinWalletSizeUSD
	return m.AmountUSD >= min || m.WalletSizeUSD >= min
}

func (c *Collector) buildSummary(data *Data, total, credible int) Summary {
	inflow, outflow := 0, 0
	for _, flow := range data.ExchangeFlow {
		switch flow.Direction {
		case "inflow":
			inflow++
		case "outflow":
			outflow++
		}
	}
	netDirection := "neutral"
	if outflow > inflow {
		netDirection = "net_outflow"
	} else if inflow > outflow {
		netDirection = "net_inflow"
	}

	active := []string{}
	for _, sym := range c.profile.Assets {
		if len(data.ByAsset[sym]) > 0 {
			active = append(active, sym)
		}
	}

	signals := []string{}
	names := make([]string, 0, len(data.WhaleWallets))
	for name := range data.WhaleWallets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if sig := data.WhaleWallets[name].Signal; sig != "neutral" {
			signals = append(signals, name+": "+sig)
		}
	}

	return Summary{
		TotalMoves:           total,
		CredibleMoves:        credible,
		AssetsWithActivity:   active,
		NetExchangeDirection: netDirection,
		WhaleWalletSignals:   signals,
		LookbackHours:        c.profile.Whale.LookbackHours,
	}
}

// loadFlowSnapshot returns the previously stored balance for an entity and
// chain, or nil when none was recorded yet.
func (c *Collector) loadFlowSnapshot(ctx context.Context, entity, chain string) *float64 {
	prev, err := c.store.LoadKV(ctx, flowNamespace, entity+":"+chain)
	if err != nil {
		return nil
	}
	return prev
}

func (c *Collector) storeFlowSnapshot(ctx context.Context, entity, chain string, balance float64) {
	// Best effort: a failed write only costs one cycle of delta history.
	_ = c.store.SaveKV(ctx, flowNamespace, entity+":"+chain, balance)
}

func truncateAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12] + "..."
}
