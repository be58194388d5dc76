package whale

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/manavaga/web3-signals/internal/profile"
)

const maxFeedPages = 5

type whaleAlertParty struct {
	Owner     string `json:"owner"`
	OwnerType string `json:"owner_type"`
}

type whaleAlertTx struct {
	Symbol    string          `json:"symbol"`
	AmountUSD float64         `json:"amount_usd"`
	Hash      string          `json:"hash"`
	Timestamp int64           `json:"timestamp"`
	From      whaleAlertParty `json:"from"`
	To        whaleAlertParty `json:"to"`
}

// fetchWhaleAlert pages through the Whale Alert transaction feed for the
// recent window. The free tier caps history at one hour, so the window is the
// lookback clamped to that.
func (c *Collector) fetchWhaleAlert(ctx context.Context) ([]Move, error) {
	cfg := c.profile.Whale.WhaleAlert
	rules := c.profile.Whale.ActionRules

	lookback := time.Duration(c.profile.Whale.LookbackHours) * time.Hour
	if lookback > time.Hour {
		lookback = time.Hour
	}
	since := c.now().Add(-lookback).Unix()

	assets := c.assetSet()
	var moves []Move
	cursor := ""

	for page := 0; page < maxFeedPages; page++ {
		q := url.Values{}
		q.Set("start", strconv.FormatInt(since, 10))
		q.Set("min_value", strconv.Itoa(int(cfg.MinValueUSD)))
		q.Set("limit", strconv.Itoa(cfg.MaxResults))
		q.Set("api_key", c.creds.WhaleAlertKey)
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var payload struct {
			Result       string         `json:"result"`
			Cursor       string         `json:"cursor"`
			Count        int            `json:"count"`
			Transactions []whaleAlertTx `json:"transactions"`
		}
		err := c.client.GetJSONRetry(ctx, cfg.BaseURL+"/transactions?"+q.Encode(), &payload,
			cfg.MaxRetries, time.Duration(cfg.RetryBaseDelaySec)*time.Second)
		if err != nil {
			if len(moves) > 0 {
				return moves, nil
			}
			return nil, err
		}
		if payload.Result != "" && payload.Result != "success" {
			return moves, fmt.Errorf("feed result %q", payload.Result)
		}

		for _, tx := range payload.Transactions {
			sym := strings.ToUpper(tx.Symbol)
			if !assets[sym] {
				continue
			}

			toExchange := strings.Contains(strings.ToLower(tx.To.OwnerType), "exchange")
			fromExchange := strings.Contains(strings.ToLower(tx.From.OwnerType), "exchange")
			action := rules.Unknown
			if toExchange && !fromExchange {
				action = rules.ToExchange
			} else if fromExchange && !toExchange {
				action = rules.FromExchange
			}

			moves = append(moves, Move{
				Source:        "whale_alert",
				Layer:         1,
				Asset:         sym,
				AmountUSD:     tx.AmountUSD,
				Action:        action,
				FromLabel:     ownerLabel(tx.From.Owner),
				ToLabel:       ownerLabel(tx.To.Owner),
				TxHash:        tx.Hash,
				Timestamp:     strconv.FormatInt(tx.Timestamp, 10),
				WalletSizeUSD: tx.AmountUSD,
				Label:         ownerLabel(tx.From.Owner),
			})
		}

		cursor = payload.Cursor
		if cursor == "" || payload.Count < cfg.MaxResults {
			break
		}
		if err := sleepCtx(ctx, time.Duration(cfg.PageDelayMS)*time.Millisecond); err != nil {
			break
		}
	}
	return moves, nil
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "unknown"
	}
	return owner
}

type etherscanTx struct {
	Hash         string `json:"hash"`
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	TimeStamp    string `json:"timeStamp"`
	TokenSymbol  string `json:"tokenSymbol"`
	TokenDecimal string `json:"tokenDecimal"`
}

// fetchEtherscanMoves scans recent ETH and ERC-20 transfers at tracked
// exchange wallets. A transfer into the wallet is exchange inflow (sell
// pressure), out of it is accumulation. Individual wallet failures are
// skipped so one dead address cannot blank the layer.
func (c *Collector) fetchEtherscanMoves(ctx context.Context) ([]Move, error) {
	cfg := c.profile.Whale.Etherscan
	assets := c.assetSet()

	var moves []Move
	seen := map[string]bool{}

	for _, exchange := range sortedKeys(cfg.ExchangeWallets) {
		for _, addr := range cfg.ExchangeWallets[exchange] {
			txs, err := c.etherscanList(ctx, "txlist", addr)
			if err == nil {
				for _, tx := range txs {
					if seen[tx.Hash] {
						continue
					}
					seen[tx.Hash] = true

					valueETH, _ := strconv.ParseFloat(tx.Value, 64)
					valueETH /= 1e18
					if valueETH < cfg.MinETHValue {
						continue
					}
					moves = append(moves, c.exchangeMove(tx, "ETH", round(valueETH, 4), exchange, addr))
				}
			}

			tokenTxs, err := c.etherscanList(ctx, "tokentx", addr)
			if err != nil {
				continue
			}
			for _, tx := range tokenTxs {
				if seen[tx.Hash] {
					continue
				}
				seen[tx.Hash] = true

				decimals, err := strconv.Atoi(tx.TokenDecimal)
				if err != nil {
					decimals = 18
				}
				value, _ := strconv.ParseFloat(tx.Value, 64)
				value /= math.Pow10(decimals)

				sym := strings.ToUpper(tx.TokenSymbol)
				if !assets[sym] {
					continue
				}
				moves = append(moves, c.exchangeMove(tx, sym, round(value, 4), exchange, addr))
			}
		}
	}
	return moves, nil
}

func (c *Collector) exchangeMove(tx etherscanTx, asset string, amount float64, exchange, addr string) Move {
	rules := c.profile.Whale.ActionRules
	isInflow := strings.EqualFold(tx.To, addr)
	action := rules.FromExchange
	fromLabel, toLabel := exchange, "unknown"
	if isInflow {
		action = rules.ToExchange
		fromLabel, toLabel = "unknown", exchange
	}
	return Move{
		Source:       "etherscan",
		Layer:        2,
		Asset:        asset,
		AmountNative: amount,
		Action:       action,
		FromLabel:    fromLabel,
		ToLabel:      toLabel,
		TxHash:       tx.Hash,
		Timestamp:    tx.TimeStamp,
		Label:        exchange,
	}
}

func (c *Collector) etherscanList(ctx context.Context, action, addr string) ([]etherscanTx, error) {
	cfg := c.profile.Whale.Etherscan

	q := url.Values{}
	q.Set("chainid", strconv.Itoa(cfg.ChainID))
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", addr)
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(cfg.MaxTxsPerWallet))
	q.Set("sort", "desc")
	q.Set("apikey", c.creds.EtherscanKey)

	var payload struct {
		Status string        `json:"status"`
		Result []etherscanTx `json:"result"`
	}
	if err := c.client.GetJSON(ctx, cfg.BaseURL+"?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Result, nil
}

// fetchBlockchainComMoves scans recent BTC transactions at tracked exchange
// wallets. The per-tx result field is the wallet's net satoshi delta: positive
// means the exchange received BTC.
func (c *Collector) fetchBlockchainComMoves(ctx context.Context) ([]Move, error) {
	cfg := c.profile.Whale.BlockchainCom
	rules := c.profile.Whale.ActionRules

	var moves []Move
	seen := map[string]bool{}

	for _, exchange := range sortedKeys(cfg.ExchangeWallets) {
		for _, addr := range cfg.ExchangeWallets[exchange] {
			var payload struct {
				Txs []struct {
					Hash   string `json:"hash"`
					Result int64  `json:"result"`
					Time   int64  `json:"time"`
				} `json:"txs"`
			}
			u := fmt.Sprintf("%s/rawaddr/%s?limit=%d", cfg.BaseURL, addr, cfg.MaxTxsPerWallet)
			if err := c.client.GetJSON(ctx, u, &payload); err != nil {
				continue
			}

			for _, tx := range payload.Txs {
				if seen[tx.Hash] {
					continue
				}
				seen[tx.Hash] = true

				resultBTC := math.Abs(float64(tx.Result)) / 1e8
				if resultBTC < cfg.MinBTCValue {
					continue
				}

				isInflow := tx.Result > 0
				action := rules.FromExchange
				fromLabel, toLabel := exchange, "unknown"
				if isInflow {
					action = rules.ToExchange
					fromLabel, toLabel = "unknown", exchange
				}

				moves = append(moves, Move{
					Source:       "blockchain_com",
					Layer:        2,
					Asset:        "BTC",
					AmountNative: round(resultBTC, 8),
					Action:       action,
					FromLabel:    fromLabel,
					ToLabel:      toLabel,
					TxHash:       tx.Hash,
					Timestamp:    strconv.FormatInt(tx.Time, 10),
					Label:        exchange,
				})
			}
		}
	}
	return moves, nil
}

// fetchExchangeFlow snapshots aggregate ETH and BTC balances per tracked
// exchange and derives a direction from the delta against the previous cycle.
// Inflow means coins moving onto the exchange, read as sell pressure.
func (c *Collector) fetchExchangeFlow(ctx context.Context) (map[string]*FlowState, error) {
	cfg := c.profile.Whale.ExchangeFlow

	flows := map[string]*FlowState{}
	for _, exchange := range cfg.TrackExchanges {
		flow := &FlowState{Direction: "unknown"}

		ethAddrs := c.profile.Whale.Etherscan.ExchangeWallets[exchange]
		if len(ethAddrs) > 0 && c.creds.EtherscanKey != "" {
			total := 0.0
			for _, addr := range ethAddrs {
				if bal, err := c.etherscanBalance(ctx, addr); err == nil {
					total += bal
				}
			}
			balance := round(total, 2)
			flow.ETHBalance = &balance

			if prev := c.loadFlowSnapshot(ctx, exchange, "eth"); prev != nil {
				change := round(total-*prev, 2)
				flow.ETHChange = &change
			}
			c.storeFlowSnapshot(ctx, exchange, "eth", total)
		}

		btcAddrs := c.profile.Whale.BlockchainCom.ExchangeWallets[exchange]
		if len(btcAddrs) > 0 {
			total := 0.0
			for _, addr := range btcAddrs {
				if bal, err := c.blockchainBalance(ctx, addr); err == nil {
					total += bal
				}
			}
			balance := round(total, 4)
			flow.BTCBalance = &balance

			if prev := c.loadFlowSnapshot(ctx, exchange, "btc"); prev != nil {
				change := round(total-*prev, 4)
				flow.BTCChange = &change
			}
			c.storeFlowSnapshot(ctx, exchange, "btc", total)
		}

		ethChg, btcChg := 0.0, 0.0
		if flow.ETHChange != nil {
			ethChg = *flow.ETHChange
		}
		if flow.BTCChange != nil {
			btcChg = *flow.BTCChange
		}
		switch {
		case ethChg > cfg.ETHSignificantChange || btcChg > cfg.BTCSignificantChange:
			flow.Direction = "inflow"
		case ethChg < -cfg.ETHSignificantChange || btcChg < -cfg.BTCSignificantChange:
			flow.Direction = "outflow"
		default:
			flow.Direction = "neutral"
		}

		flows[exchange] = flow
	}
	return flows, nil
}

// fetchWhaleWallets tracks balances of named whale wallets and flags
// accumulation or reduction beyond the configured minimum change.
func (c *Collector) fetchWhaleWallets(ctx context.Context) (map[string]*WalletState, error) {
	cfg := c.profile.Whale.WhaleWallets

	results := map[string]*WalletState{}

	if c.creds.EtherscanKey != "" {
		for _, name := range sortedWalletKeys(cfg.ETHWallets) {
			addr := cfg.ETHWallets[name].Address
			if addr == "" {
				continue
			}
			balance, err := c.etherscanBalance(ctx, addr)
			if err != nil {
				continue
			}

			change := 0.0
			if prev := c.loadFlowSnapshot(ctx, "whale_"+name, "eth"); prev != nil {
				change = balance - *prev
			}
			c.storeFlowSnapshot(ctx, "whale_"+name, "eth", balance)

			signal := "neutral"
			if math.Abs(change) >= cfg.MinETHChange {
				signal = "reducing"
				if change > 0 {
					signal = "accumulating"
				}
			}

			bal, chg := round(balance, 2), round(change, 2)
			results[name] = &WalletState{
				Chain:      "ETH",
				Address:    truncateAddr(addr),
				BalanceETH: &bal,
				ChangeETH:  &chg,
				Signal:     signal,
			}
		}
	}

	for _, name := range sortedWalletKeys(cfg.BTCWallets) {
		addr := cfg.BTCWallets[name].Address
		if addr == "" {
			continue
		}
		balance, err := c.blockchainBalance(ctx, addr)
		if err != nil {
			continue
		}

		change := 0.0
		if prev := c.loadFlowSnapshot(ctx, "whale_"+name, "btc"); prev != nil {
			change = balance - *prev
		}
		c.storeFlowSnapshot(ctx, "whale_"+name, "btc", balance)

		signal := "neutral"
		if math.Abs(change) >= cfg.MinBTCChange {
			signal = "reducing"
			if change > 0 {
				signal = "accumulating"
			}
		}

		bal, chg := round(balance, 4), round(change, 4)
		results[name] = &WalletState{
			Chain:      "BTC",
			Address:    truncateAddr(addr),
			BalanceBTC: &bal,
			ChangeBTC:  &chg,
			Signal:     signal,
		}
	}

	return results, nil
}

func (c *Collector) etherscanBalance(ctx context.Context, addr string) (float64, error) {
	cfg := c.profile.Whale.Etherscan

	q := url.Values{}
	q.Set("chainid", strconv.Itoa(cfg.ChainID))
	q.Set("module", "account")
	q.Set("action", "balance")
	q.Set("address", addr)
	q.Set("tag", "latest")
	q.Set("apikey", c.creds.EtherscanKey)

	var payload struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if err := c.client.GetJSON(ctx, cfg.BaseURL+"?"+q.Encode(), &payload); err != nil {
		return 0, err
	}
	if payload.Status != "1" {
		return 0, fmt.Errorf("balance status %q for %s", payload.Status, truncateAddr(addr))
	}
	wei, err := strconv.ParseFloat(payload.Result, 64)
	if err != nil {
		return 0, err
	}
	return wei / 1e18, nil
}

func (c *Collector) blockchainBalance(ctx context.Context, addr string) (float64, error) {
	cfg := c.profile.Whale.BlockchainCom

	var payload map[string]struct {
		FinalBalance float64 `json:"final_balance"`
	}
	u := cfg.BaseURL + "/balance?active=" + url.QueryEscape(addr)
	if err := c.client.GetJSON(ctx, u, &payload); err != nil {
		return 0, err
	}
	total := 0.0
	for _, info := range payload {
		total += info.FinalBalance / 1e8
	}
	return total, nil
}

func (c *Collector) assetSet() map[string]bool {
	set := make(map[string]bool, len(c.profile.Assets))
	for _, sym := range c.profile.Assets {
		set[sym] = true
	}
	return set
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedWalletKeys(m map[string]profile.WalletInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
