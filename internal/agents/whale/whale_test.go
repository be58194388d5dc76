package whale

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/httpx"
	"github.com/manavaga/web3-signals/internal/profile"
	"github.com/manavaga/web3-signals/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "signals.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// testCollector disables every layer; tests enable the ones they exercise.
func testCollector(t *testing.T, creds Credentials) *Collector {
	t.Helper()
	p := profile.Default()
	p.Assets = []string{"BTC", "ETH", "UNI"}
	p.Whale.WhaleAlert.Enabled = false
	p.Whale.Etherscan.Enabled = false
	p.Whale.BlockchainCom.Enabled = false
	p.Whale.ExchangeFlow.Enabled = false
	p.Whale.WhaleWallets.Enabled = false
	return New(p, httpx.New(zerolog.Nop()), newTestStore(t), creds)
}

const whaleAlertBody = `{
	"result": "success",
	"count": 3,
	"transactions": [
		{"symbol": "btc", "amount_usd": 2500000, "hash": "abc", "timestamp": 1700000000,
		 "from": {"owner": "unknown wallet", "owner_type": "unknown"},
		 "to": {"owner": "binance", "owner_type": "exchange"}},
		{"symbol": "eth", "amount_usd": 1200000, "hash": "def", "timestamp": 1700000100,
		 "from": {"owner": "coinbase", "owner_type": "exchange"},
		 "to": {"owner": "", "owner_type": "unknown"}},
		{"symbol": "shib", "amount_usd": 9000000, "hash": "ghi", "timestamp": 1700000200,
		 "from": {"owner": "", "owner_type": "unknown"},
		 "to": {"owner": "", "owner_type": "unknown"}}
	]
}`

func TestCollectWhaleAlertFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "500000", r.URL.Query().Get("min_value"))
		w.Write([]byte(whaleAlertBody))
	}))
	defer srv.Close()

	c := testCollector(t, Credentials{WhaleAlertKey: "key"})
	c.profile.Whale.WhaleAlert.Enabled = true
	c.profile.Whale.WhaleAlert.BaseURL = srv.URL

	payload, errs := c.Collect(context.Background())
	require.Empty(t, errs)

	data := payload.(*Data)
	require.False(t, data.Empty())
	assert.Equal(t, []string{"whale_alert"}, data.SourcesUsed)

	// SHIB is not a tracked asset, so two moves survive.
	require.Len(t, data.WhaleMoves, 2)

	btc := data.ByAsset["BTC"]
	require.Len(t, btc, 1)
	assert.Equal(t, "sell", btc[0].Action)
	assert.Equal(t, "unknown wallet", btc[0].FromLabel)
	assert.Equal(t, "binance", btc[0].ToLabel)
	assert.Equal(t, 2500000.0, btc[0].AmountUSD)
	assert.Equal(t, "1700000000", btc[0].Timestamp)

	eth := data.ByAsset["ETH"]
	require.Len(t, eth, 1)
	assert.Equal(t, "accumulate", eth[0].Action)
	assert.Equal(t, "unknown", eth[0].ToLabel)

	assert.Equal(t, 2, data.Summary.TotalMoves)
	assert.Equal(t, 2, data.Summary.CredibleMoves)
	assert.Equal(t, []string{"BTC", "ETH"}, data.Summary.AssetsWithActivity)
}

func TestCollectMissingKeysReportErrors(t *testing.T) {
	c := testCollector(t, Credentials{})
	c.profile.Whale.WhaleAlert.Enabled = true
	c.profile.Whale.Etherscan.Enabled = true

	payload, errs := c.Collect(context.Background())
	assert.Contains(t, errs, "whale_alert: WHALE_ALERT_API_KEY not set")
	assert.Contains(t, errs, "etherscan: ETHERSCAN_API_KEY not set")
	assert.True(t, payload.(*Data).Empty())
}

func TestCredibility(t *testing.T) {
	c := testCollector(t, Credentials{})

	// On-chain observations at tracked wallets are always credible.
	assert.True(t, c.isCredible(Move{Source: "etherscan"}))
	assert.True(t, c.isCredible(Move{Source: "blockchain_com"}))

	// Feed moves must clear the minimum size.
	assert.True(t, c.isCredible(Move{Source: "whale_alert", AmountUSD: 1_500_000}))
	assert.True(t, c.isCredible(Move{Source: "whale_alert", WalletSizeUSD: 2_000_000}))
	assert.False(t, c.isCredible(Move{Source: "whale_alert", AmountUSD: 500_000}))
}

func TestEtherscanMoves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "txlist":
			// 150 ETH into the exchange wallet, 50 ETH out (below minimum).
			w.Write([]byte(`{"status": "1", "result": [
				{"hash": "t1", "from": "0xabc", "to": "0xEXCH", "value": "150000000000000000000", "timeStamp": "1700000000"},
				{"hash": "t2", "from": "0xEXCH", "to": "0xdef", "value": "50000000000000000000", "timeStamp": "1700000050"}
			]}`))
		case "tokentx":
			w.Write([]byte(`{"status": "1", "result": [
				{"hash": "t3", "from": "0xEXCH", "to": "0xghi", "value": "5000000000000000000000", "timeStamp": "1700000100", "tokenSymbol": "UNI", "tokenDecimal": "18"},
				{"hash": "t4", "from": "0xjkl", "to": "0xEXCH", "value": "9000000000", "timeStamp": "1700000150", "tokenSymbol": "USDT", "tokenDecimal": "6"}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testCollector(t, Credentials{EtherscanKey: "key"})
	c.profile.Whale.Etherscan.BaseURL = srv.URL
	c.profile.Whale.Etherscan.ExchangeWallets = map[string][]string{"binance": {"0xEXCH"}}

	moves, err := c.fetchEtherscanMoves(context.Background())
	require.NoError(t, err)
	require.Len(t, moves, 2)

	assert.Equal(t, "ETH", moves[0].Asset)
	assert.Equal(t, "sell", moves[0].Action)
	assert.Equal(t, 150.0, moves[0].AmountNative)
	assert.Equal(t, "unknown", moves[0].FromLabel)
	assert.Equal(t, "binance", moves[0].ToLabel)

	// The UNI outflow reads as accumulation; USDT is not a tracked asset.
	assert.Equal(t, "UNI", moves[1].Asset)
	assert.Equal(t, "accumulate", moves[1].Action)
	assert.Equal(t, 5000.0, moves[1].AmountNative)
	assert.Equal(t, "binance", moves[1].FromLabel)
}

func TestBlockchainComMoves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"txs": [
			{"hash": "b1", "result": 1500000000, "time": 1700000000},
			{"hash": "b2", "result": -2000000000, "time": 1700000100},
			{"hash": "b3", "result": 100000000, "time": 1700000200}
		]}`))
	}))
	defer srv.Close()

	c := testCollector(t, Credentials{})
	c.profile.Whale.BlockchainCom.BaseURL = srv.URL
	c.profile.Whale.BlockchainCom.ExchangeWallets = map[string][]string{"binance": {"3EXCH"}}

	moves, err := c.fetchBlockchainComMoves(context.Background())
	require.NoError(t, err)

	// 15 BTC in, 20 BTC out; the 1 BTC tx is below the minimum.
	require.Len(t, moves, 2)
	assert.Equal(t, "sell", moves[0].Action)
	assert.Equal(t, 15.0, moves[0].AmountNative)
	assert.Equal(t, "accumulate", moves[1].Action)
	assert.Equal(t, 20.0, moves[1].AmountNative)
	assert.Equal(t, "BTC", moves[1].Asset)
}

func TestExchangeFlowDirection(t *testing.T) {
	balance := "1000000000000000000000" // 1000 ETH in wei
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "1", "result": "` + balance + `"}`))
	}))
	defer srv.Close()

	c := testCollector(t, Credentials{EtherscanKey: "key"})
	c.profile.Whale.Etherscan.BaseURL = srv.URL
	c.profile.Whale.Etherscan.ExchangeWallets = map[string][]string{"binance": {"0xEXCH"}}
	c.profile.Whale.BlockchainCom.ExchangeWallets = nil
	c.profile.Whale.ExchangeFlow.TrackExchanges = []string{"binance"}

	ctx := context.Background()

	// First cycle has no prior snapshot, so no delta and no direction call.
	flows, err := c.fetchExchangeFlow(ctx)
	require.NoError(t, err)
	flow := flows["binance"]
	require.NotNil(t, flow)
	require.NotNil(t, flow.ETHBalance)
	assert.Equal(t, 1000.0, *flow.ETHBalance)
	assert.Nil(t, flow.ETHChange)
	assert.Equal(t, "neutral", flow.Direction)

	// 2500 ETH next cycle: +1500 clears the significance threshold.
	balance = "2500000000000000000000"
	flows, err = c.fetchExchangeFlow(ctx)
	require.NoError(t, err)
	flow = flows["binance"]
	require.NotNil(t, flow.ETHChange)
	assert.Equal(t, 1500.0, *flow.ETHChange)
	assert.Equal(t, "inflow", flow.Direction)

	// A large drain reads as outflow.
	balance = "100000000000000000000"
	flows, err = c.fetchExchangeFlow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "outflow", flows["binance"].Direction)
}

func TestWhaleWalletSignals(t *testing.T) {
	balance := "10000000000000000000000" // 10000 ETH
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "1", "result": "` + balance + `"}`))
	}))
	defer srv.Close()

	c := testCollector(t, Credentials{EtherscanKey: "key"})
	c.profile.Whale.Etherscan.BaseURL = srv.URL
	c.profile.Whale.WhaleWallets.ETHWallets = map[string]profile.WalletInfo{
		"wintermute": {Address: "0x0000006daea1723962647b7e189d311d757Fb793"},
	}
	c.profile.Whale.WhaleWallets.BTCWallets = nil

	ctx := context.Background()

	wallets, err := c.fetchWhaleWallets(ctx)
	require.NoError(t, err)
	w := wallets["wintermute"]
	require.NotNil(t, w)
	assert.Equal(t, "ETH", w.Chain)
	assert.Equal(t, "0x0000006dae...", w.Address)
	assert.Equal(t, "neutral", w.Signal)

	// +100 ETH clears the minimum change.
	balance = "10100000000000000000000"
	wallets, err = c.fetchWhaleWallets(ctx)
	require.NoError(t, err)
	w = wallets["wintermute"]
	assert.Equal(t, "accumulating", w.Signal)
	require.NotNil(t, w.ChangeETH)
	assert.Equal(t, 100.0, *w.ChangeETH)

	// The summary surfaces non-neutral wallets as "name: signal".
	data := c.EmptyData().(*Data)
	data.WhaleWallets = wallets
	summary := c.buildSummary(data, 0, 0)
	assert.Equal(t, []string{"wintermute: accumulating"}, summary.WhaleWalletSignals)
}

func TestTruncateAddr(t *testing.T) {
	assert.Equal(t, "0x0000006dae...", truncateAddr("0x0000006daea1723962647b7e189d311d757Fb793"))
	assert.Equal(t, "short", truncateAddr("short"))
}
