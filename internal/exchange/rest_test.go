package exchange

import (
	"errors"
	"testing"

	"github.com/taffyke/crypto-spread-navigator/internal/domain"
)

func TestTickerURL(t *testing.T) {
	tests := []struct {
		adapter RESTAdapter
		want    string
	}{
		{NewBinance(), "https://api.binance.com/api/v3/ticker/24hr?symbol=BTCUSDT"},
		{NewBybit(), "https://api.bybit.com/v5/market/tickers?category=spot&symbol=BTCUSDT"},
		{NewOKX(), "https://www.okx.com/api/v5/market/ticker?instId=BTC-USDT"},
		{NewGateIO(), "https://api.gateio.ws/api/v4/spot/tickers?currency_pair=BTC_USDT"},
		{NewBitget(), "https://api.bitget.com/api/v2/spot/market/tickers?symbol=BTCUSDT"},
		{NewCoinbase(), "https://api.exchange.coinbase.com/products/BTC-USDT/ticker"},
		{NewKraken(), "https://api.kraken.com/0/public/Ticker?pair=XBTUSDT"},
		{NewHTX(), "https://api.huobi.pro/market/detail/merged?symbol=btcusdt"},
	}
	for _, tt := range tests {
		got, err := tt.adapter.TickerURL("BTC/USDT")
		if err != nil {
			t.Errorf("TickerURL error: %v", err)
			continue
		}
		if got != tt.want {
			t.Errorf("TickerURL = %q, want %q", got, tt.want)
		}
	}
}

func TestParseTicker(t *testing.T) {
	tests := []struct {
		name    string
		adapter RESTAdapter
		symbol  string
		body    string
		last    string
		bid     string
	}{
		{
			name:    "binance",
			adapter: NewBinance(),
			symbol:  "BTC/USDT",
			body:    `{"symbol":"BTCUSDT","priceChange":"1000","priceChangePercent":"2.04","lastPrice":"50000.00","bidPrice":"49999.00","askPrice":"50001.00","highPrice":"51000","lowPrice":"48000","volume":"10","closeTime":1700000000000}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "bybit",
			adapter: NewBybit(),
			symbol:  "BTC/USDT",
			body:    `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"symbol":"BTCUSDT","bid1Price":"49999","ask1Price":"50001","lastPrice":"50000","prevPrice24h":"49000","price24hPcnt":"0.0204","volume24h":"5"}]},"time":1700000000000}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "okx",
			adapter: NewOKX(),
			symbol:  "BTC/USDT",
			body:    `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"50000","bidPx":"49999","askPx":"50001","open24h":"49000","ts":"1700000000000"}]}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "gateio",
			adapter: NewGateIO(),
			symbol:  "BTC/USDT",
			body:    `[{"currency_pair":"BTC_USDT","last":"50000","lowest_ask":"50001","highest_bid":"49999","change_percentage":"2.5","base_volume":"1"}]`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "bitget",
			adapter: NewBitget(),
			symbol:  "BTC/USDT",
			body:    `{"code":"00000","msg":"success","data":[{"symbol":"BTCUSDT","lastPr":"50000","bidPr":"49999","askPr":"50001","open24h":"49000","change24h":"0.02","baseVolume":"3","ts":"1700000000000"}]}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "coinbase",
			adapter: NewCoinbase(),
			symbol:  "BTC-USD",
			body:    `{"ask":"50001","bid":"49999","volume":"100","trade_id":1,"price":"50000","size":"0.1","time":"2023-11-14T22:13:20Z"}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "kraken",
			adapter: NewKraken(),
			symbol:  "BTC/USD",
			body:    `{"error":[],"result":{"XXBTZUSD":{"a":["50001.0","1","1.000"],"b":["49999.0","2","2.000"],"c":["50000.0","0.1"],"v":["10","100"],"p":["1","1"],"t":[1,2],"l":["48000","47000"],"h":["51000","52000"],"o":"49000"}}}`,
			last:    "50000",
			bid:     "49999",
		},
		{
			name:    "htx",
			adapter: NewHTX(),
			symbol:  "BTC/USDT",
			body:    `{"ch":"market.btcusdt.detail.merged","status":"ok","ts":1700000000000,"tick":{"id":1,"open":49000,"close":50000,"low":48000,"high":51000,"amount":100,"vol":1,"count":1,"bid":[49999,1.5],"ask":[50001,2]}}`,
			last:    "50000",
			bid:     "49999",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := tt.adapter.ParseTicker(tt.symbol, []byte(tt.body))
			if err != nil {
				t.Fatalf("ParseTicker error: %v", err)
			}
			want, _ := NormalizeSymbol(tt.symbol)
			if snap.Symbol != want {
				t.Errorf("Symbol = %q, want %q", snap.Symbol, want)
			}
			if !snap.Last.Equal(dec(tt.last)) || !snap.Bid.Equal(dec(tt.bid)) {
				t.Errorf("Last/Bid = %s/%s, want %s/%s", snap.Last, snap.Bid, tt.last, tt.bid)
			}
		})
	}
}

func TestParseTicker_Errors(t *testing.T) {
	if _, err := NewOKX().ParseTicker("BTC/USDT", []byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)); !errors.Is(err, domain.ErrNotRecognized) {
		t.Errorf("okx error = %v", err)
	}
	if _, err := NewKraken().ParseTicker("FOO/USD", []byte(`{"error":["EQuery:Unknown asset pair"]}`)); err == nil {
		t.Error("kraken: expected error")
	}
	if _, err := NewBinance().ParseTicker("ETH/USDT", []byte(`{"symbol":"BTCUSDT","lastPrice":"1"}`)); !errors.Is(err, domain.ErrNotRecognized) {
		t.Errorf("binance mismatched symbol error = %v", err)
	}
	if _, err := NewGateIO().ParseTicker("BTC/USDT", []byte(`{"label":"INVALID_CURRENCY","message":"x"}`)); !errors.Is(err, domain.ErrNotRecognized) {
		t.Errorf("gateio error = %v", err)
	}
	if _, err := NewHTX().ParseTicker("BTC/USDT", []byte(`{"status":"ok","tick":{"close":0}}`)); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("htx zero close error = %v", err)
	}
}
