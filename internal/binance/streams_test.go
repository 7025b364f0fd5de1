package binance

import (
	"testing"

	"crypto-screener/internal/market"
)

func TestStreamNames(t *testing.T) {
	if got := TickerStream("BTCUSDT"); got != "btcusdt@ticker" {
		t.Errorf("Expected btcusdt@ticker, got %s", got)
	}
	if got := KlineStream("ETHUSDT", market.Interval5m); got != "ethusdt@kline_5m" {
		t.Errorf("Expected ethusdt@kline_5m, got %s", got)
	}
}

func TestCombinedStreamURL(t *testing.T) {
	url := CombinedStreamURL("", []string{"btcusdt@ticker", "btcusdt@kline_1m"})
	want := DefaultStreamURL + "/stream?streams=btcusdt@ticker/btcusdt@kline_1m"
	if url != want {
		t.Errorf("Expected %s, got %s", want, url)
	}
}

func TestParseCombinedKlineFrame(t *testing.T) {
	frame := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {
			"e": "kline", "E": 1700000061000, "s": "BTCUSDT",
			"k": {
				"t": 1700000040000, "T": 1700000099999, "s": "BTCUSDT", "i": "1m",
				"o": "64000.10", "c": "64100.50", "h": "64200.00", "l": "63950.25",
				"v": "123.456", "n": 2101, "x": true, "q": "7901234.55"
			}
		}
	}`)

	msg, err := ParseCombinedMessage(frame)
	if err != nil {
		t.Fatalf("ParseCombinedMessage failed: %v", err)
	}
	if msg.Kline == nil {
		t.Fatal("Expected a kline event")
	}
	if msg.Ticker != nil {
		t.Error("Kline frame should not carry a ticker")
	}

	ev := msg.Kline
	if ev.Symbol != "BTCUSDT" || ev.Interval != market.Interval1m {
		t.Errorf("Symbol/interval parsed wrong: %+v", ev)
	}
	k := ev.Kline
	if k.OpenTime != 1700000040000 || k.CloseTime != 1700000099999 {
		t.Errorf("Times parsed wrong: %+v", k)
	}
	if k.Open != 64000.10 || k.Close != 64100.50 || k.High != 64200.00 || k.Low != 63950.25 {
		t.Errorf("OHLC parsed wrong: %+v", k)
	}
	if k.Volume != 123.456 || k.QuoteVolume != 7901234.55 || k.Trades != 2101 {
		t.Errorf("Volumes parsed wrong: %+v", k)
	}
	if !k.IsFinal {
		t.Error("x=true should mark the bar final")
	}
}

func TestParseCombinedTickerFrame(t *testing.T) {
	frame := []byte(`{
		"stream": "ethusdt@ticker",
		"data": {
			"e": "24hrTicker", "E": 1700000061001, "s": "ETHUSDT",
			"c": "3200.42", "P": "-1.25", "q": "88000000.10"
		}
	}`)

	msg, err := ParseCombinedMessage(frame)
	if err != nil {
		t.Fatalf("ParseCombinedMessage failed: %v", err)
	}
	if msg.Ticker == nil {
		t.Fatal("Expected a ticker event")
	}

	tk := msg.Ticker
	if tk.Symbol != "ETHUSDT" || tk.LastPrice != 3200.42 {
		t.Errorf("Ticker parsed wrong: %+v", tk)
	}
	if tk.PriceChangePercent != -1.25 || tk.QuoteVolume != 88000000.10 {
		t.Errorf("Ticker stats parsed wrong: %+v", tk)
	}
	if tk.EventTime != 1700000061001 {
		t.Errorf("Event time parsed wrong: %+v", tk)
	}
}

func TestParseCombinedUnknownStreamSkipped(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth","data":{"bids":[]}}`)
	msg, err := ParseCombinedMessage(frame)
	if err != nil {
		t.Fatalf("Unknown streams should not error: %v", err)
	}
	if msg.Kline != nil || msg.Ticker != nil {
		t.Error("Unknown stream should decode to an empty message")
	}
}

func TestParseCombinedRejectsGarbage(t *testing.T) {
	if _, err := ParseCombinedMessage([]byte(`{"data":{}}`)); err == nil {
		t.Error("Missing stream name should error")
	}
	if _, err := ParseCombinedMessage([]byte(`not json`)); err == nil {
		t.Error("Malformed JSON should error")
	}
	badInterval := []byte(`{"stream":"x@kline_7m","data":{"s":"X","k":{"i":"7m","o":"1","c":"1","h":"1","l":"1","v":"1","q":"1"}}}`)
	if _, err := ParseCombinedMessage(badInterval); err == nil {
		t.Error("Unknown interval in a kline frame should error")
	}
}
