package exchange

import (
	"math/rand"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BTCUSD":      "BTCUSDT",
		"ETH":         "ETHUSDT",
		"BTCUSDTUSDT": "BTCUSDT",
		"btcusdt":     "BTCUSDT",
		"btc/usdt":    "BTCUSDT",
		" sol-usd ":   "SOLUSDT",
		"USD":         "USDT",
		"XUSDTUSD":    "XUSDT",
		"A":           "A",
		"ABCDEFG":     "ABCDEFG",
		"ABCDEF":      "ABCDEFUSDT",
		"123":         "",
		"":            "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	alphabet := []rune("ABCDSTUabcdstu/-_ 019")
	rng := rand.New(rand.NewSource(42))

	inputs := []string{"USDTUSDTUSD", "USDUSD", "TUSD", "BTCUSDTUSDTUSDT", "usdtusd"}
	for i := 0; i < 5000; i++ {
		n := rng.Intn(14)
		buf := make([]rune, n)
		for j := range buf {
			buf[j] = alphabet[rng.Intn(len(alphabet))]
		}
		inputs = append(inputs, string(buf))
	}

	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestSymbolNormalizerCustomQuote(t *testing.T) {
	n := NewSymbolNormalizer("fdusd", "usd", "usdt")
	if n.Quote() != "FDUSD" {
		t.Fatalf("unexpected quote %q", n.Quote())
	}
	if got := n.Normalize("btcusdt"); got != "BTCFDUSD" {
		t.Errorf("expected BTCFDUSD, got %q", got)
	}
	if got := n.Base("btc"); got != "BTC" {
		t.Errorf("expected BTC, got %q", got)
	}
}
