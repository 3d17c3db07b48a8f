package exchange

import (
	"strings"
)

// DefaultQuote is the reference asset appended to bare base codes.
const DefaultQuote = "USDT"

// DefaultAltQuotes are quote suffixes users commonly type instead of DefaultQuote.
var DefaultAltQuotes = []string{"USD"}

var defaultNormalizer = NewSymbolNormalizer(DefaultQuote, DefaultAltQuotes...)

// Normalize maps user input onto a canonical upstream symbol using the
// default quote asset.
// 例: btc -> BTCUSDT, BTC/USD -> BTCUSDT, btcusdtusdt -> BTCUSDT
func Normalize(input string) string {
	return defaultNormalizer.Normalize(input)
}

// SymbolNormalizer turns free-form tickers into canonical symbols of the form
// BASE+QUOTE. It is pure and safe for concurrent use.
type SymbolNormalizer struct {
	quote string
	alts  []string
}

// NewSymbolNormalizer 创建符号规范化器
func NewSymbolNormalizer(quote string, alts ...string) *SymbolNormalizer {
	n := &SymbolNormalizer{quote: lettersOnly(quote)}
	if n.quote == "" {
		n.quote = DefaultQuote
	}
	for _, a := range alts {
		a = lettersOnly(a)
		if a == "" || a == n.quote {
			continue
		}
		n.alts = append(n.alts, a)
	}
	return n
}

// Quote 返回规范计价货币
func (n *SymbolNormalizer) Quote() string {
	return n.quote
}

// Normalize never fails. Input that matches none of the rules comes back
// stripped but otherwise unchanged; the feed reports it when it cannot connect.
func (n *SymbolNormalizer) Normalize(input string) string {
	t := n.collapse(lettersOnly(input))

	if strings.HasSuffix(t, n.quote) {
		return t
	}
	for _, alt := range n.alts {
		if strings.HasSuffix(t, alt) {
			return n.collapse(strings.TrimSuffix(t, alt) + n.quote)
		}
	}
	if l := len(t); l >= 2 && l <= 6 {
		return t + n.quote
	}
	return t
}

// Base 将交易对转换为币种
// 例: BTCUSDT -> BTC
func (n *SymbolNormalizer) Base(symbol string) string {
	return strings.TrimSuffix(n.Normalize(symbol), n.quote)
}

// collapse reduces repeated trailing quote suffixes to one occurrence.
func (n *SymbolNormalizer) collapse(t string) string {
	double := n.quote + n.quote
	for strings.HasSuffix(t, double) {
		t = strings.TrimSuffix(t, n.quote)
	}
	return t
}

// lettersOnly uppercases s and drops everything outside A-Z.
func lettersOnly(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
