package browser

import (
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// priceSelectors are best-effort guesses at where a charting page renders the
// last price. They are heuristics, not a contract.
var priceSelectors = []string{
	`div[data-name="legend-series-value"]`,
	`div[data-name="legend-price"]`,
	`span[data-name="last-price-value"]`,
	`.tv-symbol-price-quote__value`,
	`[data-qa="price"]`,
}

// ExtractPrice finds the first candidate element in html whose text parses
// as a price.
func ExtractPrice(html string) (float64, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, false
	}

	for _, sel := range priceSelectors {
		var (
			price float64
			found bool
		)
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			price, found = ParsePriceText(s.Text())
			return !found
		})
		if found {
			return price, true
		}
	}
	return 0, false
}

// ParsePriceText keeps only digits and dots, so currency signs and thousands
// separators fall away, then parses the rest.
func ParsePriceText(text string) (float64, bool) {
	var sb strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			sb.WriteRune(r)
		}
	}
	s := sb.String()
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
