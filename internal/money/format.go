package money

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const defaultCurrency = "USD"

var symbols = map[string]string{
	"USD": "$",
	"INR": "₹",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

// ParseLanguage normalises a language tag, falling back to English.
func ParseLanguage(lang string) language.Tag {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return language.English
	}
	if idx := strings.Index(lang, ","); idx >= 0 {
		lang = lang[:idx]
	}
	if idx := strings.Index(lang, ";"); idx >= 0 {
		lang = lang[:idx]
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return language.English
	}
	return tag
}

// Format renders an amount for display, e.g. Format(5400, "USD", "en") => "$5,400.00".
func Format(a Amount, currencyCode, lang string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(currencyCode)))
	if err != nil {
		unit = currency.MustParseISO(defaultCurrency)
	}
	code := unit.String()
	p := message.NewPrinter(ParseLanguage(lang))
	number := p.Sprintf("%.2f", a.Round2().Float64())
	if sym, ok := symbols[code]; ok {
		return sym + number
	}
	return code + " " + number
}
