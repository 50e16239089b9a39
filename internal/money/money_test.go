package money

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want string
	}{
		{name: "dollar string", in: "$250", want: "250.00"},
		{name: "padded dollar string", in: "  $ 1,250.50 ", want: "1250.50"},
		{name: "rupee string", in: "₹899", want: "899.00"},
		{name: "plain string", in: "42.5", want: "42.50"},
		{name: "float", in: 19.99, want: "19.99"},
		{name: "int", in: 300, want: "300.00"},
		{name: "json number", in: json.Number("12.30"), want: "12.30"},
		{name: "garbage", in: "call us", want: "0.00"},
		{name: "trailing garbage", in: "$250abc", want: "0.00"},
		{name: "negative", in: "-10", want: "0.00"},
		{name: "empty", in: "", want: "0.00"},
		{name: "symbol only", in: "$", want: "0.00"},
		{name: "nil", in: nil, want: "0.00"},
		{name: "unsupported type", in: []string{"1"}, want: "0.00"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ParsePrice(tc.in).String())
		})
	}
}

func TestCalculateScenarioA(t *testing.T) {
	t.Parallel()

	b := Calculate(ParsePrice("$250"), 20)
	require.True(t, b.ItemsPrice.Equal(NewFromInt(5000)), "items %s", b.ItemsPrice)
	require.True(t, b.ShippingPrice.IsZero())
	require.True(t, b.TaxPrice.Equal(NewFromInt(400)), "tax %s", b.TaxPrice)
	require.True(t, b.TotalPrice.Equal(NewFromInt(5400)), "total %s", b.TotalPrice)
	require.True(t, b.AdvanceAmount.Equal(NewFromInt(2700)), "advance %s", b.AdvanceAmount)
	require.True(t, b.IsPositive())
}

func TestCalculateInvariants(t *testing.T) {
	t.Parallel()

	prices := []string{"0.01", "1", "19.99", "250", "333.33", "1234.56", "$7.77"}
	for _, raw := range prices {
		for qty := 20; qty <= 120; qty += 7 {
			b := Calculate(ParsePrice(raw), qty)
			require.True(t, b.ShippingPrice.IsZero())
			require.True(t, b.TotalPrice.Equal(b.ItemsPrice.Add(b.TaxPrice)), "price=%s qty=%d", raw, qty)
			half := b.TotalPrice.MulRate(AdvanceRate).Round2()
			require.True(t, b.AdvanceAmount.Equal(half), "price=%s qty=%d", raw, qty)
		}
	}
}

func TestCalculateShippingStaysZeroAboveBanner(t *testing.T) {
	t.Parallel()

	b := Calculate(NewFromInt(10), 20)
	require.True(t, b.QualifiesForFreeShipping())
	require.True(t, b.ShippingPrice.IsZero())

	small := Calculate(NewFromInt(1), 20)
	require.False(t, small.QualifiesForFreeShipping())
	require.True(t, small.ShippingPrice.IsZero())
}

func TestCalculateMalformedPriceIsNotPositive(t *testing.T) {
	t.Parallel()

	b := Calculate(ParsePrice("TBD"), 20)
	require.True(t, b.TotalPrice.IsZero())
	require.False(t, b.IsPositive())
}

func TestAmountJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(struct {
		AmountToPay Amount `json:"amountToPay"`
	}{AmountToPay: NewFromInt(2700)})
	require.NoError(t, err)
	require.JSONEq(t, `{"amountToPay":2700.00}`, string(raw))
	require.Contains(t, string(raw), "2700.00")

	var decoded struct {
		Price Amount `json:"price"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"price":"$250"}`), &decoded))
	require.Equal(t, "250.00", decoded.Price.String())
	require.NoError(t, json.Unmarshal([]byte(`{"price":99.5}`), &decoded))
	require.Equal(t, "99.50", decoded.Price.String())
	require.NoError(t, json.Unmarshal([]byte(`{"price":null}`), &decoded))
	require.True(t, decoded.Price.IsZero())
}

func TestFormat(t *testing.T) {
	t.Parallel()

	out := Format(NewFromInt(5400), "usd", "en-US")
	require.True(t, strings.HasPrefix(out, "$"), out)
	require.True(t, strings.HasSuffix(out, ".00"), out)

	require.True(t, strings.HasPrefix(Format(NewFromInt(10), "INR", "en-IN"), "₹"))
	require.True(t, strings.HasPrefix(Format(NewFromInt(10), "not-a-code", ""), "$"))
}

func TestParseLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ja", ParseLanguage("ja,en;q=0.8").String())
	require.Equal(t, "en", ParseLanguage("").String())
	require.Equal(t, "en", ParseLanguage("???").String())
}
