package units

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseWei(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"10.1", 18, "10100000000000000000"},
		{"0.000001", 6, "1"},
		{"1.23456789", 6, "1234567"},
		{"0", 18, "0"},
	}
	for _, c := range cases {
		got, err := ParseWei(c.in, c.decimals)
		if err != nil {
			t.Fatalf("ParseWei(%q): %v", c.in, err)
		}
		if got.String() != c.want {
			t.Fatalf("ParseWei(%q) got=%s want=%s", c.in, got, c.want)
		}
	}
	if _, err := ParseWei("-1", 18); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := ParseWei("abc", 18); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	wei := MustParseWei("93.86", 18)
	if got := Format(wei, 18); got != "93.86" {
		t.Fatalf("Format got=%s want=93.86", got)
	}
	if !FromWei(wei, 18).Equal(decimal.RequireFromString("93.86")) {
		t.Fatalf("FromWei mismatch")
	}
}
