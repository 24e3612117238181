package cohort

import (
	"testing"
	"time"
)

func TestParseDateExpr(t *testing.T) {
	tests := []struct {
		in   string
		base string
		off  Offset
	}{
		{"2020-03-23", "2020-03-23", Offset{}},
		{"index_date", "index_date", Offset{}},
		{"index_date - 1 year", "index_date", Offset{Years: -1}},
		{"index_date - 3 years", "index_date", Offset{Years: -3}},
		{"study_end + 2 weeks", "study_end", Offset{Days: 14}},
		{"index_date - 1 year + 6 months - 1 day", "index_date", Offset{Years: -1, Months: 6, Days: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDateExpr(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Base != tt.base {
				t.Errorf("expected base %q, got %q", tt.base, got.Base)
			}
			if got.Offset != tt.off {
				t.Errorf("expected offset %+v, got %+v", tt.off, got.Offset)
			}
		})
	}
}

func TestParseDateExpr_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"index_date -",
		"index_date - one year",
		"index_date * 1 year",
		"index_date - 1 fortnight",
		"index_date - -1 year",
	} {
		if _, err := ParseDateExpr(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestDateExpr_StringRoundTrip(t *testing.T) {
	for _, in := range []string{"index_date", "index_date - 1 year", "2020-02-01 + 14 days", "study_end - 1 month"} {
		d := MustParseDateExpr(in)
		again, err := ParseDateExpr(d.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", d.String(), err)
		}
		if again != d {
			t.Errorf("round trip of %q: got %+v, want %+v", in, again, d)
		}
	}
}

func TestOffsetApply(t *testing.T) {
	base := time.Date(2020, 3, 23, 0, 0, 0, 0, time.UTC)
	got := Offset{Years: -1}.apply(base)
	want := time.Date(2019, 3, 23, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWindowString(t *testing.T) {
	start := MustParseDateExpr("index_date - 1 year")
	end := MustParseDateExpr("index_date")
	w := Window{Kind: WindowBetween, Start: &start, End: &end}
	if got := w.String(); got != "between [index_date - 1 year, index_date]" {
		t.Errorf("unexpected window string %q", got)
	}
	if n := len(w.Refs()); n != 2 {
		t.Errorf("expected 2 refs, got %d", n)
	}
	asof := Window{Kind: WindowAsOf, End: &end}
	if got := asof.String(); got != "as of index_date" {
		t.Errorf("unexpected as-of string %q", got)
	}
	if !w.Equal(Window{Kind: WindowBetween, Start: &start, End: &end}) {
		t.Error("expected equal windows")
	}
	if w.Equal(asof) {
		t.Error("expected different windows")
	}
}
