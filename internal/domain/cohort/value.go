package cohort

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the dynamic type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindDate
)

// Value is a single per-patient variable value. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	d    time.Time
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func DateValue(d time.Time) Value { return Value{kind: KindDate, d: d} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsDate() (time.Time, bool) { return v.d, v.kind == KindDate }

// truth maps a value onto three-valued logic: (result, known).
func (v Value) truth() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindNumber:
		return v.n != 0, true
	case KindString:
		return v.s != "", true
	case KindDate:
		return true, true
	default:
		return false, false
	}
}

// Format renders the value as it appears in an output dataset. Booleans are
// written as 1/0 and null as the empty string.
func (v Value) Format(dateFormat string) string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "1"
		}
		return "0"
	case KindNumber:
		if v.n == math.Trunc(v.n) && math.Abs(v.n) < 1e15 {
			return strconv.FormatInt(int64(v.n), 10)
		}
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	case KindDate:
		return v.d.Format(goDateLayout(dateFormat))
	default:
		return ""
	}
}

func (v Value) String() string { return v.Format(DateFormatDay) }

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindDate:
		return v.d.Equal(o.d)
	default:
		return true
	}
}

// compare orders two non-null values, coercing across kinds where the
// extraction DSL would: numeric strings compare as numbers, date strings as
// dates. ok is false when the values cannot be ordered.
func compare(a, b Value) (int, bool) {
	if a.kind == KindNull || b.kind == KindNull {
		return 0, false
	}
	if a.kind == KindBool {
		a = boolAsNumber(a)
	}
	if b.kind == KindBool {
		b = boolAsNumber(b)
	}
	if a.kind != b.kind {
		a, b = coerce(a, b)
		if a.kind != b.kind {
			return strings.Compare(a.Format(DateFormatDay), b.Format(DateFormatDay)), true
		}
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1, true
		case a.n > b.n:
			return 1, true
		}
		return 0, true
	case KindDate:
		return a.d.Compare(b.d), true
	default:
		return strings.Compare(a.s, b.s), true
	}
}

func boolAsNumber(v Value) Value {
	if v.b {
		return Number(1)
	}
	return Number(0)
}

func coerce(a, b Value) (Value, Value) {
	if a.kind == KindString {
		if c, ok := parseAs(a.s, b.kind); ok {
			return c, b
		}
	}
	if b.kind == KindString {
		if c, ok := parseAs(b.s, a.kind); ok {
			return a, c
		}
	}
	return a, b
}

func parseAs(s string, k Kind) (Value, bool) {
	switch k {
	case KindNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, false
		}
		return Number(n), true
	case KindDate:
		d, err := time.Parse(isoDate, strings.TrimSpace(s))
		if err != nil {
			return Value{}, false
		}
		return DateValue(d), true
	}
	return Value{}, false
}
