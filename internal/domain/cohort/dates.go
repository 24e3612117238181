package cohort

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const isoDate = "2006-01-02"

// Output date formats accepted by date-returning variables.
const (
	DateFormatDay   = "YYYY-MM-DD"
	DateFormatMonth = "YYYY-MM"
	DateFormatYear  = "YYYY"
)

// Reserved date names.
const (
	IndexDateName = "index_date"
	TodayName     = "today"
)

func validDateFormat(f string) bool {
	switch f {
	case "", DateFormatDay, DateFormatMonth, DateFormatYear:
		return true
	}
	return false
}

func goDateLayout(f string) string {
	switch f {
	case DateFormatMonth:
		return "2006-01"
	case DateFormatYear:
		return "2006"
	default:
		return isoDate
	}
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(isoDate, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// Offset is a calendar shift applied to a resolved date.
type Offset struct {
	Years  int
	Months int
	Days   int
}

func (o Offset) IsZero() bool { return o == Offset{} }

func (o Offset) apply(t time.Time) time.Time {
	if o.IsZero() {
		return t
	}
	return t.AddDate(o.Years, o.Months, o.Days)
}

// DateExpr is a date reference such as "2020-03-23", "index_date",
// "study_end" or "index_date - 1 year". The base is a literal date, the
// index date, a named constant, "today", or a date-returning variable.
type DateExpr struct {
	Base   string
	Offset Offset
}

// ParseDateExpr parses "<base> [(+|-) <n> <unit>]..." where unit is one of
// year(s), month(s), week(s), day(s).
func ParseDateExpr(s string) (DateExpr, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return DateExpr{}, fmt.Errorf("empty date expression")
	}

	expr := DateExpr{Base: fields[0]}
	rest := fields[1:]
	for len(rest) > 0 {
		if len(rest) < 3 {
			return DateExpr{}, fmt.Errorf("invalid date expression %q: incomplete offset", s)
		}
		sign := 1
		switch rest[0] {
		case "+":
		case "-":
			sign = -1
		default:
			return DateExpr{}, fmt.Errorf("invalid date expression %q: expected + or -, got %q", s, rest[0])
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil || n < 0 {
			return DateExpr{}, fmt.Errorf("invalid date expression %q: bad offset %q", s, rest[1])
		}
		n *= sign
		switch strings.TrimSuffix(strings.ToLower(rest[2]), "s") {
		case "year":
			expr.Offset.Years += n
		case "month":
			expr.Offset.Months += n
		case "week":
			expr.Offset.Days += 7 * n
		case "day":
			expr.Offset.Days += n
		default:
			return DateExpr{}, fmt.Errorf("invalid date expression %q: unknown unit %q", s, rest[2])
		}
		rest = rest[3:]
	}
	return expr, nil
}

// MustParseDateExpr is ParseDateExpr for static expressions known to be valid.
func MustParseDateExpr(s string) DateExpr {
	d, err := ParseDateExpr(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the expression in the form ParseDateExpr accepts.
func (d DateExpr) String() string {
	var b strings.Builder
	b.WriteString(d.Base)
	writePart := func(n int, unit string) {
		if n == 0 {
			return
		}
		sign := "+"
		if n < 0 {
			sign = "-"
			n = -n
		}
		if n != 1 {
			unit += "s"
		}
		fmt.Fprintf(&b, " %s %d %s", sign, n, unit)
	}
	writePart(d.Offset.Years, "year")
	writePart(d.Offset.Months, "month")
	writePart(d.Offset.Days, "day")
	return b.String()
}

// Literal returns the base as a calendar date when it is one.
func (d DateExpr) Literal() (time.Time, bool) {
	t, err := time.Parse(isoDate, d.Base)
	return t, err == nil
}

// WindowKind names how a window was declared.
type WindowKind string

const (
	WindowNone       WindowKind = ""
	WindowBetween    WindowKind = "between"
	WindowOnOrBefore WindowKind = "on_or_before"
	WindowOnOrAfter  WindowKind = "on_or_after"
	WindowAsOf       WindowKind = "as_of"
)

// Window is a closed date interval. A nil bound is open; open bounds are only
// produced by the explicit on_or_before / on_or_after forms. An as_of window
// carries its single date in End.
type Window struct {
	Kind  WindowKind
	Start *DateExpr
	End   *DateExpr
}

// Bounds returns the textual window bounds, empty where open.
func (w Window) Bounds() (string, string) {
	var start, end string
	if w.Start != nil {
		start = w.Start.String()
	}
	if w.End != nil {
		end = w.End.String()
	}
	return start, end
}

// Refs returns the bounds that are present.
func (w Window) Refs() []DateExpr {
	var out []DateExpr
	if w.Start != nil {
		out = append(out, *w.Start)
	}
	if w.End != nil {
		out = append(out, *w.End)
	}
	return out
}

// Equal compares two windows by their textual bounds.
func (w Window) Equal(o Window) bool {
	ws, we := w.Bounds()
	os, oe := o.Bounds()
	return w.Kind == o.Kind && ws == os && we == oe
}

func (w Window) String() string {
	start, end := w.Bounds()
	switch w.Kind {
	case WindowBetween:
		return fmt.Sprintf("between [%s, %s]", start, end)
	case WindowOnOrBefore:
		return "on or before " + end
	case WindowOnOrAfter:
		return "on or after " + start
	case WindowAsOf:
		return "as of " + end
	}
	return "unbounded"
}
