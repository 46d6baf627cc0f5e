package dates

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosodev/duration"

	"hiermlr/internal/internalerr"
	"hiermlr/internal/timeutil"
)

// Period is a whole-day calendar duration (years, months, days). Weeks are
// folded into days.
type Period struct {
	Years  int
	Months int
	Days   int
}

// Day is the one-day period.
var Day = Period{Days: 1}

// ParsePeriod reads an ISO-8601 duration such as "P1W" or "P1M". The leading
// "P" may be omitted. Time components and fractional values are rejected.
func ParsePeriod(s string) (Period, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Period{}, fmt.Errorf("%w: empty duration", internalerr.ErrInvalidInput)
	}
	if !strings.HasPrefix(s, "P") {
		s = "P" + s
	}
	d, err := duration.Parse(s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: parse duration %q: %v", internalerr.ErrInvalidInput, s, err)
	}
	if d.Negative {
		return Period{}, fmt.Errorf("%w: negative duration %q", internalerr.ErrInvalidInput, s)
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		return Period{}, fmt.Errorf("%w: duration %q has a time component", internalerr.ErrInvalidInput, s)
	}
	for _, f := range []float64{d.Years, d.Months, d.Weeks, d.Days} {
		if f != math.Trunc(f) {
			return Period{}, fmt.Errorf("%w: duration %q is fractional", internalerr.ErrInvalidInput, s)
		}
	}
	p := Period{Years: int(d.Years), Months: int(d.Months), Days: int(d.Weeks)*7 + int(d.Days)}
	if p.IsZero() {
		return Period{}, fmt.Errorf("%w: zero-length duration %q", internalerr.ErrInvalidInput, s)
	}
	return p, nil
}

// IsZero reports whether the period has no length.
func (p Period) IsZero() bool { return p.Years == 0 && p.Months == 0 && p.Days == 0 }

// Before returns t moved back by k periods. Months and years use calendar
// arithmetic relative to t, so the result is always anchored on t. A day
// past the end of the target month is clamped to its last day.
func (p Period) Before(t time.Time, k int) time.Time {
	return shift(t, -p.Years*k, -p.Months*k, -p.Days*k)
}

// After returns t moved forward by k periods, clamping like Before.
func (p Period) After(t time.Time, k int) time.Time {
	return shift(t, p.Years*k, p.Months*k, p.Days*k)
}

func shift(t time.Time, years, months, days int) time.Time {
	y, m, d := t.Date()
	total := y*12 + int(m) - 1 + years*12 + months
	ny, nm := total/12, total%12
	if nm < 0 {
		ny, nm = ny-1, nm+12
	}
	month := time.Month(nm + 1)
	if last := daysIn(ny, month, t.Location()); d > last {
		d = last
	}
	h, mi, sec := t.Clock()
	return time.Date(ny, month, d, h, mi, sec, t.Nanosecond(), t.Location()).AddDate(0, 0, days)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func (p Period) String() string {
	var b strings.Builder
	b.WriteString("P")
	if p.Years != 0 {
		fmt.Fprintf(&b, "%dY", p.Years)
	}
	if p.Months != 0 {
		fmt.Fprintf(&b, "%dM", p.Months)
	}
	if p.Days != 0 {
		fmt.Fprintf(&b, "%dD", p.Days)
	}
	return b.String()
}

// Resolve interprets s either as an absolute YYYY-MM-DD date or as a
// backward-looking duration ("1Y", "6M", "P2W") measured from today on the
// given clock.
func Resolve(s string, clock timeutil.Clock) (time.Time, error) {
	if t, err := Parse(s); err == nil {
		return t, nil
	}
	p, err := ParsePeriod(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve date %q: must be YYYY-MM-DD or a duration like 7D, 6M, 1Y: %w", s, err)
	}
	return p.Before(timeutil.Today(clock), 1), nil
}
