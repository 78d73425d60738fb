// Package cronexpr computes fire times for five-field crontab expressions and
// maps a small set of named frequencies to and from them.
package cronexpr

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrMalformedCron marks an expression that cannot be parsed. Jobs carrying
// one are inert until the expression is corrected.
var ErrMalformedCron = errors.New("malformed cron expression")

// Standard crontab: minute hour day-of-month month day-of-week.
// Descriptors like @daily are accepted too, they expand to the same fields.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse validates expr and returns its schedule.
func Parse(expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Schedule{}, errors.Wrap(ErrMalformedCron, "empty expression")
	}
	if strings.HasPrefix(s, "@every") {
		// Intervals have no crontab form; keep the model five-field only.
		return Schedule{}, errors.Wrapf(ErrMalformedCron, "%q: interval descriptors are not supported", s)
	}
	sc, err := parser.Parse(sundayAsZero(s))
	if err != nil {
		return Schedule{}, errors.Mark(errors.Wrapf(err, "%q", s), ErrMalformedCron)
	}
	return Schedule{expr: s, sched: sc}, nil
}

// sundayAsZero rewrites crontab's day-of-week 7 to 0, which is the only
// Sunday the parser knows. Ranges and steps ending at 7 are expanded.
func sundayAsZero(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	items := strings.Split(fields[4], ",")
	for i, item := range items {
		items[i] = sundayItem(item)
	}
	fields[4] = strings.Join(items, ",")
	return strings.Join(fields, " ")
}

func sundayItem(item string) string {
	rng, step := item, 1
	if j := strings.IndexByte(item, '/'); j >= 0 {
		n, err := strconv.Atoi(item[j+1:])
		if err != nil || n <= 0 {
			return item
		}
		rng, step = item[:j], n
	}
	lo, hi := rng, rng
	if j := strings.IndexByte(rng, '-'); j >= 0 {
		lo, hi = rng[:j], rng[j+1:]
	}
	if hi != "7" {
		return item
	}
	from, err := strconv.Atoi(lo)
	if err != nil || from < 0 || from > 7 {
		return item
	}
	var days []string
	for d := from; d <= 7; d += step {
		days = append(days, strconv.Itoa(d%7))
	}
	return strings.Join(days, ",")
}

func (s Schedule) String() string { return s.expr }

// Next returns the earliest matching instant strictly after ref.
// It returns the zero time when the expression can never match (e.g. "0 0 30 2 *").
func (s Schedule) Next(ref time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(ref)
}

// NextFireTime parses expr and returns the first fire strictly after ref,
// evaluated in ref's location.
func NextFireTime(expr string, ref time.Time) (time.Time, error) {
	sc, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sc.Next(ref)
	if next.IsZero() {
		return time.Time{}, errors.Wrapf(ErrMalformedCron, "%q never fires", expr)
	}
	return next, nil
}

// NextFireTimes previews up to n upcoming fires after ref.
func NextFireTimes(expr string, ref time.Time, n int) ([]time.Time, error) {
	sc, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}
	out := make([]time.Time, 0, n)
	t := ref
	for i := 0; i < n; i++ {
		t = sc.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrMalformedCron, "%q never fires", expr)
	}
	return out, nil
}

// IsMalformed reports whether err came from an unparsable expression.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedCron) }
