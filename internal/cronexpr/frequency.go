package cronexpr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind is a named frequency offered by the authoring surface.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// ErrNoFrequency is returned by ParseFrequency when an expression does not
// correspond to one of the named frequencies.
var ErrNoFrequency = errors.New("expression is not a named frequency")

// Frequency is the form-friendly shape of a simple schedule.
//
// Weekday is used by Weekly, MonthDay (1..31) by Monthly.
type Frequency struct {
	Kind     Kind         `json:"frequency"`
	Hour     int          `json:"hour"`
	Minute   int          `json:"minute"`
	Weekday  time.Weekday `json:"weekday,omitempty"`
	MonthDay int          `json:"month_day,omitempty"`
}

func (f Frequency) validate() error {
	if f.Hour < 0 || f.Hour > 23 {
		return fmt.Errorf("hour out of range: %d", f.Hour)
	}
	if f.Minute < 0 || f.Minute > 59 {
		return fmt.Errorf("minute out of range: %d", f.Minute)
	}
	switch f.Kind {
	case Daily:
	case Weekly:
		if f.Weekday < time.Sunday || f.Weekday > time.Saturday {
			return fmt.Errorf("weekday out of range: %d", f.Weekday)
		}
	case Monthly:
		if f.MonthDay < 1 || f.MonthDay > 31 {
			return fmt.Errorf("month day out of range: %d", f.MonthDay)
		}
	default:
		return fmt.Errorf("unknown frequency %q (use daily, weekly or monthly)", f.Kind)
	}
	return nil
}

// Expression renders f as a five-field crontab expression.
func (f Frequency) Expression() (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	switch f.Kind {
	case Weekly:
		return fmt.Sprintf("%d %d * * %d", f.Minute, f.Hour, int(f.Weekday)), nil
	case Monthly:
		return fmt.Sprintf("%d %d %d * *", f.Minute, f.Hour, f.MonthDay), nil
	default:
		return fmt.Sprintf("%d %d * * *", f.Minute, f.Hour), nil
	}
}

var reNumber = regexp.MustCompile(`^\d{1,2}$`)

// ParseFrequency is the reverse of Frequency.Expression. Only plain numeric
// minute/hour fields and a single numeric day field are recognised.
func ParseFrequency(expr string) (Frequency, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Frequency{}, errors.Wrapf(ErrNoFrequency, "%q", expr)
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if !reNumber.MatchString(minute) || !reNumber.MatchString(hour) || month != "*" {
		return Frequency{}, errors.Wrapf(ErrNoFrequency, "%q", expr)
	}
	f := Frequency{Minute: atoi(minute), Hour: atoi(hour)}
	switch {
	case dom == "*" && dow == "*":
		f.Kind = Daily
	case dom == "*" && reNumber.MatchString(dow):
		f.Kind = Weekly
		f.Weekday = time.Weekday(atoi(dow) % 7) // crontab allows 7 for Sunday
	case dow == "*" && reNumber.MatchString(dom):
		f.Kind = Monthly
		f.MonthDay = atoi(dom)
	default:
		return Frequency{}, errors.Wrapf(ErrNoFrequency, "%q", expr)
	}
	if err := f.validate(); err != nil {
		return Frequency{}, errors.Mark(err, ErrNoFrequency)
	}
	return f, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses a wall-clock "HH:MM" (24h).
func ParseClock(s string) (hour, minute int, err error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time %q (use HH:MM)", s)
	}
	hour, minute = atoi(m[1]), atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q (use HH:MM)", s)
	}
	return hour, minute, nil
}

// ParseWeekday accepts "mon", "monday" or a crontab number (0..7).
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if reNumber.MatchString(v) {
		n := atoi(v)
		if n > 7 {
			return 0, fmt.Errorf("invalid weekday %q", s)
		}
		return time.Weekday(n % 7), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
