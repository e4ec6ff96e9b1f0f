package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a standard 5 field cron expression or a descriptor like
// @hourly or @every 1h.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// designators allowed before and after T, in the order they must appear
var (
	dateUnits = []isoUnit{{'W', 7 * 24 * time.Hour}, {'D', 24 * time.Hour}}
	timeUnits = []isoUnit{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}
)

type isoUnit struct {
	designator byte
	size       time.Duration
}

// ParseISODuration parses ISO 8601 durations without years and months, like
// P1D, P2W, PT1H30M or PT0.5S. Only seconds may have a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(dur, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, dur)
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, fmt.Errorf("%w: %q: no time components after T", ErrISOFormat, dur)
	}

	d1, err := sumUnits(date, dateUnits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, dur, err)
	}
	d2, err := sumUnits(clock, timeUnits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, dur, err)
	}
	return d1 + d2, nil
}

// sumUnits reads <number><designator> pairs of s. Each designator can be
// used once and in the order of units.
func sumUnits(s string, units []isoUnit) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		end := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if end <= 0 {
			return 0, errors.New("expected a number")
		}
		num, designator := s[:end], s[end]
		s = s[end+1:]

		idx := slices.IndexFunc(units, func(u isoUnit) bool { return u.designator == designator })
		if idx < 0 {
			return 0, fmt.Errorf("unexpected designator %c", designator)
		}
		unit := units[idx]
		units = units[idx+1:]

		if unit.designator != 'S' && strings.ContainsAny(num, ".,") {
			return 0, errors.New("fraction is allowed for seconds only")
		}
		v, err := strconv.ParseFloat(strings.Replace(num, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", num, err)
		}
		part := v * float64(unit.size)
		if part > math.MaxInt64-float64(total) {
			return 0, errors.New("duration overflows")
		}
		total += time.Duration(math.Round(part))
	}
	return total, nil
}
