package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule of a periodic background task. Cron wins when both are set,
// a zero Schedule disables the task.
type Schedule struct {
	Cron     string `mapstructure:"cron" yaml:"cron,omitempty"`
	Duration string `mapstructure:"duration" yaml:"duration,omitempty"` // ISO 8601, e.g. PT5M
}

func (s Schedule) IsZero() bool {
	return strings.TrimSpace(s.Cron) == "" && strings.TrimSpace(s.Duration) == ""
}

func (s Schedule) Validate() error {
	if s.IsZero() {
		return nil
	}
	if strings.TrimSpace(s.Cron) != "" {
		_, err := ParseCron(s.Cron)
		return err
	}
	d, err := ParseISODuration(s.Duration)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrISOFormat)
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron accepts 5 field expressions and @ macros (@hourly, @every 5m).
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	sched, err := cronParser.Parse(e)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", e, err)
	}
	return sched, nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration handles the day and time parts of ISO 8601 durations.
// Years, months and weeks are rejected since their length is ambiguous.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, ErrISOFormat
	}
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		total += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		f, err := strconv.ParseFloat(strings.Replace(sec, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		total += time.Duration(f * float64(time.Second))
	}
	return total, nil
}
