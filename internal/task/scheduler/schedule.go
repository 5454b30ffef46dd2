package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5 or 6 field specs and descriptors like "@hourly".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed job schedule: exactly one of Cron and Every is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) IsCron() bool { return s.Cron != "" }

func (s Schedule) String() string {
	if s.IsCron() {
		return "cron " + s.Cron
	}
	return "every " + s.Every.String()
}

// ParseSchedule reads the forms accepted by config:
//
//	"*/5 * * * *", "@daily", "cron: 0 3 * * *"  cron
//	"5m", "every: 5m", "interval: 5m"           fixed interval
//	"02:30"                                     fixed interval of 2h30m
//
// Cron expressions are checked here so bad config fails at load time.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		return parseCron(rest)
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			d, err := parseEvery(rest)
			return Schedule{Every: d}, err
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCron(s)
	}
	d, err := parseEvery(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: want cron (\"0 3 * * *\"), HH:MM (\"02:30\") or a duration (\"55m\")", raw)
	}
	return Schedule{Every: d}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, errors.New("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Schedule{Cron: expr}, nil
}

// parseEvery accepts a Go duration or HH:MM, and rejects anything not positive.
func parseEvery(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("interval required")
	}
	var d time.Duration
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, errH := strconv.Atoi(hh)
		m, errM := strconv.Atoi(mm)
		if errH != nil || errM != nil || h < 0 || len(mm) != 2 || m > 59 {
			return 0, fmt.Errorf("invalid HH:MM %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}
