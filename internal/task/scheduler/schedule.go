package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// minInterval keeps housekeeping jobs from running back to back.
const minInterval = time.Minute

// cronParser accepts 5-field specs, 6-field specs with seconds, and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a configured schedule into a cron spec for the
// service's timezone:
//
//	"30 3 * * *", "@daily"  cron expression or descriptor, as is
//	"03:30"                 every day at 03:30 ("30 3 * * *")
//	"6h", "@every 6h"       fixed interval ("@every 6h0m0s"), at least a minute
//
// HH:MM is a time of day, the same as the publish window bounds.
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@every"):
		return parseEvery(strings.TrimSpace(strings.TrimPrefix(s, "@every")))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		if _, err := cronParser.Parse(s); err != nil {
			return "", fmt.Errorf("invalid cron %q: %w", s, err)
		}
		return s, nil
	case strings.Contains(s, ":"):
		return parseDaily(s)
	default:
		return parseEvery(s)
	}
}

func parseDaily(s string) (string, error) {
	hh, mm, ok := strings.Cut(s, ":")
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if !ok || herr != nil || merr != nil || len(mm) != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return "", fmt.Errorf("invalid time of day %q (want HH:MM, 00:00-23:59)", s)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func parseEvery(s string) (string, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '30 3 * * *', a time of day like '03:30', or an interval like '6h')", s)
	}
	if d < minInterval {
		return "", fmt.Errorf("interval %s is shorter than %s", d, minInterval)
	}
	return "@every " + d.String(), nil
}
