package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseSchedule 解析时间间隔（如 "2h"）或 5 段 cron 表达式；
// 空值使用 def，"off" 表示不调度。日与星期两段都受限时按标准 cron 取并集。
func parseSchedule(value, def string) (time.Duration, *cronSchedule, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = def
	}
	if strings.EqualFold(trimmed, "off") {
		return 0, nil, nil
	}
	if d, err := time.ParseDuration(trimmed); err == nil {
		if d <= 0 {
			return 0, nil, fmt.Errorf("interval must be positive: %s", trimmed)
		}
		return d, nil, nil
	}
	schedule, err := parseCronSpec(trimmed)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid schedule %q: %w", trimmed, err)
	}
	return 0, schedule, nil
}

type cronSchedule struct {
	minutes map[int]struct{}
	hours   map[int]struct{}
	doms    map[int]struct{}
	months  map[int]struct{}
	dows    map[int]struct{}
	// 以 * 开头的日/星期字段不参与并集判断
	domAny bool
	dowAny bool
}

func parseCronSpec(spec string) (*cronSchedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron spec must have 5 fields")
	}

	minutes, err := parseCronField(parts[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minutes: %w", err)
	}
	hours, err := parseCronField(parts[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hours: %w", err)
	}
	doms, err := parseCronField(parts[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month: %w", err)
	}
	months, err := parseCronField(parts[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}
	dows, err := parseCronField(parts[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week: %w", err)
	}

	return &cronSchedule{
		minutes: minutes,
		hours:   hours,
		doms:    doms,
		months:  months,
		dows:    dows,
		domAny:  strings.HasPrefix(parts[2], "*"),
		dowAny:  strings.HasPrefix(parts[4], "*"),
	}, nil
}

func parseCronField(expr string, min, max int) (map[int]struct{}, error) {
	result := make(map[int]struct{})
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty field")
	}
	parts := strings.Split(expr, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid step %s", part)
			}
			step = v
			part = base
		}
		lo, hi := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var errA, errB error
			lo, errA = strconv.Atoi(a)
			hi, errB = strconv.Atoi(b)
			if errA != nil || errB != nil || lo < min || hi > max || lo > hi {
				return nil, fmt.Errorf("invalid range %s", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < min || v > max {
				return nil, fmt.Errorf("invalid value %s", part)
			}
			lo = v
			if step == 1 {
				hi = v
			}
		}
		for i := lo; i <= hi; i += step {
			result[i] = struct{}{}
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no values parsed")
	}
	return result, nil
}

func (c *cronSchedule) matches(t time.Time) bool {
	if _, ok := c.minutes[t.Minute()]; !ok {
		return false
	}
	if _, ok := c.hours[t.Hour()]; !ok {
		return false
	}
	if _, ok := c.months[int(t.Month())]; !ok {
		return false
	}
	_, domOK := c.doms[t.Day()]
	_, dowOK := c.dows[int(t.Weekday())]
	if !c.domAny && !c.dowAny {
		return domOK || dowOK
	}
	return domOK && dowOK
}

func (c *cronSchedule) next(after time.Time) (time.Time, error) {
	start := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 525600; i++ { // up to one year of minutes
		candidate := start.Add(time.Duration(i) * time.Minute)
		if c.matches(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching time found")
}
