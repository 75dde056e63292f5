package manager

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var intervalPattern = regexp.MustCompile(`^(\d+)\s*(second|minute|hour|day)s?$`)

// ParseInterval parses a host-supplied interval. Accepted forms are
// "N second|minute|hour|day" (singular or plural) and a bare number,
// which is interpreted as minutes. Go duration syntax ("90s", "1h30m")
// is accepted too.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be positive: %d", n)
		}
		return time.Duration(n) * time.Minute, nil
	}

	if m := intervalPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		var unit time.Duration
		switch m[2] {
		case "second":
			unit = time.Second
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		return time.Duration(n) * unit, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval %q", s)
}
