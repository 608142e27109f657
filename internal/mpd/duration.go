package mpd

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	rStart   = "^P"           // Must start with a 'P'
	rYears   = "(\\d+Y)?"     // Years, counted as 365 days
	rMonths  = "(\\d+M)?"     // Months, counted as 30 days
	rDays    = "(\\d+D)?"     // Days
	rTime    = "(?:T"         // If there's any 'time' units then they must be preceded by a 'T'
	rHours   = "(\\d+H)?"     // Hours
	rMinutes = "(\\d+M)?"     // Minutes
	rSeconds = "([\\d.]+S)?" // Seconds (Potentially decimal)
	rEnd     = ")?$"          // end of regex must close "T" capture group
)

var xmlDurationRegex = regexp.MustCompile(rStart + rYears + rMonths + rDays + rTime + rHours + rMinutes + rSeconds + rEnd)

// ParseDuration parses an xs:duration such as "PT1H2M3.5S" or "P1DT12H".
func ParseDuration(str string) (time.Duration, error) {
	str = strings.TrimSpace(str)
	if len(str) < 3 {
		return 0, errors.New("at least one number and designator are required")
	}

	if strings.Contains(str, "-") {
		return 0, errors.New("duration cannot be negative")
	}

	parts := xmlDurationRegex.FindStringSubmatch(str)
	if parts == nil || str == "PT" {
		return 0, fmt.Errorf("duration %q must be in the format P[nY][nM][nD][T[nH][nM][nS]]", str)
	}

	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"Y", 365 * 24 * time.Hour},
		{"M", 30 * 24 * time.Hour},
		{"D", 24 * time.Hour},
		{"H", time.Hour},
		{"M", time.Minute},
	}

	var total time.Duration
	for i, u := range units {
		p := parts[i+1]
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(p, u.suffix))
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", p, err)
		}
		total += time.Duration(n) * u.unit
	}

	if p := parts[6]; p != "" {
		secs, err := strconv.ParseFloat(strings.TrimSuffix(p, "S"), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing seconds %q: %w", p, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}

	return total, nil
}
