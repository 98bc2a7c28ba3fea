package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/senseyeio/duration"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// Duration is a time.Duration read from configuration.
// Besides Go durations ("90s", "1h30m") it accepts leading week and day units ("1w2d", "3d12h")
// and ISO-8601 durations ("P1DT12H").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// isoReference anchors calendar units of ISO-8601 durations, months and years have a fixed length from it
var isoReference = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func ParseDuration(s string) (Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if strings.HasPrefix(s, "P") {
		iso, err := duration.ParseISO8601(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", orig, err)
		}
		return Duration(iso.Shift(isoReference).Sub(isoReference)), nil
	}

	var total time.Duration
	for _, u := range []struct {
		suffix byte
		unit   time.Duration
	}{{'w', Week}, {'d', Day}} {
		i := 0
		for i < len(s) && '0' <= s[i] && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) || s[i] != u.suffix {
			continue
		}
		n, err := strconv.ParseInt(s[:i], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", orig, err)
		}
		total += time.Duration(n) * u.unit
		s = s[i+1:]
	}
	if s != "" {
		rest, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", orig, err)
		}
		total += rest
	}
	if total < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", orig)
	}
	return Duration(total), nil
}

func (d *Duration) UnmarshalText(s []byte) error {
	parsed, err := ParseDuration(string(s))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(s []byte) error {
	str, err := strconv.Unquote(string(s))
	if err != nil {
		return fmt.Errorf("failed to unquote duration string: %w", err)
	}
	return d.UnmarshalText([]byte(str))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// SetValue is used by cleanenv to read the duration from environment variables.
func (d *Duration) SetValue(s string) error {
	return d.UnmarshalText([]byte(s))
}
