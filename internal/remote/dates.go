package remote

import (
	"fmt"
	"strings"
	"time"
)

// layouts accepted for API timestamps, tried in order after RFC3339Nano
var layouts = []string{
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// OutputLayout is the format used when sending timestamps to the API
const OutputLayout = "2006-01-02T15:04:05+00:00"

// ParseTime parses an API timestamp. Values without an explicit zone are
// taken as UTC. The result is always in UTC.
func ParseTime(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("remote: empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("remote: unrecognized timestamp %q", value)
}

// FormatTime renders t in the API output format
func FormatTime(t time.Time) string {
	return t.UTC().Format(OutputLayout)
}

// ParseHTTPDate parses an HTTP Date header such as
// "Mon, 02 Jan 2006 15:04:05 GMT".
func ParseHTTPDate(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("remote: empty date header")
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("remote: bad date header %q: %w", value, err)
	}
	return t.UTC(), nil
}
