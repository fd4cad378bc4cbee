package completion

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter interprets a Retry-After header value relative to now.
// Both forms are accepted: delay seconds ("2") and an HTTP date ("Mon, 02
// Jan 2006 15:04:05 GMT"), the latter converted to a delay and floored at
// zero so a past date never produces a negative wait. The second return
// is false when the value is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		delay := at.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}

	return 0, false
}
