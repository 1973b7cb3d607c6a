package session

import (
	"strconv"
	"strings"
	"time"
)

// ParseActivity interprets the activity cookie value as epoch milliseconds.
// The second return is false when the value is absent or malformed; callers
// apply first-touch grace in that case rather than timing the user out.
func ParseActivity(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FormatActivity renders a timestamp the way the activity cookie stores it.
// The value stays readable by client-side UI timers, which is why the cookie
// is not HTTP-only.
func FormatActivity(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
