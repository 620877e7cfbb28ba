package pipeline

import (
	"regexp"
	"strings"
)

// sendWeatherPattern matches "send <Name> <rest>" where Name is a
// single token — the spec describes this as a simple, deterministic
// regex shortcut, not a full contact-name parser.
var sendWeatherPattern = regexp.MustCompile(`(?i)^send\s+([a-z][a-z'-]*)\s+(.+)$`)

var weekdayTokens = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// matchSendWeather reports whether message matches the deterministic
// "send <contact> the weather" shortcut and, if so, returns the
// candidate contact name and the forecast time token ("today",
// "tomorrow", a weekday name, or "today" when none is named).
func matchSendWeather(message string) (name, when string, ok bool) {
	m := sendWeatherPattern.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", "", false
	}
	rest := strings.ToLower(m[2])
	if !strings.Contains(rest, "weather") && !strings.Contains(rest, "forecast") {
		return "", "", false
	}
	when = extractWhen(rest)
	return m[1], when, true
}

func extractWhen(lower string) string {
	if strings.Contains(lower, "tomorrow") {
		return "tomorrow"
	}
	if strings.Contains(lower, "today") {
		return "today"
	}
	for _, d := range weekdayTokens {
		if strings.Contains(lower, d) {
			return d
		}
	}
	return "today"
}
