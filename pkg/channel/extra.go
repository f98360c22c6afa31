package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtraString reads a string setting from a channel's extra map.
func ExtraString(extra map[string]any, key, fallback string) string {
	value, ok := extra[key]
	if !ok || value == nil {
		return fallback
	}

	text := strings.TrimSpace(fmt.Sprint(value))
	if text == "" {
		return fallback
	}
	return text
}

// ExtraInt reads an integer setting. JSON numbers decode as float64, so both
// numeric and string forms are accepted.
func ExtraInt(extra map[string]any, key string, fallback int) int {
	switch value := extra[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return fallback
}
