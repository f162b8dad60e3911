package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ParseHeaders turns repeated "Name: Value" flags into an http.Header.
// Names and values are trimmed of surrounding whitespace; only the first
// colon separates name from value, so colons inside the value survive
// untouched. A flag without a colon, with an empty or spaced name, or with an
// empty value is rejected.
func ParseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	headers := make(http.Header)
	for _, entry := range raw {
		name, value, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: Value\"", entry)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, fmt.Errorf("invalid header %q: empty name", entry)
		}
		if strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("invalid header %q: name contains whitespace", entry)
		}
		if value == "" {
			return nil, fmt.Errorf("invalid header %q: empty value", entry)
		}
		headers.Add(name, value)
	}
	return headers, nil
}

// ParseKeyValues turns repeated "key=value" flags into a map. Values that
// parse as JSON keep their JSON type (numbers, booleans, objects, arrays);
// anything else stays a string, so bare words need no quoting.
func ParseKeyValues(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(raw))
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("invalid argument %q: expected \"key=value\"", entry)
		}
		if key == "" {
			return nil, fmt.Errorf("invalid argument %q: empty key", entry)
		}

		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		out[key] = parsed
	}
	return out, nil
}

// ParseStringMap turns repeated "key=value" flags into a string map, with no
// JSON interpretation.
func ParseStringMap(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid argument %q: expected \"key=value\"", entry)
		}
		out[key] = value
	}
	return out, nil
}

func isURL(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}
