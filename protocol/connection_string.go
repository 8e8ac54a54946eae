package protocol

import (
	"sort"
	"strings"
)

// ParseConnectionString parses `key=value; key2={nested; value}` pairs.
// Keys are case insensitive and returned lower cased. Braces group values
// that contain separators.
func ParseConnectionString(s string) map[string]string {
	out := make(map[string]string)

	var (
		depth int
		start int
	)

	flush := func(end int) {
		pair := strings.TrimSpace(s[start:end])
		start = end + 1

		if pair == "" {
			return
		}

		idx := strings.IndexByte(pair, '=')
		if idx < 1 {
			return
		}

		key := strings.ToLower(strings.TrimSpace(pair[:idx]))
		value := strings.TrimSpace(pair[idx+1:])

		if len(value) >= 2 && value[0] == '{' && value[len(value)-1] == '}' {
			value = value[1 : len(value)-1]
		}

		out[key] = value
	}

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ';':
			if depth == 0 {
				flush(i)
			}
		}
	}
	flush(len(s))

	return out
}

// FormatConnectionString is the inverse of ParseConnectionString. Keys are
// sorted so the output is stable.
func FormatConnectionString(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}

		v := settings[k]
		b.WriteString(k)
		b.WriteByte('=')

		if strings.ContainsAny(v, ";=") {
			b.WriteByte('{')
			b.WriteString(v)
			b.WriteByte('}')
		} else {
			b.WriteString(v)
		}
	}

	return b.String()
}
