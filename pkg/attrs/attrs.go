// Package attrs reads values back out of slog-style attribute lists, so a
// single argument list can feed both a log line and an audit event.
package attrs

import "log/slog"

// Lookup returns the value stored under key. attrs may mix alternating
// key/value pairs with slog.Attr elements, as slog's variadic APIs accept.
// The first match wins.
func Lookup(attrs []any, key string) (any, bool) {
	for i := 0; i < len(attrs); i++ {
		switch k := attrs[i].(type) {
		case slog.Attr:
			if k.Key == key {
				return k.Value.Any(), true
			}
		case string:
			if i+1 >= len(attrs) {
				return nil, false
			}
			if k == key {
				return attrs[i+1], true
			}
			i++
		}
	}
	return nil, false
}

// ExtractString returns the string stored under key, or "" when the key is
// absent or holds another type.
func ExtractString(attrs []any, key string) string {
	v, ok := Lookup(attrs, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
