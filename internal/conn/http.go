package conn

import "strings"

// splitResource strips the query string from an HTTP resource, returning
// the path and the raw query (spec.md §6 "Query-string parsing").
func splitResource(resource string) (path, query string) {
	if i := strings.IndexByte(resource, '?'); i >= 0 {
		return resource[:i], resource[i+1:]
	}
	return resource, ""
}

// parseQuery decodes a raw query string into name->value pairs. Each
// `name[=value]` pair is URL-decoded (percent-hex, no plus-as-space), per
// spec.md §6. A name with no `=value` maps to the empty string.
func parseQuery(query string) map[string]string {
	params := map[string]string{}
	if query == "" {
		return params
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		params[urlDecode(name)] = urlDecode(value)
	}
	return params
}

// urlDecode decodes percent-hex escapes only; '+' is left as a literal
// plus (spec.md §6: "no plus-as-space"), matching client.c's urldecode.
func urlDecode(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok := hexDigit(s[i+1]); ok {
				if lo, ok := hexDigit(s[i+2]); ok {
					out = append(out, hi<<4|lo)
					i += 2
					continue
				}
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// jsonEscape escapes '"' and '\\' only, per spec.md §6's status-document
// contract.
func jsonEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
