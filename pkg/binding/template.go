package binding

// Placeholder grammar for operation templates.
//
// A template is a URL containing zero or more placeholders of the form
// (KEY). A placeholder sitting in value position, =(KEY), marks the template
// as parameterized: substituted values are then URL-encoded, since they land
// inside a query string. Substitution precedence is fixed: datastream
// locations first, then user parameters, then stripping of unresolved
// optional query segments. A replacement may itself end in +(KEY), re-opening
// the same placeholder so the next value for a multi-valued key appends after
// a + separator.

import (
	"net/url"
	"strings"
)

// placeholder returns the literal text of KEY's placeholder.
func placeholder(key string) string { return "(" + key + ")" }

// isParameterized reports whether the template carries any value-position
// placeholder. Replacements into a parameterized template are URL-encoded.
func isParameterized(tmpl string) bool { return strings.Contains(tmpl, "=(") }

// substitute replaces every (key) placeholder in tmpl with value. When encode
// is set the value is query-escaped before insertion.
func substitute(tmpl, key, value string, encode bool) string {
	if encode {
		value = url.QueryEscape(value)
	}
	return strings.ReplaceAll(tmpl, placeholder(key), value)
}

// hasPlaceholder reports whether (key) still occurs in tmpl.
func hasPlaceholder(tmpl, key string) bool {
	return strings.Contains(tmpl, placeholder(key))
}

// substituteMulti is substitute for a bind key with more values to come: the
// replacement re-opens its own placeholder behind a + so the next value joins
// the list. Multi-valued replacements are never encoded mid-sequence; encoding
// of the joined list happens on the final value.
func substituteMulti(tmpl, key, value string, encode bool) string {
	if encode {
		value = url.QueryEscape(value)
	}
	return strings.ReplaceAll(tmpl, placeholder(key), value+"+"+placeholder(key))
}

// stripUnresolved drops, from the query part of tmpl, every segment whose
// value is still an unsubstituted placeholder for one of the named optional
// parameters. Segments of required parameters are left in place so the final
// completeness check can fail loudly.
func stripUnresolved(tmpl string, optional map[string]bool) string {
	qm := strings.Index(tmpl, "?")
	if qm < 0 {
		return tmpl
	}
	base, query := tmpl[:qm], tmpl[qm+1:]
	segments := strings.Split(query, "&")
	kept := segments[:0]
	for _, seg := range segments {
		if unresolvedOptional(seg, optional) {
			continue
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}

func unresolvedOptional(segment string, optional map[string]bool) bool {
	if !strings.HasSuffix(segment, ")") {
		return false
	}
	eq := strings.Index(segment, "=(")
	if eq < 0 {
		return false
	}
	key := segment[eq+2 : len(segment)-1]
	return optional[key]
}

// firstUnresolved returns the key of the first remaining placeholder, if any.
func firstUnresolved(tmpl string) (string, bool) {
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '(' {
			continue
		}
		end := strings.IndexByte(tmpl[i:], ')')
		if end < 0 {
			return "", false
		}
		key := tmpl[i+1 : i+end]
		if key != "" && !strings.ContainsAny(key, "()/ ") {
			return key, true
		}
	}
	return "", false
}
