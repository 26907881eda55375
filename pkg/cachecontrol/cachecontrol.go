// Package cachecontrol parses the subset of HTTP Cache-Control directives
// that metacache understands.
//
// Parsing never fails: unknown directives are kept, and a value that is not a
// base-10 integer is kept raw so the caller can decide whether that matters.
package cachecontrol

import (
	"sort"
	"strconv"
	"strings"
)

// Directive names recognised by metacache.
const (
	MaxAge               = "max-age"
	StaleWhileRevalidate = "stale-while-revalidate"
	NoCache              = "no-cache"
	NoStore              = "no-store"
)

// Directive is one parsed token.
type Directive struct {
	Raw   string // text after '=', empty for flags
	Value int64  // parsed Raw when Valid
	Flag  bool   // token had no '='
	Valid bool   // Raw is an unsigned base-10 integer
}

// Directives maps lower-cased directive names to their parsed form.
type Directives map[string]Directive

// Parse splits s on commas and each token on its first '='.
func Parse(s string) Directives {
	d := Directives{}
	for tok := range strings.SplitSeq(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, raw, hasValue := strings.Cut(tok, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !hasValue {
			d[name] = Directive{Flag: true}
			continue
		}
		raw = strings.Trim(strings.TrimSpace(raw), `"`)
		d[name] = parseValue(raw)
	}
	return d
}

// parseValue accepts unsigned base-10 integers only; a leading sign is invalid.
func parseValue(raw string) Directive {
	if raw == "" || raw[0] < '0' || raw[0] > '9' {
		return Directive{Raw: raw}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Directive{Raw: raw}
	}
	return Directive{Raw: raw, Value: n, Valid: true}
}

// Has reports whether the directive was present in any form.
func (d Directives) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// Seconds returns the integer value of a key-value directive.
// ok is false when the directive is absent, a flag, or not an integer.
func (d Directives) Seconds(name string) (n int64, ok bool) {
	v, found := d[name]
	if !found || v.Flag || !v.Valid {
		return 0, false
	}
	return v.Value, true
}

// NoCache reports whether no-cache was present.
func (d Directives) NoCache() bool { return d.Has(NoCache) }

// NoStore reports whether no-store was present.
func (d Directives) NoStore() bool { return d.Has(NoStore) }

// MaxAge returns max-age in seconds.
func (d Directives) MaxAge() (int64, bool) { return d.Seconds(MaxAge) }

// StaleWhileRevalidate returns stale-while-revalidate in seconds.
func (d Directives) StaleWhileRevalidate() (int64, bool) { return d.Seconds(StaleWhileRevalidate) }

// String renders the directives sorted by name.
func (d Directives) String() string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		if v := d[name]; !v.Flag {
			b.WriteByte('=')
			b.WriteString(v.Raw)
		}
	}
	return b.String()
}
