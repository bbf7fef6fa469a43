package esi

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Headers is a case-insensitive, insertion-order-preserving mapping from
// header name to value, per spec §9 ("Headers as case-insensitive
// mappings... canonicalize to lowercase on read").
//
// The zero value is not usable; construct with NewHeaders.
type Headers struct {
	m *orderedmap.OrderedMap[string, string]
}

// NewHeaders returns an empty Headers map.
func NewHeaders() Headers {
	return Headers{m: orderedmap.New[string, string]()}
}

// HeadersFromMap builds a Headers map from a plain map, in unspecified
// iteration order (callers that care about order should build with Set).
func HeadersFromMap(src map[string]string) Headers {
	h := NewHeaders()
	for k, v := range src {
		h.Set(k, v)
	}
	return h
}

// Set assigns value to the lowercased form of name, overwriting any prior
// value for the same header (case-insensitively) while preserving the
// position of the first insertion.
func (h Headers) Set(name, value string) {
	h.m.Set(strings.ToLower(name), value)
}

// Get returns the value for name (case-insensitive) and whether it was
// present.
func (h Headers) Get(name string) (string, bool) {
	return h.m.Get(strings.ToLower(name))
}

// Delete removes name (case-insensitive) if present.
func (h Headers) Delete(name string) {
	h.m.Delete(strings.ToLower(name))
}

// Len returns the number of headers.
func (h Headers) Len() int {
	if h.m == nil {
		return 0
	}
	return h.m.Len()
}

// Range calls f for each header in insertion order. Stops early if f
// returns false.
func (h Headers) Range(f func(name, value string) bool) {
	if h.m == nil {
		return
	}
	for pair := h.m.Oldest(); pair != nil; pair = pair.Next() {
		if !f(pair.Key, pair.Value) {
			return
		}
	}
}

// Clone returns an independent copy of h.
func (h Headers) Clone() Headers {
	out := NewHeaders()
	h.Range(func(name, value string) bool {
		out.Set(name, value)
		return true
	})
	return out
}

// Overlay returns a new Headers combining h with over, where over's values
// win on conflict. Used to realize spec §4.3's "begin with default_headers,
// overlay options.headers" construction.
func (h Headers) Overlay(over Headers) Headers {
	out := h.Clone()
	over.Range(func(name, value string) bool {
		out.Set(name, value)
		return true
	})
	return out
}

// ToMap returns a plain map[string]string snapshot (lowercased keys).
func (h Headers) ToMap() map[string]string {
	out := make(map[string]string, h.Len())
	h.Range(func(name, value string) bool {
		out[name] = value
		return true
	})
	return out
}

// defaultStripHeaders is the default value of the strip_headers
// configuration option (spec §6).
var defaultStripHeaders = []string{
	"access-control-allow-credentials",
	"access-control-allow-headers",
	"access-control-allow-methods",
	"access-control-allow-origin",
	"access-control-expose-headers",
	"access-control-max-age",
	"strict-transport-security",
}

// stripHeaders removes every header listed in strip (already expected
// lowercase, per spec §9) from h, in place.
func stripHeaders(h Headers, strip []string) {
	for _, name := range strip {
		h.Delete(name)
	}
}

// commonHeaders computes the intersection of name/value pairs present
// identically across every Response's headers (spec §4.5 step 5), used
// both to build a merged Response's headers and as the page-split
// detector (a page regenerated mid-fetch will disagree on at least
// "expires").
func commonHeaders(responses []Response) Headers {
	out := NewHeaders()
	if len(responses) == 0 {
		return out
	}
	responses[0].Headers.Range(func(name, value string) bool {
		for _, other := range responses[1:] {
			ov, ok := other.Headers.Get(name)
			if !ok || ov != value {
				return true // not common; skip this header
			}
		}
		out.Set(name, value)
		return true
	})
	return out
}
