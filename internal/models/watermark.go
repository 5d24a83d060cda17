package models

import (
	"sort"
	"strings"
)

// Watermark is the set of signal identities a peer has already consumed.
// It is returned to the store on every poll so consumed signals are
// excluded from the next response.
type Watermark map[string]struct{}

// ParseWatermark decodes the comma-joined wire form. Empty input yields an
// empty (non-nil) watermark.
func ParseWatermark(s string) Watermark {
	w := make(Watermark)
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			w[id] = struct{}{}
		}
	}
	return w
}

// Encode renders the watermark for the wire, sorted for stable output.
func (w Watermark) Encode() string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Contains reports whether the identity was already consumed.
func (w Watermark) Contains(id string) bool {
	_, ok := w[id]
	return ok
}

// Add records a newly observed identity.
func (w Watermark) Add(id string) {
	w[id] = struct{}{}
}

// Clone returns an independent copy.
func (w Watermark) Clone() Watermark {
	out := make(Watermark, len(w))
	for id := range w {
		out[id] = struct{}{}
	}
	return out
}
