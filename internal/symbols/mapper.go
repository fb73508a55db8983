package symbols

import "strings"

// Map translates between canonical symbols and venue-specific spellings.
// It is built once from configuration and read-only afterwards, so it is
// safe for concurrent use without locking.
type Map struct {
	toVenue     map[string]map[string]string
	toCanonical map[string]map[string]string
}

// NewMap builds a Map from venue → canonical → venue-symbol configuration.
func NewMap(cfg map[string]map[string]string) *Map {
	m := &Map{
		toVenue:     make(map[string]map[string]string, len(cfg)),
		toCanonical: make(map[string]map[string]string, len(cfg)),
	}
	for venue, pairs := range cfg {
		venue = strings.ToLower(venue)
		m.toVenue[venue] = make(map[string]string, len(pairs))
		m.toCanonical[venue] = make(map[string]string, len(pairs))
		for canonical, venueSym := range pairs {
			m.toVenue[venue][canonical] = venueSym
			m.toCanonical[venue][normalizeSpelling(venue, venueSym)] = canonical
		}
	}
	return m
}

// VenueSymbol returns the venue-specific spelling for a canonical symbol.
func (m *Map) VenueSymbol(venue, canonical string) (string, bool) {
	pairs, ok := m.toVenue[strings.ToLower(venue)]
	if !ok {
		return "", false
	}
	sym, ok := pairs[canonical]
	return sym, ok
}

// Canonical returns the canonical symbol for a venue-specific spelling.
// Unmapped spellings report false; callers treat that as a parse failure
// rather than guessing.
func (m *Map) Canonical(venue, venueSym string) (string, bool) {
	venue = strings.ToLower(venue)
	pairs, ok := m.toCanonical[venue]
	if !ok {
		return "", false
	}
	canonical, ok := pairs[normalizeSpelling(venue, venueSym)]
	return canonical, ok
}

// VenueSymbols returns every venue spelling configured for a venue.
func (m *Map) VenueSymbols(venue string) []string {
	pairs := m.toVenue[strings.ToLower(venue)]
	out := make([]string, 0, len(pairs))
	for _, sym := range pairs {
		out = append(out, sym)
	}
	return out
}

// normalizeSpelling collapses venue quirks so that lookups tolerate the
// variants a venue emits for the same instrument. Derivative suffixes and
// separators differ between subscription names and stream payloads.
func normalizeSpelling(venue, sym string) string {
	sym = strings.ToUpper(sym)
	switch venue {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}
