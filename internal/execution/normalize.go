package execution

import (
	"fmt"
	"strings"
	"sync"
)

// SymbolMap translates between canonical symbols ("BTC-USD") and the venue's
// own format ("BTCUSD"). Every registered mapping is reversible; lookups for
// unregistered symbols fall back to a rule that round-trips for equities and
// the common crypto pairs.
type SymbolMap struct {
	mu          sync.RWMutex
	toVenue     map[string]string
	toCanonical map[string]string
}

func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		toVenue:     map[string]string{},
		toCanonical: map[string]string{},
	}
}

// Register pins a canonical/venue pair. Conflicting registrations error so a
// venue symbol can never map back to two canonical names.
func (m *SymbolMap) Register(canonical, venue string) error {
	canonical = strings.ToUpper(canonical)
	venue = strings.ToUpper(venue)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.toVenue[canonical]; ok && v != venue {
		return fmt.Errorf("symbol %s already maps to venue %s", canonical, v)
	}
	if c, ok := m.toCanonical[venue]; ok && c != canonical {
		return fmt.Errorf("venue symbol %s already maps to %s", venue, c)
	}
	m.toVenue[canonical] = venue
	m.toCanonical[venue] = canonical
	return nil
}

// ToVenue converts a canonical symbol to venue form.
func (m *SymbolMap) ToVenue(canonical string) string {
	canonical = strings.ToUpper(canonical)

	m.mu.RLock()
	v, ok := m.toVenue[canonical]
	m.mu.RUnlock()
	if ok {
		return v
	}

	// Crypto pairs drop the dash; everything else passes through. The result
	// is memoized so the reverse lookup stays exact.
	venue := strings.ReplaceAll(canonical, "-", "")
	m.mu.Lock()
	if _, exists := m.toCanonical[venue]; !exists {
		m.toVenue[canonical] = venue
		m.toCanonical[venue] = canonical
	}
	m.mu.Unlock()
	return venue
}

// ToCanonical converts a venue symbol back to canonical form.
func (m *SymbolMap) ToCanonical(venue string) string {
	venue = strings.ToUpper(venue)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.toCanonical[venue]; ok {
		return c
	}
	return venue
}
