/*
kind.go - Item kind registration and lookup

PURPOSE:
  Provides a registry for domain packages to register their item kinds.
  Stores persist kinds as strings; the registry turns them back into the
  concrete kinds without the generic package knowing about lab tests or
  drugs.

USAGE:
  // In returns/kinds.go
  func init() {
      generic.RegisterKind(KindLabTest)
      generic.RegisterKind(KindDrug)
  }

  // In a store
  kind := generic.GetOrCreateKind("drug") // returns returns.KindDrug

SEE ALSO:
  - types.go: ItemKind interface definition
  - returns/kinds.go: Concrete clinical kinds
*/
package generic

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// KIND REGISTRY
// =============================================================================

var (
	kindRegistry = make(map[string]ItemKind)
	registryMu   sync.RWMutex
)

// RegisterKind adds an item kind to the global registry.
// Call this from domain package init() functions.
func RegisterKind(k ItemKind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	kindRegistry[k.KindID()] = k
}

// LookupKind finds a registered kind by ID.
// Returns nil if not found.
func LookupKind(id string) ItemKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return kindRegistry[id]
}

// MustLookupKind finds a registered kind or panics.
func MustLookupKind(id string) ItemKind {
	k := LookupKind(id)
	if k == nil {
		panic(fmt.Sprintf("item kind not registered: %s", id))
	}
	return k
}

// ListKindsByFamily returns registered kinds of one family, sorted by ID.
func ListKindsByFamily(f Family) []ItemKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var result []ItemKind
	for _, k := range kindRegistry {
		if k.Family() == f {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].KindID() < result[j].KindID() })
	return result
}

// =============================================================================
// STRING KIND - For testing and fallback
// =============================================================================

// StringKind is a plain string-backed kind.
// Use only for testing or when the domain package is not loaded.
type StringKind struct {
	ID  string
	Fam Family
}

func (k StringKind) KindID() string { return k.ID }
func (k StringKind) Family() Family { return k.Fam }

// GetOrCreateKind looks up a kind, or falls back to a StringKind whose
// family is guessed from the ID.
func GetOrCreateKind(id string) ItemKind {
	if k := LookupKind(id); k != nil {
		return k
	}
	switch Family(id) {
	case FamilyTherapy, FamilyDrug:
		return StringKind{ID: id, Fam: Family(id)}
	}
	return StringKind{ID: id, Fam: FamilyLRP}
}
