package dedup

import (
	"sync"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

// MemoryIndex is an in-process Index seeded from the catalog and updated after
// every commit. One index is shared by all runs of a process so concurrent
// sources see each other's products. It is safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	byKey   map[string]crawler.ProductRef
	byID    map[string]string   // product id -> identity key
	byBlock map[string][]string // block -> identity keys
}

// NewMemoryIndex builds an index over refs.
func NewMemoryIndex(refs []crawler.ProductRef) *MemoryIndex {
	idx := &MemoryIndex{
		byKey:   make(map[string]crawler.ProductRef, len(refs)),
		byID:    make(map[string]string, len(refs)),
		byBlock: make(map[string][]string),
	}
	for _, ref := range refs {
		idx.add(ref)
	}
	return idx
}

// Add inserts or replaces ref. A product that was already linked stays linked.
func (m *MemoryIndex) Add(ref crawler.ProductRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(ref)
}

// Merge adds every ref, typically a fresh catalog listing at run start.
func (m *MemoryIndex) Merge(refs []crawler.ProductRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		m.add(ref)
	}
}

// MarkLinked flags the product with the given id as linked. Unknown ids are ignored.
func (m *MemoryIndex) MarkLinked(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[productID]
	if !ok {
		return
	}
	ref := m.byKey[key]
	ref.Linked = true
	m.byKey[key] = ref
}

func (m *MemoryIndex) add(ref crawler.ProductRef) {
	key := crawler.IdentityKey(ref.Source, ref.NativeID)
	if old, ok := m.byKey[key]; ok {
		ref.Linked = ref.Linked || old.Linked
		m.removeFromBlock(key, old.TitleKey)
		if old.ID != ref.ID {
			delete(m.byID, old.ID)
		}
	}
	m.byKey[key] = ref
	m.byID[ref.ID] = key
	block := BlockKey(ref.TitleKey)
	m.byBlock[block] = append(m.byBlock[block], key)
}

func (m *MemoryIndex) removeFromBlock(key, titleKey string) {
	block := BlockKey(titleKey)
	keys := m.byBlock[block]
	for i, k := range keys {
		if k == key {
			m.byBlock[block] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(m.byBlock[block]) == 0 {
		delete(m.byBlock, block)
	}
}

// Lookup finds a product by identity key.
func (m *MemoryIndex) Lookup(identityKey string) (crawler.ProductRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byKey[identityKey]
	return ref, ok
}

// Candidates returns a copy of the products in a block.
func (m *MemoryIndex) Candidates(block string) []crawler.ProductRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byBlock[block]
	out := make([]crawler.ProductRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.byKey[k])
	}
	return out
}

// Len reports the number of indexed products.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}
