package cdata

import "sync"

// keyID names one node of a view tree inside its root's keep store.
type keyID uint32

const rootKey keyID = 1

// Reserved slots below the element indices of a node.
const (
	slotContents = -1 // object a pointer currently points at
	slotCast     = -2 // source object of a cast
	slotValue    = -3 // backing buffer or pin of a scalar's own value
)

// pathKey identifies a slot by its parent node and the index within it.
type pathKey struct {
	parent keyID
	index  int
}

// keepStore pins managed values reachable through a root buffer. It is
// created lazily on the root and shared by every view of that root.
type keepStore struct {
	ids  map[pathKey]keyID
	refs map[pathKey]any
	next keyID
	mu   sync.Mutex
}

func newKeepStore() *keepStore {
	return &keepStore{
		ids:  make(map[pathKey]keyID),
		refs: make(map[pathKey]any),
		next: rootKey + 1,
	}
}

// intern returns the node id of child index of parent, allocating one on first use.
func (k *keepStore) intern(parent keyID, index int) keyID {
	pk := pathKey{parent: parent, index: index}
	k.mu.Lock()
	defer k.mu.Unlock()
	if id, ok := k.ids[pk]; ok {
		return id
	}
	id := k.next
	k.next++
	k.ids[pk] = id
	return id
}

func (k *keepStore) put(node keyID, index int, v any) {
	pk := pathKey{parent: node, index: index}
	k.mu.Lock()
	defer k.mu.Unlock()
	if v == nil {
		delete(k.refs, pk)
		return
	}
	k.refs[pk] = v
}

func (k *keepStore) get(node keyID, index int) (any, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.refs[pathKey{parent: node, index: index}]
	return v, ok
}

func (k *keepStore) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.refs)
}
