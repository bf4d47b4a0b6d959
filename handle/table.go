package handle

import (
	"sync"
)

// Table pins managed values behind integer handles so they can be stored
// in native memory. Each handle is reference counted; the value is dropped
// when the count reaches zero.
type Table struct {
	entries   []entry
	freeList  []Handle
	observers []Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

type entry struct {
	value any
	refs  uint32
	valid bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert pins value with a reference count of one and returns its handle.
func (t *Table) Insert(value any) Handle {
	t.mu.Lock()
	e := entry{value: value, refs: 1, valid: true}
	var h Handle
	if len(t.freeList) > 0 {
		h = t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		t.entries[h-1] = e
	} else {
		t.entries = append(t.entries, e)
		h = Handle(len(t.entries))
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventPinned, Handle: h, Value: value, Refs: 1})
	return h
}

// Get retrieves a value by handle.
func (t *Table) Get(h Handle) (any, bool) {
	if h == 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := int(h) - 1
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return nil, false
	}
	return t.entries[idx].value, true
}

// Retain increments the reference count of h.
func (t *Table) Retain(h Handle) bool {
	if h == 0 {
		return false
	}
	t.mu.Lock()
	idx := int(h) - 1
	if idx >= len(t.entries) || !t.entries[idx].valid {
		t.mu.Unlock()
		return false
	}
	e := &t.entries[idx]
	e.refs++
	ev := Event{Type: EventRetained, Handle: h, Value: e.value, Refs: e.refs}
	t.mu.Unlock()

	t.notify(ev)
	return true
}

// Release decrements the reference count of h, dropping the value when it
// reaches zero. It reports whether h was valid.
func (t *Table) Release(h Handle) bool {
	if h == 0 {
		return false
	}
	t.mu.Lock()
	idx := int(h) - 1
	if idx >= len(t.entries) || !t.entries[idx].valid {
		t.mu.Unlock()
		return false
	}
	e := &t.entries[idx]
	e.refs--
	if e.refs > 0 {
		ev := Event{Type: EventRetained, Handle: h, Value: e.value, Refs: e.refs}
		t.mu.Unlock()
		t.notify(ev)
		return true
	}
	value := e.value
	*e = entry{}
	t.freeList = append(t.freeList, h)
	t.mu.Unlock()

	if d, ok := value.(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventReleased, Handle: h, Value: value})
	return true
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of pinned values.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.freeList)
}

// Clear releases every value regardless of its reference count.
func (t *Table) Clear() {
	// Collect handles first to avoid holding the lock while dropping
	t.mu.Lock()
	var handles []Handle
	for i := range t.entries {
		if t.entries[i].valid {
			t.entries[i].refs = 1
			handles = append(handles, Handle(i+1))
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.Release(h)
	}
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnHandleEvent(e)
	}
}
