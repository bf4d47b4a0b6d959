package handle

// Handle is an opaque reference to a pinned managed value.
// Handle 0 is reserved and always invalid; it reads back as NULL.
type Handle uint32

// EventType identifies a table lifecycle notification.
type EventType uint8

const (
	EventPinned EventType = iota
	EventRetained
	EventReleased
)

// Event represents a lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Refs   uint32
	Type   EventType
}

// Observer receives notifications about table events.
type Observer interface {
	OnHandleEvent(Event)
}

// Dropper is optionally implemented by pinned values that need cleanup
// when their last reference is released.
type Dropper interface {
	Drop()
}
