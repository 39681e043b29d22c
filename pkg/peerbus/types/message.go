package types

// Unique identifier generated for every message accepted by the bus.
type UID string

// What kind of event a queue entry carries.
type EntryKind uint8

const (
	// An ordinary payload message, possibly transferring handles.
	KindMessage EntryKind = iota

	// A destruction notification: the node behind Destination is
	// dead and the id will never resolve again.
	KindNodeDestroy
)

// The committed view of a queue entry as a receiver observes it
// after a dequeue. Ids are local to the receiving peer.
type Delivery struct {
	// Which kind of event this is.
	Kind EntryKind

	// Message identifier, carried from the sender.
	Identifier UID

	// The receiver-local id of the handle naming the destination
	// node.
	Destination HandleID

	// The receiver-local id of the sender's reply handle, or
	// InvalidID when the sender supplied none.
	Source HandleID

	// Ids of the transferred handles, in transfer order. Slots whose
	// node died before the transaction committed hold InvalidID.
	Handles []HandleID

	// The payload range inside the receiver's pool. The receiver
	// must release it once consumed.
	Payload Slice

	// The even stamp this entry committed under.
	Stamp Stamp
}
