package ringfile

// Builder is the opaque external ring-builder contract (spec §3, §9): a
// mutable structure owning the partition-assignment algorithm. This package
// never reimplements that algorithm; it only calls through this interface.
// stubBuilder (stub_builder.go) is a local gob-encoded stand-in used where no real
// builder library is linked, preserving the exact contract so the rest of
// the orchestrator can be exercised end to end.
type Builder interface {
	// Devs returns the device list in builder order. A nil entry is a hole
	// and must be skipped by callers.
	Devs() []*Device

	// DevsChanged reports whether device membership changed since the last
	// Rebalance call.
	DevsChanged() bool

	// MinPartHours is the minimum number of hours that must elapse between
	// reassignments of any given partition.
	MinPartHours() int

	// Parts is the total partition count.
	Parts() int

	// LastPartMovesEpoch is the unix-seconds timestamp of the last
	// partition reassignment.
	LastPartMovesEpoch() int64

	// GetBalance returns the current balance metric; lower is better.
	GetBalance() float64

	// Rebalance recomputes partition assignment. partsMoved is the number
	// of partitions reassigned; newBalance is the balance after rebalance.
	Rebalance() (partsMoved int, newBalance float64, err error)

	// SetDevWeight sets the current weight of the device with the given id.
	// A no-op if no device with that id exists.
	SetDevWeight(id int, w float64)

	// GetRing produces the immutable Ring implied by the current device
	// weights and assignment.
	GetRing() Ring

	// ToDict returns an opaque snapshot suitable for serialization by Save.
	ToDict() map[string]interface{}

	// Save serializes the builder to path in whatever binary format the
	// external builder library uses. The core treats this as opaque bytes;
	// only its digest matters.
	Save(path string) error
}

// Ring is the opaque external ring contract (spec §3): an immutable
// partition→devices lookup table generated from a Builder.
type Ring interface {
	// Devs returns the full device list backing this ring.
	Devs() []*Device

	// GetPartNodes returns the replicas responsible for a partition.
	GetPartNodes(partition int) []*Device

	// Save serializes the ring to path in whatever binary format the
	// external builder library uses. The core treats this as opaque bytes;
	// only its digest matters.
	Save(path string) error
}
