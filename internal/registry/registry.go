// Package registry keeps per-node state for every meter node heard on the
// radio network, in a small fixed-capacity table.
package registry

import (
	"errors"
	"fmt"
)

// NodeID is a radio address. 0 marks an empty slot and 255 is broadcast.
type NodeID uint8

const (
	EmptyID     NodeID = 0
	BroadcastID NodeID = 255
	// AllNodes selects every occupied slot in snapshot requests.
	AllNodes NodeID = 254

	DefaultCapacity = 5
)

var (
	ErrRegistryFull  = errors.New("registry: full")
	ErrInvalidNodeID = errors.New("registry: invalid node id")
	ErrUnknownNode   = errors.New("registry: unknown node")
)

// Valid reports whether id can be assigned to a node.
func (id NodeID) Valid() bool {
	return id != EmptyID && id != BroadcastID
}

// Node is the gateway's view of one meter node.
type Node struct {
	ID NodeID

	BatteryMV  uint16
	UptimeSecs uint32
	SleptSecs  uint32
	FreeRAM    uint16
	LastSeen   Optional[uint32]
	LastRSSI   int8

	// DriftSecs is gateway time minus node time at the last ping.
	DriftSecs int64

	IntervalMins    uint8
	ImpPerKWh       uint16
	LastEntryFinish uint32
	MeterValue      uint32
	CurrentRMS      float64
	LEDRate         uint8
	LEDDurationMS   uint16

	Pending Pending
}

// Occupied reports whether the slot holds a node.
func (n *Node) Occupied() bool {
	return n.ID != EmptyID
}

// Registry is a fixed-capacity slot table. It is owned by the gateway loop
// and is not safe for concurrent use.
type Registry struct {
	slots []Node
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{slots: make([]Node, capacity)}
}

func (r *Registry) Cap() int {
	return len(r.slots)
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Occupied() {
			n++
		}
	}
	return n
}

// IndexOf returns the slot index holding id, or -1.
func (r *Registry) IndexOf(id NodeID) int {
	if id == EmptyID {
		return -1
	}
	for i := range r.slots {
		if r.slots[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) Find(id NodeID) (*Node, bool) {
	ix := r.IndexOf(id)
	if ix < 0 {
		return nil, false
	}
	return &r.slots[ix], true
}

// FindOrCreate returns the node for id, claiming the first empty slot when it
// is not registered yet. A full table is left untouched.
func (r *Registry) FindOrCreate(id NodeID) (*Node, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNodeID, id)
	}
	if n, ok := r.Find(id); ok {
		return n, nil
	}
	for i := range r.slots {
		if !r.slots[i].Occupied() {
			r.slots[i] = Node{ID: id}
			return &r.slots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: cannot add node %d", ErrRegistryFull, id)
}

// Each calls fn for every occupied slot in slot order.
func (r *Registry) Each(fn func(n *Node)) {
	for i := range r.slots {
		if r.slots[i].Occupied() {
			fn(&r.slots[i])
		}
	}
}

// ForgetLastSeen marks every node's last-seen time unknown. Called whenever
// the clock is rebased.
func (r *Registry) ForgetLastSeen() {
	for i := range r.slots {
		r.slots[i].LastSeen.Clear()
	}
}

// Snapshot returns copies of the node with id, or of every occupied node when
// id is AllNodes.
func (r *Registry) Snapshot(id NodeID) ([]Node, error) {
	if id == AllNodes {
		out := make([]Node, 0, len(r.slots))
		r.Each(func(n *Node) { out = append(out, *n) })
		return out, nil
	}
	n, ok := r.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return []Node{*n}, nil
}
