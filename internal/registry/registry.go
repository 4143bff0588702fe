// Package registry tracks the live VM instances of the daemon.
//
// The registry never keeps a VM alive by itself. Each instance lives in an
// arena slot together with a count of the Handles referring to it; when the
// last Handle is released the instance is killed and its slot becomes
// reclaimable. Debug holds are ordinary Handles kept by the registry.
package registry

import (
	"log/slog"
	"sync"

	"github.com/jbweber/kiln/internal/cid"
	"github.com/jbweber/kiln/internal/instance"
	"github.com/jbweber/kiln/internal/logging"
)

type entry struct {
	inst *instance.Instance
	refs int
}

// Registry is the set of live instances.
type Registry struct {
	mu         sync.Mutex
	slots      []*entry
	free       []int
	debugHolds []*Handle
	allocator  *cid.Allocator
	logger     *slog.Logger
}

// New returns an empty registry allocating CIDs with allocator.
func New(allocator *cid.Allocator, logger *slog.Logger) *Registry {
	return &Registry{allocator: allocator, logger: logging.Ensure(logger)}
}

// Txn is the view of the registry inside Update.
type Txn struct {
	r *Registry
}

// Update runs fn with the registry locked. CID allocation and insertion
// happen inside one Update so a CID is never handed out twice.
func (r *Registry) Update(fn func(txn *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Txn{r: r})
}

// NextCID allocates a CID.
func (t *Txn) NextCID() (uint32, error) {
	return t.r.allocator.Next()
}

// Add inserts inst and returns the first strong Handle to it. Slots whose
// instances are no longer referenced are reclaimed first.
func (t *Txn) Add(inst *instance.Instance) *Handle {
	r := t.r
	r.pruneLocked()

	e := &entry{inst: inst, refs: 1}
	slot := len(r.slots)
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[slot] = e
	} else {
		r.slots = append(r.slots, e)
	}
	return &Handle{r: r, slot: slot, entry: e}
}

// pruneLocked frees the slots of unreferenced instances.
func (r *Registry) pruneLocked() {
	for i, e := range r.slots {
		if e != nil && e.refs == 0 {
			r.slots[i] = nil
			r.free = append(r.free, i)
		}
	}
}

// List returns every instance that is still referenced.
func (r *Registry) List() []*instance.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*instance.Instance
	for _, e := range r.slots {
		if e != nil && e.refs > 0 {
			out = append(out, e.inst)
		}
	}
	return out
}

// Lookup returns the referenced instance with the given CID.
func (r *Registry) Lookup(cid uint32) (*instance.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.slots {
		if e != nil && e.refs > 0 && e.inst.CID() == cid {
			return e.inst, true
		}
	}
	return nil, false
}

// Len returns the number of referenced instances.
func (r *Registry) Len() int {
	return len(r.List())
}

// DebugHold keeps a clone of h alive until DebugRelease.
func (r *Registry) DebugHold(h *Handle) {
	clone := h.Clone()
	r.mu.Lock()
	r.debugHolds = append(r.debugHolds, clone)
	r.mu.Unlock()
}

// DebugRelease removes the debug hold on the VM with the given CID and
// returns it; the caller owns the returned Handle. It returns nil if no
// hold exists.
func (r *Registry) DebugRelease(cid uint32) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.debugHolds {
		if h.entry.inst.CID() == cid {
			r.debugHolds = append(r.debugHolds[:i], r.debugHolds[i+1:]...)
			return h
		}
	}
	return nil
}

// Handle is a strong reference to an instance. Handles must be released;
// releasing the last one kills the VM.
type Handle struct {
	r     *Registry
	slot  int
	entry *entry

	once sync.Once
}

// Instance returns the referenced instance.
func (h *Handle) Instance() *instance.Instance {
	return h.entry.inst
}

// CID returns the CID of the referenced instance.
func (h *Handle) CID() uint32 {
	return h.entry.inst.CID()
}

// Clone returns a new Handle to the same instance.
func (h *Handle) Clone() *Handle {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.entry.refs++
	return &Handle{r: h.r, slot: h.slot, entry: h.entry}
}

// Release drops this reference. It is idempotent per Handle. When the last
// reference goes away the instance is killed, outside the registry lock.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.mu.Lock()
		h.entry.refs--
		last := h.entry.refs == 0
		h.r.mu.Unlock()

		if !last {
			return
		}
		inst := h.entry.inst
		h.r.logger.Debug("Last reference released, killing VM", "cid", inst.CID())
		if err := inst.Kill(); err != nil {
			h.r.logger.Error("Failed to kill unreferenced VM", "cid", inst.CID(), "error", err)
		}
	})
}
