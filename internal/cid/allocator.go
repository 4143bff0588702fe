// Package cid allocates the virtual socket addresses (CIDs) that identify
// guest VMs.
//
// CIDs are handed out in strictly increasing order and the last one handed
// out is persisted before Next returns, so a daemon restart never hands out
// a CID that a still-running guest may hold.
package cid

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/jbweber/kiln/internal/logging"
)

const (
	// FirstGuestCID is the first CID handed out. Lower values are reserved
	// for the hypervisor, loopback and the host.
	FirstGuestCID uint32 = 10

	// LastCIDKey is the store key holding the last allocated CID.
	LastCIDKey = "kiln.state.last_cid"
)

// Store is the key/value store the allocator persists into.
//
// In production, this is satisfied by *kvstore.Badger.
// In tests, this is satisfied by *kvstore.Memory or a mock.
type Store interface {
	// Get returns the value under key; ok is false when absent.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key.
	Set(key, value string) error
}

// ExhaustedError is returned when the CID space has been used up.
type ExhaustedError struct {
	Last uint32
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("run out of CIDs (last allocated %d)", e.Last)
}

// Allocator hands out CIDs. It is not safe for concurrent use; callers
// serialize Next under their own lock.
type Allocator struct {
	store  Store
	logger *slog.Logger
}

// NewAllocator returns an allocator persisting into store.
func NewAllocator(store Store, logger *slog.Logger) *Allocator {
	return &Allocator{store: store, logger: logging.Ensure(logger)}
}

// Next returns the next CID and records it as the last allocated one.
//
// If nothing is stored yet, or the stored value cannot be parsed, Next
// starts over at FirstGuestCID. It returns *ExhaustedError when the stored
// value is already the largest CID.
func (a *Allocator) Next() (uint32, error) {
	val, ok, err := a.store.Get(LastCIDKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read last CID: %w", err)
	}

	next := FirstGuestCID
	if ok {
		last, parseErr := strconv.ParseUint(val, 10, 32)
		switch {
		case parseErr != nil:
			a.logger.Error("invalid last CID, starting over", "value", val, "first", FirstGuestCID)
		case last == math.MaxUint32:
			return 0, &ExhaustedError{Last: uint32(last)}
		default:
			next = uint32(last) + 1
		}
	}

	if err := a.store.Set(LastCIDKey, strconv.FormatUint(uint64(next), 10)); err != nil {
		return 0, fmt.Errorf("failed to persist last CID %d: %w", next, err)
	}
	return next, nil
}
