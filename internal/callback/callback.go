// Package callback fans VM lifecycle events out to registered listeners.
package callback

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/logging"
)

// Listener receives the lifecycle events of one VM. An error returned by a
// listener is logged and does not stop delivery to other listeners.
//
// The stream passed to OnStdio is closed after delivery; a listener that
// keeps it must duplicate it.
type Listener interface {
	OnPayloadStarted(cid uint32) error
	OnPayloadReady(cid uint32) error
	OnPayloadFinished(cid uint32, exitCode int32) error
	OnError(cid uint32, code v1.ErrorCode, message string) error
	OnDied(cid uint32, reason v1.DeathReason) error
	OnRamdump(cid uint32, ramdump io.Reader) error
	OnStdio(cid uint32, stream io.ReadWriteCloser) error
}

// Set is a concurrency safe collection of listeners.
type Set struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	logger    *slog.Logger
}

// NewSet returns an empty set.
func NewSet(logger *slog.Logger) *Set {
	return &Set{
		listeners: make(map[string]Listener),
		logger:    logging.Ensure(logger),
	}
}

// Add registers l and returns its id.
func (s *Set) Add(l Listener) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners[id] = l
	s.mu.Unlock()
	return id
}

// Remove unregisters the listener with id. Unknown ids are ignored.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

// Len returns the number of registered listeners.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Set) notify(event string, cid uint32, fn func(Listener) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, l := range s.listeners {
		if err := fn(l); err != nil {
			s.logger.Error("Error notifying listener", "event", event, "cid", cid, "listener", id, "error", err)
		}
	}
}

// NotifyPayloadStarted tells every listener the payload started.
func (s *Set) NotifyPayloadStarted(cid uint32) {
	s.notify("payload_started", cid, func(l Listener) error { return l.OnPayloadStarted(cid) })
}

// NotifyPayloadReady tells every listener the payload is ready.
func (s *Set) NotifyPayloadReady(cid uint32) {
	s.notify("payload_ready", cid, func(l Listener) error { return l.OnPayloadReady(cid) })
}

// NotifyPayloadFinished tells every listener the payload exited.
func (s *Set) NotifyPayloadFinished(cid uint32, exitCode int32) {
	s.notify("payload_finished", cid, func(l Listener) error { return l.OnPayloadFinished(cid, exitCode) })
}

// NotifyError tells every listener the payload reported an error.
func (s *Set) NotifyError(cid uint32, code v1.ErrorCode, message string) {
	s.notify("error", cid, func(l Listener) error { return l.OnError(cid, code, message) })
}

// NotifyDied tells every listener the VM died.
func (s *Set) NotifyDied(cid uint32, reason v1.DeathReason) {
	s.notify("died", cid, func(l Listener) error { return l.OnDied(cid, reason) })
}

// NotifyRamdump hands the ramdump to every listener. open is called once
// per listener so each gets its own reader.
func (s *Set) NotifyRamdump(cid uint32, open func() (io.ReadCloser, error)) {
	s.notify("ramdump", cid, func(l Listener) error {
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()
		return l.OnRamdump(cid, r)
	})
}

// NotifyStdio hands the stdio stream to every listener.
func (s *Set) NotifyStdio(cid uint32, stream io.ReadWriteCloser) {
	s.notify("stdio", cid, func(l Listener) error { return l.OnStdio(cid, stream) })
}

// Funcs is a Listener built from optional functions. Nil fields ignore the
// event.
type Funcs struct {
	PayloadStarted  func(cid uint32) error
	PayloadReady    func(cid uint32) error
	PayloadFinished func(cid uint32, exitCode int32) error
	Error           func(cid uint32, code v1.ErrorCode, message string) error
	Died            func(cid uint32, reason v1.DeathReason) error
	Ramdump         func(cid uint32, ramdump io.Reader) error
	Stdio           func(cid uint32, stream io.ReadWriteCloser) error
}

var _ Listener = Funcs{}

func (f Funcs) OnPayloadStarted(cid uint32) error {
	if f.PayloadStarted == nil {
		return nil
	}
	return f.PayloadStarted(cid)
}

func (f Funcs) OnPayloadReady(cid uint32) error {
	if f.PayloadReady == nil {
		return nil
	}
	return f.PayloadReady(cid)
}

func (f Funcs) OnPayloadFinished(cid uint32, exitCode int32) error {
	if f.PayloadFinished == nil {
		return nil
	}
	return f.PayloadFinished(cid, exitCode)
}

func (f Funcs) OnError(cid uint32, code v1.ErrorCode, message string) error {
	if f.Error == nil {
		return nil
	}
	return f.Error(cid, code, message)
}

func (f Funcs) OnDied(cid uint32, reason v1.DeathReason) error {
	if f.Died == nil {
		return nil
	}
	return f.Died(cid, reason)
}

func (f Funcs) OnRamdump(cid uint32, ramdump io.Reader) error {
	if f.Ramdump == nil {
		return nil
	}
	return f.Ramdump(cid, ramdump)
}

func (f Funcs) OnStdio(cid uint32, stream io.ReadWriteCloser) error {
	if f.Stdio == nil {
		return nil
	}
	return f.Stdio(cid, stream)
}
