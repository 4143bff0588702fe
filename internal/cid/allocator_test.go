package cid

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/jbweber/kiln/internal/kvstore"
	"github.com/jbweber/kiln/internal/logging"
)

// mockStore is a Store with configurable failures.
type mockStore struct {
	mu sync.Mutex

	values  map[string]string
	getFunc func(key string) (string, bool, error)
	setFunc func(key, value string) error

	setCalls []string
}

func newMockStore() *mockStore {
	m := &mockStore{values: make(map[string]string)}
	m.getFunc = func(key string) (string, bool, error) {
		v, ok := m.values[key]
		return v, ok, nil
	}
	m.setFunc = func(key, value string) error {
		m.values[key] = value
		return nil
	}
	return m
}

func (m *mockStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getFunc(key)
}

func (m *mockStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = append(m.setCalls, value)
	return m.setFunc(key, value)
}

func TestNext_Sequence(t *testing.T) {
	a := NewAllocator(kvstore.NewMemory(), logging.Discard())

	prev := uint32(0)
	for i := 0; i < 20; i++ {
		got, err := a.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if i == 0 && got != FirstGuestCID {
			t.Errorf("first CID = %d, want %d", got, FirstGuestCID)
		}
		if i > 0 && got != prev+1 {
			t.Errorf("CID %d = %d, want %d", i, got, prev+1)
		}
		prev = got
	}
}

func TestNext_StoredValues(t *testing.T) {
	tests := []struct {
		name      string
		stored    *string
		want      uint32
		wantError bool
	}{
		{name: "absent starts at first guest CID", stored: nil, want: FirstGuestCID},
		{name: "continues after stored value", stored: strPtr("41"), want: 42},
		{name: "garbage starts over", stored: strPtr("not-a-number"), want: FirstGuestCID},
		{name: "negative starts over", stored: strPtr("-5"), want: FirstGuestCID},
		{name: "too large for 32 bits starts over", stored: strPtr("4294967296"), want: FirstGuestCID},
		{name: "last CID is exhausted", stored: strPtr("4294967295"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			if tt.stored != nil {
				store.values[LastCIDKey] = *tt.stored
			}
			a := NewAllocator(store, logging.Discard())

			got, err := a.Next()
			if tt.wantError {
				var exhausted *ExhaustedError
				if !errors.As(err, &exhausted) {
					t.Fatalf("Next() error = %v, want *ExhaustedError", err)
				}
				if len(store.setCalls) != 0 {
					t.Errorf("nothing should be persisted on exhaustion, got %v", store.setCalls)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Next() = %d, want %d", got, tt.want)
			}
			if store.values[LastCIDKey] != strconv.FormatUint(uint64(tt.want), 10) {
				t.Errorf("persisted %q, want %d", store.values[LastCIDKey], tt.want)
			}
		})
	}
}

func TestNext_StoreErrors(t *testing.T) {
	t.Run("get fails", func(t *testing.T) {
		store := newMockStore()
		store.getFunc = func(string) (string, bool, error) { return "", false, errors.New("io") }
		if _, err := NewAllocator(store, logging.Discard()).Next(); err == nil {
			t.Error("Expected error but got nil")
		}
	})

	t.Run("set fails", func(t *testing.T) {
		store := newMockStore()
		store.setFunc = func(string, string) error { return errors.New("read-only") }
		if _, err := NewAllocator(store, logging.Discard()).Next(); err == nil {
			t.Error("Expected error but got nil")
		}
	})
}

func TestNext_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := kvstore.OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	a := NewAllocator(store, logging.Discard())
	var last uint32
	for i := 0; i < 3; i++ {
		if last, err = a.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store, err = kvstore.OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	got, err := NewAllocator(store, logging.Discard()).Next()
	if err != nil {
		t.Fatalf("Next() after restart error = %v", err)
	}
	if got != last+1 {
		t.Errorf("Next() after restart = %d, want %d", got, last+1)
	}
}

func strPtr(s string) *string {
	return &s
}
