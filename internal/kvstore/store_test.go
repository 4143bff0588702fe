package kvstore

import (
	"testing"
)

func TestBadger_GetSet(t *testing.T) {
	s, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	defer s.Close()

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
	}

	if err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set("k", "v2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get("k")
	if err != nil || !ok {
		t.Fatalf("Get(k) = ok %v, err %v", ok, err)
	}
	if got != "v2" {
		t.Errorf("Get(k) = %q, want v2", got)
	}
}

func TestBadger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	if err := s.Set("kiln.state.last_cid", "42"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, ok, err := s.Get("kiln.state.last_cid")
	if err != nil || !ok || got != "42" {
		t.Errorf("Get() after reopen = %q, %v, %v; want 42", got, ok, err)
	}
}

func TestMemory_GetSet(t *testing.T) {
	m := NewMemory()

	if _, ok, _ := m.Get("k"); ok {
		t.Error("expected k to be absent")
	}
	_ = m.Set("k", "v")
	if got, ok, _ := m.Get("k"); !ok || got != "v" {
		t.Errorf("Get(k) = %q, %v", got, ok)
	}
}
