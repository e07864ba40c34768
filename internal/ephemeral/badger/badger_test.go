package badger

import (
	"testing"

	"github.com/xaixapi/filelist/internal/ephemeral/storetest"
)

func TestStore(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, s)
}

func TestStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SetEX(t.Context(), "k", "v", 0); err != nil {
		t.Fatalf("SetEX: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = New(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, err := s.Get(t.Context(), "k")
	if err != nil || v != "v" {
		t.Fatalf("Get after reopen = %q, %v; want \"v\"", v, err)
	}
	if err := s.RunGC(); err != nil {
		t.Errorf("RunGC: %v", err)
	}
}
