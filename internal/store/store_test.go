package store

import (
	"path/filepath"
	"testing"

	"github.com/picosn/picosn-client/internal/registry"
)

func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("MemStore", func(t *testing.T) {
		fn(t, NewMemStore())
	})

	t.Run("BboltStore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "picosn.db")
		s, err := NewBboltStore(path)
		if err != nil {
			t.Fatalf("NewBboltStore: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestSaveAndLoadRegistry(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		want := []registry.Entry{
			{Name: "sensors/temp", ID: 1, Source: registry.GatewayRegistered},
			{Name: "sensors/hum", ID: 2, Source: registry.SubackAssigned},
		}
		if err := s.SaveRegistry(want); err != nil {
			t.Fatalf("SaveRegistry: %v", err)
		}

		got, err := s.LoadRegistry()
		if err != nil {
			t.Fatalf("LoadRegistry: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("expected %d entries, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d: expected %+v, got %+v", i, want[i], got[i])
			}
		}
	})
}

func TestLoadRegistryEmptyWhenNeverSaved(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		got, err := s.LoadRegistry()
		if err != nil {
			t.Fatalf("LoadRegistry: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty registry, got %d entries", len(got))
		}
	})
}

func TestSaveLoadAndClearAssemblyProgress(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		p := AssemblyProgress{
			BlockID:      9,
			TotalParts:   10,
			ReceivedMask: []bool{false, true, true, false},
			Buffer:       []byte{1, 2, 3, 4},
			LastChunkLen: 4,
			StartMs:      1000,
			LastUpdateMs: 4500,
		}
		if err := s.SaveAssemblyProgress(p); err != nil {
			t.Fatalf("SaveAssemblyProgress: %v", err)
		}

		got, ok, err := s.LoadAssemblyProgress(9)
		if err != nil {
			t.Fatalf("LoadAssemblyProgress: %v", err)
		}
		if !ok {
			t.Fatal("expected checkpoint to be found")
		}
		if got.TotalParts != p.TotalParts || got.LastChunkLen != p.LastChunkLen {
			t.Errorf("expected %+v, got %+v", p, got)
		}

		if err := s.ClearAssemblyProgress(9); err != nil {
			t.Fatalf("ClearAssemblyProgress: %v", err)
		}
		if _, ok, err := s.LoadAssemblyProgress(9); err != nil {
			t.Fatalf("LoadAssemblyProgress after clear: %v", err)
		} else if ok {
			t.Fatal("expected checkpoint to be gone after clear")
		}
	})
}

func TestLoadLatestAssemblyProgressReturnsMostRecent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		if _, ok, err := s.LoadLatestAssemblyProgress(); err != nil {
			t.Fatalf("LoadLatestAssemblyProgress on empty store: %v", err)
		} else if ok {
			t.Fatal("expected not found when no checkpoint was ever saved")
		}

		older := AssemblyProgress{BlockID: 1, TotalParts: 5, LastUpdateMs: 1000}
		newer := AssemblyProgress{BlockID: 2, TotalParts: 7, LastUpdateMs: 5000}
		if err := s.SaveAssemblyProgress(older); err != nil {
			t.Fatalf("SaveAssemblyProgress older: %v", err)
		}
		if err := s.SaveAssemblyProgress(newer); err != nil {
			t.Fatalf("SaveAssemblyProgress newer: %v", err)
		}

		got, ok, err := s.LoadLatestAssemblyProgress()
		if err != nil {
			t.Fatalf("LoadLatestAssemblyProgress: %v", err)
		}
		if !ok {
			t.Fatal("expected a checkpoint to be found")
		}
		if got.BlockID != newer.BlockID {
			t.Fatalf("expected the most recently updated checkpoint (block %d), got block %d", newer.BlockID, got.BlockID)
		}

		if err := s.ClearAssemblyProgress(newer.BlockID); err != nil {
			t.Fatalf("ClearAssemblyProgress: %v", err)
		}
		got, ok, err = s.LoadLatestAssemblyProgress()
		if err != nil {
			t.Fatalf("LoadLatestAssemblyProgress after clear: %v", err)
		}
		if !ok || got.BlockID != older.BlockID {
			t.Fatalf("expected remaining checkpoint (block %d), got ok=%v block=%d", older.BlockID, ok, got.BlockID)
		}
	})
}

func TestLoadAssemblyProgressMissingReturnsNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		if _, ok, err := s.LoadAssemblyProgress(123); err != nil {
			t.Fatalf("LoadAssemblyProgress: %v", err)
		} else if ok {
			t.Fatal("expected not found for unknown block id")
		}
	})
}
