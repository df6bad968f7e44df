// Package store persists the two pieces of client state that must
// survive a restart: the topic-name/topic-id registry (spec.md §4.C) and
// in-progress block-transfer assembly state (spec.md §4.G), so a
// receiver does not have to restart a multi-second transfer from zero
// after a crash.
package store

import "github.com/picosn/picosn-client/internal/registry"

// Store defines the interface for persisting client state.
type Store interface {
	// SaveRegistry overwrites the persisted topic registry with entries.
	SaveRegistry(entries []registry.Entry) error
	// LoadRegistry returns the persisted topic registry, if any.
	LoadRegistry() ([]registry.Entry, error)

	// SaveAssemblyProgress checkpoints an in-progress block transfer.
	SaveAssemblyProgress(p AssemblyProgress) error
	// LoadAssemblyProgress retrieves a checkpoint for blockID, if any.
	LoadAssemblyProgress(blockID uint16) (AssemblyProgress, bool, error)
	// LoadLatestAssemblyProgress retrieves the most recently updated
	// checkpoint, if any. The receiver has at most one active assembly at
	// a time, so this is what a restarting process resumes from.
	LoadLatestAssemblyProgress() (AssemblyProgress, bool, error)
	// ClearAssemblyProgress removes a checkpoint, called once a transfer
	// completes or is abandoned.
	ClearAssemblyProgress(blockID uint16) error

	// Close releases any underlying resources.
	Close() error
}

// AssemblyProgress is a checkpoint of a block-transfer receiver's
// assembly state, sufficient to resume reassembly without re-requesting
// chunks already on disk.
type AssemblyProgress struct {
	BlockID      uint16
	TotalParts   int
	ReceivedMask []bool
	Buffer       []byte
	LastChunkLen int
	StartMs      int64
	LastUpdateMs int64
}
