package collector

import (
	"context"
	"sync"
	"time"

	"token-sentinel/internal/storage"
)

// Checkpoints persists the last processed block per chain.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, chainID uint64) (storage.Checkpoint, bool, error)
	SetCheckpoint(ctx context.Context, chainID, block uint64) error
}

// MemoryCheckpoints keeps progress in process; used when no database is configured.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	blocks map[uint64]storage.Checkpoint
}

// NewMemoryCheckpoints returns an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{blocks: make(map[uint64]storage.Checkpoint)}
}

func (m *MemoryCheckpoints) GetCheckpoint(_ context.Context, chainID uint64) (storage.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.blocks[chainID]
	return cp, ok, nil
}

func (m *MemoryCheckpoints) SetCheckpoint(_ context.Context, chainID, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[chainID] = storage.Checkpoint{ChainID: chainID, LastBlock: block, UpdatedAt: time.Now().UTC()}
	return nil
}

var (
	_ Checkpoints = (*MemoryCheckpoints)(nil)
	_ Checkpoints = (*storage.Store)(nil)
)
