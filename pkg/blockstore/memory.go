package blockstore

import (
	"context"
	"errors"
	"sync"
)

var errClosed = errors.New("store is closed")

// MemoryStore keeps every block in memory. Blocks are allocated on first
// write.
type MemoryStore struct {
	mu       sync.RWMutex
	geometry Geometry
	disks    [][][]byte
	closed   bool
}

// NewMemoryStore creates an empty store of the given geometry.
func NewMemoryStore(g Geometry) (*MemoryStore, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	disks := make([][][]byte, g.Disks)
	for i := range disks {
		disks[i] = make([][]byte, g.Blocks)
	}
	return &MemoryStore{geometry: g, disks: disks}, nil
}

func (s *MemoryStore) Geometry() Geometry {
	return s.geometry
}

func (s *MemoryStore) Read(ctx context.Context, disk, block, offset, length int) ([]byte, error) {
	if err := s.geometry.CheckRange(disk, block, offset, length); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ioError("read", disk, block, errClosed)
	}
	out := make([]byte, length)
	if b := s.disks[disk][block]; b != nil {
		copy(out, b[offset:offset+length])
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, disk, block, offset int, data []byte) error {
	if err := s.geometry.CheckRange(disk, block, offset, len(data)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ioError("write", disk, block, errClosed)
	}
	b := s.disks[disk][block]
	if b == nil {
		b = make([]byte, s.geometry.BlockSize)
		s.disks[disk][block] = b
	}
	copy(b[offset:], data)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.disks = nil
	return nil
}
