// Package blockstore persists the fixed-size blocks of every disk of a
// RAID-6 array.
package blockstore

import (
	"context"
	"fmt"

	"github.com/i5heu/raid6/pkg/raiderr"
)

// BlockStore handles low-level block persistence for an array.
//
// A BlockStore simulates Disks disks of Blocks blocks each, every block
// being BlockSize bytes long. It knows nothing about parity: the array
// decides which blocks hold data and which hold P or Q.
//
// # Addressing
//
// A byte range is addressed by (disk, block, offset, length). The range must
// lie inside a single block: offset+length <= BlockSize. Blocks that were
// never written read back as zeros.
//
// # Thread Safety
//
// Implementations must be safe for concurrent readers. Conflicting writers
// are serialized by the caller.
//
// # Error Handling
//
// Methods return errors wrapping:
//   - raiderr.ErrBounds for ranges outside the geometry
//   - raiderr.ErrStorageIO for failures of the backend
type BlockStore interface {
	// Geometry returns the shape the store was created with.
	Geometry() Geometry

	// Read returns length bytes starting at offset within the block.
	Read(ctx context.Context, disk, block, offset, length int) ([]byte, error)

	// Write stores data starting at offset within the block.
	Write(ctx context.Context, disk, block, offset int, data []byte) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// Geometry is the (disks, blocks, blockSize) triple a store is created with.
type Geometry struct {
	Disks     int `yaml:"disks"`
	Blocks    int `yaml:"blocks"`
	BlockSize int `yaml:"blockSize"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d disks x %d blocks x %d bytes", g.Disks, g.Blocks, g.BlockSize)
}

// Validate checks that every dimension is positive.
func (g Geometry) Validate() error {
	if g.Disks < 1 || g.Blocks < 1 || g.BlockSize < 1 {
		return fmt.Errorf("blockstore: invalid geometry %s: %w", g, raiderr.ErrConfig)
	}
	return nil
}

// DiskSize is the number of bytes one disk occupies.
func (g Geometry) DiskSize() int64 {
	return int64(g.Blocks) * int64(g.BlockSize)
}

// Size is the number of bytes the whole array occupies.
func (g Geometry) Size() int64 {
	return int64(g.Disks) * g.DiskSize()
}

// CheckRange validates a byte range against the geometry.
func (g Geometry) CheckRange(disk, block, offset, length int) error {
	if disk < 0 || disk >= g.Disks {
		return fmt.Errorf("blockstore: disk %d outside [0,%d): %w", disk, g.Disks, raiderr.ErrBounds)
	}
	if block < 0 || block >= g.Blocks {
		return fmt.Errorf("blockstore: disk %d block %d outside [0,%d): %w", disk, block, g.Blocks, raiderr.ErrBounds)
	}
	if offset < 0 || length < 0 || offset+length > g.BlockSize {
		return fmt.Errorf("blockstore: disk %d block %d: offset %d + length %d exceeds block size %d: %w",
			disk, block, offset, length, g.BlockSize, raiderr.ErrBounds)
	}
	return nil
}

func ioError(op string, disk, block int, err error) error {
	return fmt.Errorf("blockstore: %s disk %d block %d: %w: %w", op, disk, block, raiderr.ErrStorageIO, err)
}
