// Package layout maps virtual data addresses onto stripes and decides which
// disks carry the P and Q parity of each stripe.
//
// Parity rotates one disk to the left per stripe. For six disks:
//
//	stripe | d0 d1 d2 d3 d4 d5
//	-------+------------------
//	     0 |  .  .  .  .  P  Q
//	     1 |  .  .  .  P  Q  .
//	     2 |  .  .  P  Q  .  .
//	     3 |  .  P  Q  .  .  .
//	     4 |  P  Q  .  .  .  .
//	     5 |  Q  .  .  .  .  P
//
// The pattern repeats every Disks stripes and within each period every disk
// is P exactly once and Q exactly once.
package layout

import (
	"fmt"

	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/raiderr"
)

const (
	// MinDisks is one data disk plus the two parity disks.
	MinDisks = 3
	// MaxDisks keeps every data ordinal below the order of the generator.
	MaxDisks = parity.MaxDataBlocks + 2
)

// Role is the function of a block within its stripe.
type Role uint8

const (
	// RoleData marks a block holding application data.
	RoleData Role = iota
	// RoleP marks the XOR parity block.
	RoleP
	// RoleQ marks the Reed-Solomon parity block.
	RoleQ
)

func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleP:
		return "P"
	case RoleQ:
		return "Q"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Layout is the immutable geometry of an array.
type Layout struct {
	disks     int
	blocks    int
	blockSize int
}

// New validates the geometry.
func New(disks, blocks, blockSize int) (*Layout, error) {
	if disks < MinDisks || disks > MaxDisks {
		return nil, fmt.Errorf("layout: %d disks, need between %d and %d: %w", disks, MinDisks, MaxDisks, raiderr.ErrLayout)
	}
	if blocks < 1 {
		return nil, fmt.Errorf("layout: %d blocks per disk: %w", blocks, raiderr.ErrLayout)
	}
	if blockSize < 1 {
		return nil, fmt.Errorf("layout: block size %d: %w", blockSize, raiderr.ErrLayout)
	}
	return &Layout{disks: disks, blocks: blocks, blockSize: blockSize}, nil
}

// Disks is the number of disks in the array.
func (l *Layout) Disks() int { return l.disks }

// Stripes is the number of blocks per disk.
func (l *Layout) Stripes() int { return l.blocks }

// BlockSize is the size of one block in bytes.
func (l *Layout) BlockSize() int { return l.blockSize }

// DataDisksPerStripe is the number of data blocks in every stripe.
func (l *Layout) DataDisksPerStripe() int { return l.disks - 2 }

// ParityDisk returns the disk holding policy's parity for stripe.
func (l *Layout) ParityDisk(stripe int, policy parity.Policy) int {
	n := l.disks
	// (s+1)*(n-1) = -(s+1) mod n; reduce s first so the product cannot overflow.
	s := stripe % n
	return ((s+1)*(n-1) - 1 + int(policy)) % n
}

// IsParityBlock reports whether disk holds P or Q in stripe.
func (l *Layout) IsParityBlock(disk, stripe int) bool {
	return disk == l.ParityDisk(stripe, parity.XOR) || disk == l.ParityDisk(stripe, parity.ReedSolomon)
}

// Role returns what disk stores in stripe.
func (l *Layout) Role(disk, stripe int) Role {
	switch disk {
	case l.ParityDisk(stripe, parity.XOR):
		return RoleP
	case l.ParityDisk(stripe, parity.ReedSolomon):
		return RoleQ
	default:
		return RoleData
	}
}

// DataDisks returns the data disks of stripe in ascending order; the index
// into the result is the disk's data ordinal.
func (l *Layout) DataDisks(stripe int) []int {
	out := make([]int, 0, l.disks-2)
	for d := 0; d < l.disks; d++ {
		if !l.IsParityBlock(d, stripe) {
			out = append(out, d)
		}
	}
	return out
}

// DataOrdinal returns the position of disk among the data disks of stripe.
func (l *Layout) DataOrdinal(disk, stripe int) (int, error) {
	if err := l.CheckBlock(disk, stripe); err != nil {
		return 0, err
	}
	if l.IsParityBlock(disk, stripe) {
		return 0, fmt.Errorf("layout: disk %d holds %s in stripe %d: %w", disk, l.Role(disk, stripe), stripe, raiderr.ErrLayout)
	}
	ord := 0
	for d := 0; d < disk; d++ {
		if !l.IsParityBlock(d, stripe) {
			ord++
		}
	}
	return ord, nil
}

// CheckBlock validates a (disk, stripe) pair against the geometry.
func (l *Layout) CheckBlock(disk, stripe int) error {
	if disk < 0 || disk >= l.disks {
		return fmt.Errorf("layout: disk %d outside [0,%d): %w", disk, l.disks, raiderr.ErrLayout)
	}
	if stripe < 0 || stripe >= l.blocks {
		return fmt.Errorf("layout: stripe %d outside [0,%d): %w", stripe, l.blocks, raiderr.ErrLayout)
	}
	return nil
}

// Capacity returns how many bytes of virtual data space disk offers.
func (l *Layout) Capacity(disk int) int64 {
	count := 0
	for s := 0; s < l.blocks; s++ {
		if !l.IsParityBlock(disk, s) {
			count++
		}
	}
	return int64(count) * int64(l.blockSize)
}

// Resolve maps a virtual data address to the stripe and in-block offset
// holding that byte.
//
// The data ordinal pos/blockSize counts the stripes in which disk holds data.
// Each full period of Disks stripes contains exactly Disks-2 of them, so whole
// periods are skipped arithmetically and the remainder is walked stripe by
// stripe.
func (l *Layout) Resolve(disk int, pos int64) (stripe, offset int, err error) {
	if disk < 0 || disk >= l.disks {
		return 0, 0, fmt.Errorf("layout: disk %d outside [0,%d): %w", disk, l.disks, raiderr.ErrLayout)
	}
	if pos < 0 {
		return 0, 0, fmt.Errorf("layout: negative position %d on disk %d: %w", pos, disk, raiderr.ErrBounds)
	}

	ordinal := pos / int64(l.blockSize)
	offset = int(pos % int64(l.blockSize))

	perPeriod := int64(l.disks - 2)
	// Bound the period count before multiplying so huge positions cannot
	// overflow into a negative stripe.
	periods := ordinal / perPeriod
	if periods > int64(l.blocks)/int64(l.disks) {
		return 0, 0, l.outOfSpace(disk, pos)
	}
	start := periods * int64(l.disks)
	if start >= int64(l.blocks) {
		return 0, 0, l.outOfSpace(disk, pos)
	}
	remaining := ordinal % perPeriod
	for s := int(start); s < l.blocks; s++ {
		if l.IsParityBlock(disk, s) {
			continue
		}
		if remaining == 0 {
			return s, offset, nil
		}
		remaining--
	}
	return 0, 0, l.outOfSpace(disk, pos)
}

func (l *Layout) outOfSpace(disk int, pos int64) error {
	return fmt.Errorf("layout: position %d on disk %d beyond %d data bytes: %w", pos, disk, l.Capacity(disk), raiderr.ErrBounds)
}
