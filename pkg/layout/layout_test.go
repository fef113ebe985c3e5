package layout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/raiderr"
)

func mustLayout(t *testing.T, disks, blocks, blockSize int) *Layout {
	t.Helper()
	l, err := New(disks, blocks, blockSize)
	require.NoError(t, err)
	return l
}

func TestNewValidatesGeometry(t *testing.T) {
	tests := []struct {
		name                     string
		disks, blocks, blockSize int
		ok                       bool
	}{
		{"minimum", 3, 1, 1, true},
		{"maximum disks", MaxDisks, 1, 1, true},
		{"two disks", 2, 10, 16, false},
		{"too many disks", MaxDisks + 1, 10, 16, false},
		{"no blocks", 6, 0, 16, false},
		{"no block size", 6, 10, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.disks, tc.blocks, tc.blockSize)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, raiderr.ErrLayout)
		})
	}
}

func TestSixDiskRotation(t *testing.T) {
	l := mustLayout(t, 6, 12, 16)
	want := [][2]int{{4, 5}, {3, 4}, {2, 3}, {1, 2}, {0, 1}, {5, 0}}
	for s := 0; s < 12; s++ {
		assert.Equal(t, want[s%6][0], l.ParityDisk(s, parity.XOR), "P of stripe %d", s)
		assert.Equal(t, want[s%6][1], l.ParityDisk(s, parity.ReedSolomon), "Q of stripe %d", s)
	}
	assert.Equal(t, RoleP, l.Role(4, 0))
	assert.Equal(t, RoleQ, l.Role(5, 0))
	assert.Equal(t, RoleData, l.Role(3, 0))
	assert.Equal(t, []int{0, 1, 2, 3}, l.DataDisks(0))
	assert.Equal(t, []int{1, 2, 3, 4}, l.DataDisks(5))
}

// P and Q never coincide and every disk is P once and Q once per period.
func TestRotationDistinctAndBalanced(t *testing.T) {
	for n := MinDisks; n <= 20; n++ {
		l := mustLayout(t, n, 5*n, 1)
		for period := 0; period < 5; period++ {
			pCount := make([]int, n)
			qCount := make([]int, n)
			for s := period * n; s < (period+1)*n; s++ {
				p := l.ParityDisk(s, parity.XOR)
				q := l.ParityDisk(s, parity.ReedSolomon)
				require.NotEqual(t, p, q, "n=%d stripe=%d", n, s)
				require.True(t, p >= 0 && p < n)
				require.True(t, q >= 0 && q < n)
				pCount[p]++
				qCount[q]++
				require.Len(t, l.DataDisks(s), n-2)
			}
			for d := 0; d < n; d++ {
				require.Equal(t, 1, pCount[d], "n=%d disk=%d P count", n, d)
				require.Equal(t, 1, qCount[d], "n=%d disk=%d Q count", n, d)
			}
		}
	}
}

func TestParityDiskLargeStripe(t *testing.T) {
	l := mustLayout(t, 7, 1, 1)
	const big = 1 << 40
	assert.Equal(t, l.ParityDisk(big%7, parity.XOR), l.ParityDisk(big, parity.XOR))
	assert.Equal(t, l.ParityDisk(big%7, parity.ReedSolomon), l.ParityDisk(big, parity.ReedSolomon))
}

func TestDataOrdinal(t *testing.T) {
	l := mustLayout(t, 6, 6, 16)

	ord, err := l.DataOrdinal(3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, ord)

	ord, err = l.DataOrdinal(4, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, ord)

	_, err = l.DataOrdinal(4, 0)
	assert.ErrorIs(t, err, raiderr.ErrLayout)
	_, err = l.DataOrdinal(6, 0)
	assert.ErrorIs(t, err, raiderr.ErrLayout)
	_, err = l.DataOrdinal(0, 6)
	assert.ErrorIs(t, err, raiderr.ErrLayout)

	for s := 0; s < 6; s++ {
		for i, d := range l.DataDisks(s) {
			ord, err := l.DataOrdinal(d, s)
			require.NoError(t, err)
			assert.Equal(t, i, ord)
		}
	}
}

// linearResolve is the reference walk: count eligible stripes from zero.
func linearResolve(l *Layout, disk int, pos int64) (int, int, bool) {
	ordinal := pos / int64(l.BlockSize())
	for s := 0; s < l.Stripes(); s++ {
		if l.IsParityBlock(disk, s) {
			continue
		}
		if ordinal == 0 {
			return s, int(pos % int64(l.BlockSize())), true
		}
		ordinal--
	}
	return 0, 0, false
}

func TestResolveMatchesLinearWalk(t *testing.T) {
	const blockSize = 4
	for n := MinDisks; n <= 16; n++ {
		stripes := 4*n + 3
		l := mustLayout(t, n, stripes, blockSize)
		for disk := 0; disk < n; disk++ {
			limit := l.Capacity(disk) + 2*blockSize
			for pos := int64(0); pos < limit; pos++ {
				wantStripe, wantOffset, ok := linearResolve(l, disk, pos)
				stripe, offset, err := l.Resolve(disk, pos)
				if !ok {
					require.ErrorIs(t, err, raiderr.ErrBounds, "n=%d disk=%d pos=%d", n, disk, pos)
					continue
				}
				require.NoError(t, err, "n=%d disk=%d pos=%d", n, disk, pos)
				require.Equal(t, wantStripe, stripe, "n=%d disk=%d pos=%d", n, disk, pos)
				require.Equal(t, wantOffset, offset)
				require.False(t, l.IsParityBlock(disk, stripe))
			}
		}
	}
}

func TestResolveSixDisks(t *testing.T) {
	l := mustLayout(t, 6, 12, 16)

	stripe, offset, err := l.Resolve(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stripe)
	assert.Equal(t, 0, offset)

	// disk 4 holds P in stripe 0 and Q in stripe 1.
	stripe, offset, err = l.Resolve(4, 17)
	require.NoError(t, err)
	assert.Equal(t, 3, stripe)
	assert.Equal(t, 1, offset)

	_, _, err = l.Resolve(0, -1)
	assert.ErrorIs(t, err, raiderr.ErrBounds)
	_, _, err = l.Resolve(-1, 0)
	assert.ErrorIs(t, err, raiderr.ErrLayout)
	_, _, err = l.Resolve(0, l.Capacity(0))
	assert.ErrorIs(t, err, raiderr.ErrBounds)
	assert.Equal(t, int64(8*16), l.Capacity(0))
}

func TestResolveHugePositions(t *testing.T) {
	tests := []struct {
		name                     string
		disks, blocks, blockSize int
		pos                      int64
	}{
		{"max position tiny blocks", 6, 12, 1, math.MaxInt64},
		{"max position three disks", 3, 12, 1, math.MaxInt64},
		{"max position large blocks", 6, 12, 4096, math.MaxInt64},
		{"just past capacity", 6, 12, 1, 8},
		{"huge period count", 257, 1000, 1, math.MaxInt64 / 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := mustLayout(t, tc.disks, tc.blocks, tc.blockSize)
			for disk := 0; disk < tc.disks; disk++ {
				stripe, _, err := l.Resolve(disk, tc.pos)
				assert.ErrorIs(t, err, raiderr.ErrBounds, "disk %d got stripe %d", disk, stripe)
			}
		})
	}
}
