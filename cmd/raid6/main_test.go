package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/raid6"
	"github.com/i5heu/raid6/pkg/blockstore"
	"github.com/i5heu/raid6/pkg/raiderr"
	"github.com/i5heu/raid6/pkg/recovery"
)

func newTestArray(t *testing.T) *raid6.Array {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	a, err := raid6.Create(raid6.Config{Backend: raid6.BackendMemory, Logger: log},
		blockstore.Geometry{Disks: 6, Blocks: 12, BlockSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestDiskAndPos(t *testing.T) {
	tests := []struct {
		name string
		args []string
		disk int
		pos  int64
		ok   bool
	}{
		{"plain", []string{"2", "17"}, 2, 17, true},
		{"large position", []string{"0", "9223372036854775807"}, 0, 9223372036854775807, true},
		{"bad disk", []string{"x", "17"}, 0, 0, false},
		{"bad position", []string{"2", "1.5"}, 0, 0, false},
		{"position overflow", []string{"2", "9223372036854775808"}, 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			disk, pos, err := diskAndPos(tc.args)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.disk, disk)
			assert.Equal(t, tc.pos, pos)
		})
	}
}

func TestRecoverRequest(t *testing.T) {
	a := newTestArray(t)

	tests := []struct {
		name    string
		args    []string
		missing []recovery.Address
		c       recovery.Case
	}{
		{"explicit case", []string{"single-data", "1:0"}, []recovery.Address{{Disk: 1, Stripe: 0}}, recovery.SingleData},
		{"auto double data", []string{"auto", "1:0", "3:0"}, []recovery.Address{{Disk: 1, Stripe: 0}, {Disk: 3, Stripe: 0}}, recovery.DoubleData},
		{"auto data and P", []string{"auto", "1:0", "4:0"}, []recovery.Address{{Disk: 1, Stripe: 0}, {Disk: 4, Stripe: 0}}, recovery.DataAndParity},
		{"auto both parities", []string{"auto", "4:0", "5:0"}, []recovery.Address{{Disk: 4, Stripe: 0}, {Disk: 5, Stripe: 0}}, recovery.DoubleParity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			missing, c, err := recoverRequest(a, tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.missing, missing)
			assert.Equal(t, tc.c, c)
		})
	}
}

func TestRecoverRequestErrors(t *testing.T) {
	a := newTestArray(t)

	for _, args := range [][]string{
		nil,
		{"auto"},
		{"auto", "1-0"},
		{"triple-data", "1:0"},
	} {
		_, _, err := recoverRequest(a, args)
		assert.Error(t, err, "%v", args)
	}

	_, _, err := recoverRequest(a, []string{"auto", "1:0", "2:1"})
	assert.ErrorIs(t, err, raiderr.ErrRecoveryPrecondition)
}

func TestRunPutGetRecover(t *testing.T) {
	ctx := context.Background()
	a := newTestArray(t)

	require.NoError(t, run(ctx, a, "put", []string{"1", "0", "ffff"}))
	require.NoError(t, run(ctx, a, "corrupt", []string{"1", "0", "00"}))
	assert.Error(t, run(ctx, a, "check", nil))
	require.NoError(t, run(ctx, a, "recover", []string{"auto", "1:0"}))
	require.NoError(t, run(ctx, a, "check", nil))

	got, err := a.Get(ctx, 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff}, got)

	assert.Error(t, run(ctx, a, "put", []string{"1", "0", "zz"}))
	assert.Error(t, run(ctx, a, "get", []string{"1", "0"}))
	assert.ErrorIs(t, run(ctx, a, "put", []string{"0", "9223372036854775807", "01"}), raiderr.ErrBounds)
	assert.Error(t, run(ctx, a, "defragment", nil))
}
