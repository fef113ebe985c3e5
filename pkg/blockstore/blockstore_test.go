package blockstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/raid6/pkg/raiderr"
)

var testGeometry = Geometry{Disks: 4, Blocks: 8, BlockSize: 16}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type storeFactory func(t *testing.T) BlockStore

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) BlockStore {
			s, err := NewMemoryStore(testGeometry)
			require.NoError(t, err)
			return s
		},
		"file": func(t *testing.T) BlockStore {
			s, err := CreateFileStore(t.TempDir(), testGeometry, FileOptions{Logger: quietLogger()})
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) BlockStore {
			s, err := CreateBadgerStore("", testGeometry, BadgerOptions{InMemory: true, Logger: quietLogger()})
			require.NoError(t, err)
			return s
		},
	}
}

func TestBlockStoreConformance(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			assert.Equal(t, testGeometry, s.Geometry())

			// unwritten blocks are zero
			got, err := s.Read(ctx, 3, 7, 0, 16)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 16), got)

			require.NoError(t, s.Write(ctx, 1, 2, 4, []byte{1, 2, 3}))
			got, err = s.Read(ctx, 1, 2, 0, 8)
			require.NoError(t, err)
			assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 0}, got)

			// partial overwrite keeps the rest of the block
			require.NoError(t, s.Write(ctx, 1, 2, 5, []byte{9}))
			got, err = s.Read(ctx, 1, 2, 4, 3)
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 9, 3}, got)

			// neighbours untouched
			got, err = s.Read(ctx, 1, 3, 0, 16)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 16), got)
			got, err = s.Read(ctx, 0, 2, 0, 16)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 16), got)

			// returned slices are copies
			got[0] = 0xFF
			again, err := s.Read(ctx, 0, 2, 0, 1)
			require.NoError(t, err)
			assert.Equal(t, []byte{0}, again)
		})
	}
}

func TestBlockStoreBounds(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name                         string
		disk, block, offset, length int
	}{
		{"offset plus length past block", 0, 0, 10, 7},
		{"negative offset", 0, 0, -1, 2},
		{"disk too large", 4, 0, 0, 1},
		{"negative disk", -1, 0, 0, 1},
		{"block too large", 0, 8, 0, 1},
	}
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			for _, tc := range tests {
				t.Run(tc.name, func(t *testing.T) {
					_, err := s.Read(ctx, tc.disk, tc.block, tc.offset, tc.length)
					assert.ErrorIs(t, err, raiderr.ErrBounds)
					if tc.length >= 0 {
						err = s.Write(ctx, tc.disk, tc.block, tc.offset, make([]byte, tc.length))
						assert.ErrorIs(t, err, raiderr.ErrBounds)
					}
				})
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := CreateFileStore(dir, testGeometry, FileOptions{SyncWrites: true, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, 2, 5, 0, []byte("persisted")))
	require.NoError(t, s.Close())

	for i := 0; i < testGeometry.Disks; i++ {
		info, err := os.Stat(filepath.Join(dir, fmt.Sprintf("disk%d", i)))
		require.NoError(t, err)
		assert.Equal(t, testGeometry.DiskSize(), info.Size())
	}

	g, err := LoadGeometry(dir)
	require.NoError(t, err)
	assert.Equal(t, testGeometry, g)

	s, err = OpenFileStore(dir, FileOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Read(ctx, 2, 5, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)

	_, err = CreateFileStore(dir, testGeometry, FileOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)
}

func TestFileStoreConfigErrors(t *testing.T) {
	_, err := OpenFileStore(t.TempDir(), FileOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("version: 99\n"), 0o644))
	_, err = OpenFileStore(dir, FileOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)

	_, err = CreateFileStore(t.TempDir(), Geometry{Disks: 0, Blocks: 1, BlockSize: 1}, FileOptions{})
	assert.ErrorIs(t, err, raiderr.ErrConfig)

	// no volume has this much room
	_, err = CreateFileStore(t.TempDir(), testGeometry, FileOptions{MinimumFreeGB: 1 << 20, Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)
}

func TestBadgerStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := CreateBadgerStore(dir, testGeometry, BadgerOptions{Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, 3, 1, 14, []byte{0xAB, 0xCD}))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir, BadgerOptions{Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, testGeometry, s.Geometry())
	got, err := s.Read(ctx, 3, 1, 14, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, got)
	require.NoError(t, s.Close())

	_, err = CreateBadgerStore(dir, testGeometry, BadgerOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)

	_, err = OpenBadgerStore(t.TempDir(), BadgerOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, raiderr.ErrConfig)
}

func TestClosedMemoryStore(t *testing.T) {
	s, err := NewMemoryStore(testGeometry)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Read(context.Background(), 0, 0, 0, 1)
	assert.ErrorIs(t, err, raiderr.ErrStorageIO)
	err = s.Write(context.Background(), 0, 0, 0, []byte{1})
	assert.ErrorIs(t, err, raiderr.ErrStorageIO)
}
