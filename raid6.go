// Package raid6 is an erasure-coded block store with RAID-6 double parity.
//
// An Array spreads data over N disks. Every stripe (one block per disk) holds
// N-2 data blocks, an XOR parity P and a Reed-Solomon parity Q over GF(2^8),
// and the parity disks rotate from stripe to stripe. Any two lost blocks of a
// stripe can be rebuilt.
//
// The Array performs no locking: callers serialize conflicting operations on
// the same stripe.
package raid6

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/raid6/pkg/backup"
	"github.com/i5heu/raid6/pkg/blockstore"
	"github.com/i5heu/raid6/pkg/galois"
	"github.com/i5heu/raid6/pkg/layout"
	"github.com/i5heu/raid6/pkg/parity"
	"github.com/i5heu/raid6/pkg/raiderr"
	"github.com/i5heu/raid6/pkg/recovery"
)

// Array is the handle of one RAID-6 array.
type Array struct {
	log      *logrus.Logger
	store    blockstore.BlockStore
	layout   *layout.Layout
	parity   *parity.Engine
	recovery *recovery.Engine

	closeOnce sync.Once
	closeErr  error
}

// Create provisions a new array of the given geometry on the configured
// backend.
func Create(conf Config, g blockstore.Geometry) (*Array, error) {
	conf.applyDefaults()
	if _, err := layout.New(g.Disks, g.Blocks, g.BlockSize); err != nil {
		return nil, fmt.Errorf("raid6: create: %w", err)
	}

	var (
		store blockstore.BlockStore
		err   error
	)
	switch conf.Backend {
	case BackendMemory:
		store, err = blockstore.NewMemoryStore(g)
	case BackendFile:
		store, err = blockstore.CreateFileStore(conf.Path, g, blockstore.FileOptions{
			MinimumFreeGB: conf.MinimumFreeGB,
			SyncWrites:    conf.SyncWrites,
			Logger:        conf.Logger,
		})
	case BackendBadger:
		store, err = blockstore.CreateBadgerStore(conf.Path, g, blockstore.BadgerOptions{
			SyncWrites: conf.SyncWrites,
			Logger:     conf.Logger,
		})
	default:
		err = fmt.Errorf("raid6: unknown backend %q: %w", conf.Backend, raiderr.ErrConfig)
	}
	if err != nil {
		return nil, err
	}
	return New(store, conf)
}

// Open loads an array previously provisioned with Create.
func Open(conf Config) (*Array, error) {
	conf.applyDefaults()

	var (
		store blockstore.BlockStore
		err   error
	)
	switch conf.Backend {
	case BackendFile:
		store, err = blockstore.OpenFileStore(conf.Path, blockstore.FileOptions{
			MinimumFreeGB: conf.MinimumFreeGB,
			SyncWrites:    conf.SyncWrites,
			Logger:        conf.Logger,
		})
	case BackendBadger:
		store, err = blockstore.OpenBadgerStore(conf.Path, blockstore.BadgerOptions{
			SyncWrites: conf.SyncWrites,
			Logger:     conf.Logger,
		})
	default:
		err = fmt.Errorf("raid6: backend %q cannot be reopened: %w", conf.Backend, raiderr.ErrConfig)
	}
	if err != nil {
		return nil, err
	}
	return New(store, conf)
}

// New builds an Array on top of an existing store. The Array takes ownership
// of the store and closes it on Close.
func New(store blockstore.BlockStore, conf Config) (*Array, error) {
	conf.applyDefaults()

	g := store.Geometry()
	l, err := layout.New(g.Disks, g.Blocks, g.BlockSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("raid6: %w", err)
	}

	p := parity.NewEngine(galois.New())
	a := &Array{
		log:    conf.Logger,
		store:  store,
		layout: l,
		parity: p,
		recovery: recovery.NewEngine(store, l, p, recovery.Options{
			Logger:       conf.Logger,
			ScrubWorkers: conf.ScrubWorkers,
		}),
	}

	a.log.WithFields(logrus.Fields{
		"disks":     g.Disks,
		"stripes":   g.Blocks,
		"blockSize": g.BlockSize,
		"backend":   string(conf.Backend),
	}).Info("Array ready")
	return a, nil
}

// Geometry returns the shape of the array.
func (a *Array) Geometry() blockstore.Geometry {
	return a.store.Geometry()
}

// Layout exposes the stripe layout, e.g. to find parity disks.
func (a *Array) Layout() *layout.Layout {
	return a.layout
}

// Capacity returns the number of virtual data bytes addressable on disk.
func (a *Array) Capacity(disk int) int64 {
	return a.layout.Capacity(disk)
}

// segment is the part of a virtual range that falls into one block.
type segment struct {
	stripe, offset int
	start, end     int // indexes into the caller's buffer
}

// segments splits [pos, pos+length) on disk into per-block pieces. The whole
// range is validated before anything is returned.
func (a *Array) segments(disk int, pos int64, length int) ([]segment, error) {
	if length < 0 {
		return nil, fmt.Errorf("raid6: negative length %d: %w", length, raiderr.ErrBounds)
	}
	if length == 0 {
		if _, _, err := a.layout.Resolve(disk, pos); err != nil {
			return nil, fmt.Errorf("raid6: %w", err)
		}
		return nil, nil
	}
	if pos > math.MaxInt64-int64(length) {
		return nil, fmt.Errorf("raid6: range of %d bytes at %d overflows: %w", length, pos, raiderr.ErrBounds)
	}
	if _, _, err := a.layout.Resolve(disk, pos+int64(length)-1); err != nil {
		return nil, fmt.Errorf("raid6: %w", err)
	}

	var segs []segment
	bs := a.layout.BlockSize()
	for done := 0; done < length; {
		stripe, offset, err := a.layout.Resolve(disk, pos+int64(done))
		if err != nil {
			return nil, fmt.Errorf("raid6: %w", err)
		}
		n := min(length-done, bs-offset)
		segs = append(segs, segment{stripe: stripe, offset: offset, start: done, end: done + n})
		done += n
	}
	return segs, nil
}

// Put writes data at the virtual address (disk, pos) and updates P and Q of
// every stripe it touches.
func (a *Array) Put(ctx context.Context, disk int, pos int64, data []byte) error {
	segs, err := a.segments(disk, pos, len(data))
	if err != nil {
		return err
	}
	for _, s := range segs {
		if err := a.putSegment(ctx, disk, s.stripe, s.offset, data[s.start:s.end]); err != nil {
			return err
		}
	}
	a.log.WithFields(logrus.Fields{
		"disk":     disk,
		"position": pos,
		"length":   len(data),
		"stripes":  len(segs),
	}).Debug("Put")
	return nil
}

// putSegment updates one block. Both new parities are computed before the
// first write.
func (a *Array) putSegment(ctx context.Context, disk, stripe, offset int, data []byte) error {
	ord, err := a.layout.DataOrdinal(disk, stripe)
	if err != nil {
		return fmt.Errorf("raid6: put: %w", err)
	}
	old, err := a.store.Read(ctx, disk, stripe, offset, len(data))
	if err != nil {
		return fmt.Errorf("raid6: put disk %d stripe %d: %w", disk, stripe, err)
	}

	var parities [2][]byte
	for i, policy := range parity.Policies {
		pd := a.layout.ParityDisk(stripe, policy)
		oldParity, err := a.store.Read(ctx, pd, stripe, offset, len(data))
		if err != nil {
			return fmt.Errorf("raid6: put disk %d stripe %d: %w", disk, stripe, err)
		}
		parities[i], err = a.parity.Update(policy, old, data, oldParity, ord)
		if err != nil {
			return fmt.Errorf("raid6: put disk %d stripe %d: %w", disk, stripe, err)
		}
	}

	if err := a.store.Write(ctx, disk, stripe, offset, data); err != nil {
		return fmt.Errorf("raid6: put disk %d stripe %d: %w", disk, stripe, err)
	}
	for i, policy := range parity.Policies {
		pd := a.layout.ParityDisk(stripe, policy)
		if err := a.store.Write(ctx, pd, stripe, offset, parities[i]); err != nil {
			return fmt.Errorf("raid6: put %s parity disk %d stripe %d: %w", policy, pd, stripe, err)
		}
	}
	return nil
}

// PutRaw writes data at the virtual address without touching parity. It
// exists to simulate corruption and is never needed by normal writers.
func (a *Array) PutRaw(ctx context.Context, disk int, pos int64, data []byte) error {
	segs, err := a.segments(disk, pos, len(data))
	if err != nil {
		return err
	}
	for _, s := range segs {
		if err := a.store.Write(ctx, disk, s.stripe, s.offset, data[s.start:s.end]); err != nil {
			return fmt.Errorf("raid6: put raw disk %d stripe %d: %w", disk, s.stripe, err)
		}
	}
	a.log.WithFields(logrus.Fields{
		"disk":     disk,
		"position": pos,
		"length":   len(data),
	}).Debug("Raw put without parity update")
	return nil
}

// Get reads length bytes from the virtual address (disk, pos).
func (a *Array) Get(ctx context.Context, disk int, pos int64, length int) ([]byte, error) {
	segs, err := a.segments(disk, pos, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	for _, s := range segs {
		b, err := a.store.Read(ctx, disk, s.stripe, s.offset, s.end-s.start)
		if err != nil {
			return nil, fmt.Errorf("raid6: get disk %d stripe %d: %w", disk, s.stripe, err)
		}
		copy(out[s.start:s.end], b)
	}
	return out, nil
}

// Recover rebuilds the missing blocks of one stripe using the declared case.
func (a *Array) Recover(ctx context.Context, missing []recovery.Address, c recovery.Case) error {
	return a.recovery.Recover(ctx, missing, c)
}

// Classify suggests the recovery case for a missing set.
func (a *Array) Classify(missing []recovery.Address) (recovery.Case, error) {
	return a.recovery.Classify(missing)
}

// Check scrubs every stripe and reports the first parity mismatch.
func (a *Array) Check(ctx context.Context) (recovery.CheckResult, error) {
	return a.recovery.Check(ctx)
}

// RebuildDisk reconstructs every block of a replaced disk.
func (a *Array) RebuildDisk(ctx context.Context, disk int) error {
	return a.recovery.RebuildDisk(ctx, disk)
}

// Backup streams a compressed image of every block to w.
func (a *Array) Backup(ctx context.Context, w io.Writer, codec backup.Codec) (backup.Stats, error) {
	stats, err := backup.Write(ctx, a.store, w, codec)
	if err != nil {
		return stats, err
	}
	a.log.WithFields(logrus.Fields{
		"codec":  string(codec),
		"blocks": stats.Blocks,
		"bytes":  stats.Bytes,
	}).Info("Backup written")
	return stats, nil
}

// Restore overwrites every block with the image read from r. The image must
// have been taken from an array of the same geometry.
func (a *Array) Restore(ctx context.Context, r io.Reader) (backup.Stats, error) {
	stats, err := backup.Read(ctx, a.store, r)
	if err != nil {
		return stats, err
	}
	a.log.WithFields(logrus.Fields{
		"codec":  string(stats.Codec),
		"blocks": stats.Blocks,
		"bytes":  stats.Bytes,
	}).Info("Backup restored")
	return stats, nil
}

// Close releases the underlying store. It is safe to call more than once.
func (a *Array) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.store.Close()
	})
	return a.closeErr
}
