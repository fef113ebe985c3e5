package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/raid6/pkg/raiderr"
)

var geometryKey = []byte("raid6/geometry")

const blockKeyPrefix = 'b'

// BadgerOptions tunes a BadgerStore.
type BadgerOptions struct {
	// InMemory keeps the database in RAM; the path is ignored.
	InMemory   bool
	SyncWrites bool
	Logger     *logrus.Logger
}

// BadgerStore keeps every block as one value in a badger database, keyed
// by (disk, block). Absent keys read as zero blocks.
type BadgerStore struct {
	db       *badger.DB
	geometry Geometry
}

func openBadger(path string, opts BadgerOptions) (*badger.DB, error) {
	bopts := badger.DefaultOptions(path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open badger at %q: %w: %w", path, raiderr.ErrConfig, err)
	}
	return db, nil
}

// CreateBadgerStore provisions a new store. It refuses a database that
// already records a geometry.
func CreateBadgerStore(path string, g Geometry, opts BadgerOptions) (*BadgerStore, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	db, err := openBadger(path, opts)
	if err != nil {
		return nil, err
	}

	meta, err := yaml.Marshal(g)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blockstore: encode geometry: %w: %w", raiderr.ErrConfig, err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(geometryKey); err == nil {
			return fmt.Errorf("blockstore: %q already holds a store: %w", path, raiderr.ErrConfig)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(geometryKey, meta)
	})
	if err != nil {
		_ = db.Close()
		if errors.Is(err, raiderr.ErrConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("blockstore: record geometry: %w: %w", raiderr.ErrConfig, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      path,
		"inMemory":  opts.InMemory,
		"disks":     g.Disks,
		"blocks":    g.Blocks,
		"blockSize": g.BlockSize,
	}).Info("Created badger block store")
	return &BadgerStore{db: db, geometry: g}, nil
}

// OpenBadgerStore opens a database created by CreateBadgerStore.
func OpenBadgerStore(path string, opts BadgerOptions) (*BadgerStore, error) {
	db, err := openBadger(path, opts)
	if err != nil {
		return nil, err
	}

	var g Geometry
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(geometryKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return yaml.Unmarshal(val, &g)
		})
	})
	if err == nil {
		err = g.Validate()
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blockstore: load geometry from %q: %w: %w", path, raiderr.ErrConfig, err)
	}
	return &BadgerStore{db: db, geometry: g}, nil
}

func blockKey(disk, block int) []byte {
	key := make([]byte, 9)
	key[0] = blockKeyPrefix
	binary.BigEndian.PutUint32(key[1:5], uint32(disk))
	binary.BigEndian.PutUint32(key[5:9], uint32(block))
	return key
}

func (s *BadgerStore) Geometry() Geometry {
	return s.geometry
}

// readBlock returns the whole block or a zero block when absent.
func (s *BadgerStore) readBlock(txn *badger.Txn, disk, block int) ([]byte, error) {
	item, err := txn.Get(blockKey(disk, block))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return make([]byte, s.geometry.BlockSize), nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *BadgerStore) Read(ctx context.Context, disk, block, offset, length int) ([]byte, error) {
	if err := s.geometry.CheckRange(disk, block, offset, length); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		b, err := s.readBlock(txn, disk, block)
		if err != nil {
			return err
		}
		out = b[offset : offset+length]
		return nil
	})
	if err != nil {
		return nil, ioError("read", disk, block, err)
	}
	return out, nil
}

func (s *BadgerStore) Write(ctx context.Context, disk, block, offset int, data []byte) error {
	if err := s.geometry.CheckRange(disk, block, offset, len(data)); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		b, err := s.readBlock(txn, disk, block)
		if err != nil {
			return err
		}
		copy(b[offset:], data)
		return txn.Set(blockKey(disk, block), b)
	})
	if err != nil {
		return ioError("write", disk, block, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("blockstore: close badger: %w: %w", raiderr.ErrStorageIO, err)
	}
	return nil
}
