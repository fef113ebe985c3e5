package blockstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	psdisk "github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/raid6/pkg/raiderr"
)

// ConfigFileName is the file inside the store directory that records the
// geometry.
const ConfigFileName = "config.yaml"

const configVersion = 1

// FileOptions tunes a FileStore.
type FileOptions struct {
	// MinimumFreeGB is the free space that must remain on the volume after
	// the disk files are provisioned.
	MinimumFreeGB uint
	// SyncWrites fsyncs the disk file after every write.
	SyncWrites bool
	Logger     *logrus.Logger
}

type fileConfig struct {
	Version  int      `yaml:"version"`
	Geometry Geometry `yaml:"geometry"`
}

// FileStore simulates every disk with one file named disk<i> inside a
// directory. Block b of a disk lives at byte b*BlockSize of its file.
type FileStore struct {
	path     string
	geometry Geometry
	files    []*os.File
	opts     FileOptions
}

// CreateFileStore provisions a new store in path. It refuses to overwrite an
// existing store.
func CreateFileStore(path string, g Geometry, opts FileOptions) (*FileStore, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	configPath := filepath.Join(path, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		return nil, fmt.Errorf("blockstore: %s already holds a store: %w", path, raiderr.ErrConfig)
	}
	if err := checkFreeSpace(path, g.Size(), opts.MinimumFreeGB); err != nil {
		return nil, err
	}

	s := &FileStore{path: path, geometry: g, opts: opts}
	for i := 0; i < g.Disks; i++ {
		f, err := os.OpenFile(s.diskPath(i), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("blockstore: create disk %d: %w: %w", i, raiderr.ErrConfig, err)
		}
		s.files = append(s.files, f)
		if err := f.Truncate(g.DiskSize()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("blockstore: size disk %d: %w: %w", i, raiderr.ErrConfig, err)
		}
	}

	data, err := yaml.Marshal(fileConfig{Version: configVersion, Geometry: g})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("blockstore: encode config: %w: %w", raiderr.ErrConfig, err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("blockstore: write config: %w: %w", raiderr.ErrConfig, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      path,
		"disks":     g.Disks,
		"blocks":    g.Blocks,
		"blockSize": g.BlockSize,
	}).Info("Created file block store")
	return s, nil
}

// OpenFileStore loads the geometry recorded by CreateFileStore and opens
// every disk file.
func OpenFileStore(path string, opts FileOptions) (*FileStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	g, err := LoadGeometry(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{path: path, geometry: g, opts: opts}
	for i := 0; i < g.Disks; i++ {
		f, err := os.OpenFile(s.diskPath(i), os.O_RDWR, 0)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("blockstore: open disk %d: %w: %w", i, raiderr.ErrConfig, err)
		}
		s.files = append(s.files, f)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":     path,
		"geometry": g.String(),
	}).Debug("Opened file block store")
	return s, nil
}

// LoadGeometry reads the geometry of the store in path.
func LoadGeometry(path string) (Geometry, error) {
	data, err := os.ReadFile(filepath.Join(path, ConfigFileName))
	if err != nil {
		return Geometry{}, fmt.Errorf("blockstore: read config in %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	var conf fileConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Geometry{}, fmt.Errorf("blockstore: parse config in %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	if conf.Version != configVersion {
		return Geometry{}, fmt.Errorf("blockstore: config version %d in %s: %w", conf.Version, path, raiderr.ErrConfig)
	}
	if err := conf.Geometry.Validate(); err != nil {
		return Geometry{}, err
	}
	return conf.Geometry, nil
}

func checkFreeSpace(path string, need int64, minimumFreeGB uint) error {
	usage, err := psdisk.Usage(path)
	if err != nil {
		return fmt.Errorf("blockstore: disk usage of %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	required := uint64(need) + uint64(minimumFreeGB)<<30
	if usage.Free < required {
		return fmt.Errorf("blockstore: %s has %d bytes free, need %d: %w", path, usage.Free, required, raiderr.ErrConfig)
	}
	return nil
}

func (s *FileStore) diskPath(disk int) string {
	return filepath.Join(s.path, fmt.Sprintf("disk%d", disk))
}

func (s *FileStore) Geometry() Geometry {
	return s.geometry
}

// Path returns the directory holding the store.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) offset(block, offset int) int64 {
	return int64(block)*int64(s.geometry.BlockSize) + int64(offset)
}

func (s *FileStore) Read(ctx context.Context, disk, block, offset, length int) ([]byte, error) {
	if err := s.geometry.CheckRange(disk, block, offset, length); err != nil {
		return nil, err
	}
	if s.files == nil {
		return nil, ioError("read", disk, block, errClosed)
	}
	buf := make([]byte, length)
	n, err := s.files[disk].ReadAt(buf, s.offset(block, offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, ioError("read", disk, block, err)
	}
	// A file shortened behind our back reads as zeros past its end.
	clear(buf[n:])
	return buf, nil
}

func (s *FileStore) Write(ctx context.Context, disk, block, offset int, data []byte) error {
	if err := s.geometry.CheckRange(disk, block, offset, len(data)); err != nil {
		return err
	}
	if s.files == nil {
		return ioError("write", disk, block, errClosed)
	}
	f := s.files[disk]
	if _, err := f.WriteAt(data, s.offset(block, offset)); err != nil {
		return ioError("write", disk, block, err)
	}
	if s.opts.SyncWrites {
		if err := f.Sync(); err != nil {
			return ioError("sync", disk, block, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	var err error
	for _, f := range s.files {
		err = multierr.Append(err, f.Close())
	}
	s.files = nil
	if err != nil {
		return fmt.Errorf("blockstore: close %s: %w: %w", s.path, raiderr.ErrStorageIO, err)
	}
	return nil
}
