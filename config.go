package raid6

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/raid6/pkg/logging"
	"github.com/i5heu/raid6/pkg/raiderr"
)

// Backend selects the BlockStore implementation behind an Array.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendBadger Backend = "badger"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendMemory, BackendFile, BackendBadger:
		return b, nil
	default:
		return "", fmt.Errorf("raid6: unknown backend %q: %w", s, raiderr.ErrConfig)
	}
}

// Config configures an Array.
type Config struct {
	// Path is the directory of the file or badger store. Ignored by the
	// memory backend.
	Path    string
	Backend Backend
	// MinimumFreeGB is the free space the file backend leaves on the volume.
	MinimumFreeGB uint
	SyncWrites    bool
	// Logger is an optional logrus logger. If nil, an info-level stderr
	// logger is used.
	Logger *logrus.Logger
	// ScrubWorkers is the number of stripes Check verifies concurrently.
	ScrubWorkers int
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.Logger == nil {
		c.Logger = logging.New("info")
	}
}
