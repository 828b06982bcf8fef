package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every worker-level option for the storage coordination core.
type Config struct {
	Worker       WorkerConfig       `koanf:"worker"`
	Coordination CoordinationConfig `koanf:"coordination"`
	Swap         SwapConfig         `koanf:"swap"`
	MemoryCache  MemoryCacheConfig  `koanf:"memoryCache"`
	QuickAbort   QuickAbortConfig   `koanf:"quickAbort"`
	Logging      LoggingConfig      `koanf:"logging"`
	Ops          OpsConfig          `koanf:"ops"`
}

// WorkerConfig identifies this process within the worker group sharing one
// cache. KidID is 1-based; Workers is the total group size.
type WorkerConfig struct {
	KidID   int `koanf:"kidId"`
	Workers int `koanf:"workers"`
}

// CoordinationConfig selects and tunes the cross-worker coordination backend:
// the transients index plus the collapsed-forwarding notification bus.
type CoordinationConfig struct {
	// Backend is "shm" (same-host workers over a shared mapping) or "valkey".
	Backend string `koanf:"backend"`
	// Directory hosts the shared mappings and notification sockets for the
	// shm backend.
	Directory string `koanf:"directory"`
	// QueueCapacity is the per-(sender,receiver) notification ring capacity.
	// Must be a power of two.
	QueueCapacity int `koanf:"queueCapacity"`
	// Slots is the transients index capacity for the shm backend.
	Slots  int          `koanf:"slots"`
	Valkey ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig points the valkey coordination backend at its server.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// SwapConfig locates the disk swap store.
type SwapConfig struct {
	Directory string `koanf:"directory"`
	// SlabKiB is the body slab granularity used when swapping entries out.
	SlabKiB int `koanf:"slabKiB"`
}

// MemoryCacheConfig bounds the process-local cache of completed entries.
type MemoryCacheConfig struct {
	TTLSeconds   int `koanf:"ttlSeconds"`
	MaxObjectKiB int `koanf:"maxObjectKiB"`
}

// QuickAbortConfig tunes the heuristic that decides whether an in-flight
// fetch is cancelled once the last local consumer disconnects. MinKiB < 0
// disables the heuristic entirely (fetches always continue).
type QuickAbortConfig struct {
	MinKiB int64 `koanf:"minKiB"`
	MaxKiB int64 `koanf:"maxKiB"`
	Pct    int64 `koanf:"pct"`
}

// LoggingConfig expresses log level, format, and optional rotating file sink.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// File enables a rotating log file when set; empty logs to stdout.
	File       string `koanf:"file"`
	MaxSizeMiB int    `koanf:"maxSizeMiB"`
	MaxBackups int    `koanf:"maxBackups"`
	MaxAgeDays int    `koanf:"maxAgeDays"`
	Compress   bool   `koanf:"compress"`
}

// OpsConfig instructs the manager/metrics listener about bind address and port.
type OpsConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// Tunables groups the options that may be re-applied at runtime when the
// configuration file changes; everything else requires a restart.
type Tunables struct {
	QuickAbort  QuickAbortConfig
	MemoryCache MemoryCacheConfig
}

// Tunables extracts the live-reloadable subset of this configuration.
func (c Config) Tunables() Tunables {
	return Tunables{QuickAbort: c.QuickAbort, MemoryCache: c.MemoryCache}
}

// Validate enforces invariants that keep the worker group predictable before
// any shared state is touched.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Worker.Workers < 1 {
		return fmt.Errorf("config: worker.workers invalid: %d", c.Worker.Workers)
	}
	if c.Worker.KidID < 1 || c.Worker.KidID > c.Worker.Workers {
		return fmt.Errorf("config: worker.kidId %d outside 1..%d", c.Worker.KidID, c.Worker.Workers)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Coordination.Backend))
	switch backend {
	case "", "shm":
		if strings.TrimSpace(c.Coordination.Directory) == "" {
			return errors.New("config: coordination.directory required for shm backend")
		}
	case "valkey":
		if strings.TrimSpace(c.Coordination.Valkey.Address) == "" {
			return errors.New("config: coordination.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: coordination.backend unsupported: %s", c.Coordination.Backend)
	}
	if q := c.Coordination.QueueCapacity; q < 2 || q&(q-1) != 0 {
		return fmt.Errorf("config: coordination.queueCapacity must be a power of two, got %d", q)
	}
	if c.Coordination.Slots < 1 {
		return fmt.Errorf("config: coordination.slots invalid: %d", c.Coordination.Slots)
	}
	if strings.TrimSpace(c.Swap.Directory) == "" {
		return errors.New("config: swap.directory required")
	}
	if c.Swap.SlabKiB < 1 {
		return fmt.Errorf("config: swap.slabKiB invalid: %d", c.Swap.SlabKiB)
	}
	if c.MemoryCache.TTLSeconds < 0 {
		return fmt.Errorf("config: memoryCache.ttlSeconds invalid: %d", c.MemoryCache.TTLSeconds)
	}
	if c.QuickAbort.Pct < 0 || c.QuickAbort.Pct > 100 {
		return fmt.Errorf("config: quickAbort.pct outside 0..100: %d", c.QuickAbort.Pct)
	}
	if c.QuickAbort.MinKiB >= 0 && c.QuickAbort.MaxKiB < c.QuickAbort.MinKiB {
		return fmt.Errorf("config: quickAbort.maxKiB %d below minKiB %d", c.QuickAbort.MaxKiB, c.QuickAbort.MinKiB)
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("config: ops.port invalid: %d", c.Ops.Port)
	}
	return nil
}

// DefaultConfig returns the baseline values for a single-worker deployment.
func DefaultConfig() Config {
	return Config{
		Worker: WorkerConfig{
			KidID:   1,
			Workers: 1,
		},
		Coordination: CoordinationConfig{
			Backend:       "shm",
			Directory:     "/dev/shm/squid-sub000",
			QueueCapacity: 1024,
			Slots:         16384,
		},
		Swap: SwapConfig{
			Directory: "./cache",
			SlabKiB:   32,
		},
		MemoryCache: MemoryCacheConfig{
			TTLSeconds:   300,
			MaxObjectKiB: 512,
		},
		QuickAbort: QuickAbortConfig{
			MinKiB: 16,
			MaxKiB: 16384,
			Pct:    95,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMiB: 64,
			MaxBackups: 4,
		},
		Ops: OpsConfig{
			Address: "127.0.0.1",
			Port:    3132,
		},
	}
}
