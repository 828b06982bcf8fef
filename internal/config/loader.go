package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the worker configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"worker.kidid":                   "worker.kidId",
			"coordination.queuecapacity":     "coordination.queueCapacity",
			"coordination.valkey.tls.cafile": "coordination.valkey.tls.caFile",
			"swap.slabkib":                   "swap.slabKiB",
			"memorycache.ttlseconds":         "memoryCache.ttlSeconds",
			"memorycache.maxobjectkib":       "memoryCache.maxObjectKiB",
			"quickabort.minkib":              "quickAbort.minKiB",
			"quickabort.maxkib":              "quickAbort.maxKiB",
			"quickabort.pct":                 "quickAbort.pct",
			"memorycache":                    "memoryCache",
			"quickabort":                     "quickAbort",
			"logging.maxsizemib":             "logging.maxSizeMiB",
			"logging.maxbackups":             "logging.maxBackups",
			"logging.maxagedays":             "logging.maxAgeDays",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (QUICKABORT__MINKIB -> quickAbort.minKiB).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			parts := strings.Split(lower, ".")
			for i, part := range parts {
				if mapped, ok := canonical[part]; ok {
					parts[i] = mapped
				}
			}
			return strings.Join(parts, ".")
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"worker": map[string]any{
			"kidId":   cfg.Worker.KidID,
			"workers": cfg.Worker.Workers,
		},
		"coordination": map[string]any{
			"backend":       cfg.Coordination.Backend,
			"directory":     cfg.Coordination.Directory,
			"queueCapacity": cfg.Coordination.QueueCapacity,
			"slots":         cfg.Coordination.Slots,
			"valkey": map[string]any{
				"address":  cfg.Coordination.Valkey.Address,
				"username": cfg.Coordination.Valkey.Username,
				"password": cfg.Coordination.Valkey.Password,
				"db":       cfg.Coordination.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Coordination.Valkey.TLS.Enabled,
					"caFile":  cfg.Coordination.Valkey.TLS.CAFile,
				},
			},
		},
		"swap": map[string]any{
			"directory": cfg.Swap.Directory,
			"slabKiB":   cfg.Swap.SlabKiB,
		},
		"memoryCache": map[string]any{
			"ttlSeconds":   cfg.MemoryCache.TTLSeconds,
			"maxObjectKiB": cfg.MemoryCache.MaxObjectKiB,
		},
		"quickAbort": map[string]any{
			"minKiB": cfg.QuickAbort.MinKiB,
			"maxKiB": cfg.QuickAbort.MaxKiB,
			"pct":    cfg.QuickAbort.Pct,
		},
		"logging": map[string]any{
			"level":      cfg.Logging.Level,
			"format":     cfg.Logging.Format,
			"file":       cfg.Logging.File,
			"maxSizeMiB": cfg.Logging.MaxSizeMiB,
			"maxBackups": cfg.Logging.MaxBackups,
			"maxAgeDays": cfg.Logging.MaxAgeDays,
			"compress":   cfg.Logging.Compress,
		},
		"ops": map[string]any{
			"address": cfg.Ops.Address,
			"port":    cfg.Ops.Port,
		},
	}
}
