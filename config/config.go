package config

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// Config is the runtime configuration.
type Config struct {
	Target ffiruntime.Target `toml:"target"`
	Memory Memory            `toml:"memory"`
	Log    Log               `toml:"log"`
	Audit  Audit             `toml:"audit"`
	Wasm   Wasm              `toml:"wasm"`
}

// Memory configures the simulated native address space.
type Memory struct {
	BaseAddress uint64 `toml:"base_address"`
	GuardBytes  uint64 `toml:"guard_bytes"`
}

// Log configures the zap logger installed into every package.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Audit configures the audit hook.
type Audit struct {
	Deny    []string `toml:"deny"`
	Enabled bool     `toml:"enabled"`
}

// Wasm configures the wazero backend.
type Wasm struct {
	HeapBase         uint32 `toml:"heap_base"`
	MemoryLimitPages uint32 `toml:"memory_limit_pages"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Target: ffiruntime.LP64(),
		Memory: Memory{
			BaseAddress: 0x10000,
			GuardBytes:  16,
		},
		Log: Log{
			Level: "info",
		},
		Wasm: Wasm{
			HeapBase:         0x10000,
			MemoryLimitPages: 256,
		},
	}
}

// Load reads a TOML file. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindConfiguration, err, "decode "+path)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes TOML from memory.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindConfiguration, err, "decode config")
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return errors.New(errors.PhaseConfig, errors.KindConfiguration).
		Detail("unknown keys: %s", strings.Join(names, ", ")).
		Build()
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	t := c.Target
	switch t.PointerSize {
	case 4, 8:
	default:
		return invalid("target.pointer_size", t.PointerSize)
	}
	switch t.LongSize {
	case 4, 8:
	default:
		return invalid("target.long_size", t.LongSize)
	}
	switch t.WCharSize {
	case 2, 4:
	default:
		return invalid("target.wchar_size", t.WCharSize)
	}
	switch t.ByteOrder {
	case "little", "big":
	default:
		return invalid("target.byte_order", t.ByteOrder)
	}
	if c.Memory.BaseAddress == 0 {
		return invalid("memory.base_address", c.Memory.BaseAddress)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return invalid("log.level", c.Log.Level)
	}
	if c.Wasm.HeapBase%8 != 0 {
		return invalid("wasm.heap_base", c.Wasm.HeapBase)
	}
	return nil
}

func invalid(key string, v any) error {
	return errors.New(errors.PhaseConfig, errors.KindConfiguration).
		Path(strings.Split(key, ".")...).
		Value(v).
		Detail("invalid value %v", v).
		Build()
}

// Build constructs a zap logger from the log section.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

// Hook returns the audit hook described by the section, or nil when auditing is off.
// Every event is logged at debug level; events on the deny list are rejected.
func (a Audit) Hook(log *zap.Logger) ffiruntime.AuditHook {
	if !a.Enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	deny := slices.Clone(a.Deny)
	return func(event string, args ...any) error {
		log.Debug("audit", zap.String("event", event), zap.Any("args", args))
		if slices.Contains(deny, event) {
			return fmt.Errorf("event %s denied by configuration", event)
		}
		return nil
	}
}
