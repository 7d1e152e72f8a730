package ammalloc

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config holds every tunable ammalloc reads at startup. Fields mirror
// original_source/include/ammalloc/common.h's RuntimeConfig: environment
// variables are the primary source, with an optional TOML file (named by
// AM_CONFIG_FILE) supplying defaults for anything the environment doesn't
// set. The environment always wins when both are present.
type Config struct {
	// TCSizeMax is the upper bound on object size routed through
	// ThreadCache/CentralCache at all; anything larger goes straight to
	// PageCache. AM_TC_SIZE, suffixed with K/M/G. Clamped to maxTCSize,
	// the compiled MAX_TC_SIZE ceiling (spec.md §6/§3).
	TCSizeMax uintptr

	// UseMapPopulate adds MAP_POPULATE/MADV_WILLNEED to page requests,
	// trading slower allocation for no first-touch page faults.
	// AM_USE_MAP_POPULATE, a truthy string.
	UseMapPopulate bool

	// LogLevel is the minimum zap level the package logger emits.
	// AM_LOG_LEVEL: one of debug, info, warn, error.
	LogLevel string
}

// defaultTCSizeMax is the out-of-the-box TCSizeMax: the full compiled
// MAX_TC_SIZE budget, matching spec.md §3's "max_tc_size (upper bound,
// <= MAX_TC_SIZE)" when AM_TC_SIZE is unset.
const defaultTCSizeMax = maxTCSize

func defaultConfig() *Config {
	return &Config{
		TCSizeMax:      defaultTCSizeMax,
		UseMapPopulate: false,
		LogLevel:       "info",
	}
}

// tomlFileConfig is the shape of an optional AM_CONFIG_FILE; every field is
// optional and only supplies a default when the matching environment
// variable is unset.
type tomlFileConfig struct {
	TCSize         string `toml:"tc_size"`
	UseMapPopulate *bool  `toml:"use_map_populate"`
	LogLevel       string `toml:"log_level"`
}

var (
	globalConfig atomic.Pointer[Config]
	configOnce   sync.Once
)

// getConfig returns the process-wide Config, initializing it from the
// environment (and optional TOML file) on first use.
func getConfig() *Config {
	configOnce.Do(func() {
		globalConfig.Store(initFromEnv())
	})
	return globalConfig.Load()
}

// SetConfig overrides the process-wide Config, for tests and embedders that
// want to bypass the environment entirely.
func SetConfig(c *Config) {
	configOnce.Do(func() {})
	globalConfig.Store(c)
}

// initFromEnv builds a Config from AM_CONFIG_FILE (if set) overlaid with
// AM_* environment variables, the latter always winning. Mirrors
// original_source/src/ammalloc/config.cpp's InitFromEnv precedence.
func initFromEnv() *Config {
	cfg := defaultConfig()

	if path := os.Getenv("AM_CONFIG_FILE"); path != "" {
		var fc tomlFileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			bootstrapLogger().Warn("failed to read AM_CONFIG_FILE, ignoring", zap.String("path", path), zap.Error(err))
		} else {
			applyTOML(cfg, &fc)
		}
	}

	if v, ok := os.LookupEnv("AM_TC_SIZE"); ok {
		if n, err := parseSize(v); err != nil {
			bootstrapLogger().Warn("invalid AM_TC_SIZE, keeping default", zap.String("value", v), zap.Error(err))
		} else {
			cfg.TCSizeMax = n
		}
	}
	if cfg.TCSizeMax > maxTCSize {
		cfg.TCSizeMax = maxTCSize
	}
	if cfg.TCSizeMax == 0 {
		cfg.TCSizeMax = defaultTCSizeMax
	}

	if v, ok := os.LookupEnv("AM_USE_MAP_POPULATE"); ok {
		cfg.UseMapPopulate = parseBool(v)
	}
	if v, ok := os.LookupEnv("AM_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg
}

func applyTOML(cfg *Config, fc *tomlFileConfig) {
	if fc.TCSize != "" {
		if n, err := parseSize(fc.TCSize); err == nil {
			cfg.TCSizeMax = n
		}
	}
	if fc.UseMapPopulate != nil {
		cfg.UseMapPopulate = *fc.UseMapPopulate
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(fc.LogLevel)
	}
}

// parseSize parses a byte count with an optional K/M/G suffix (case
// insensitive, binary multiples), e.g. "4M" -> 4<<20. Matches
// original_source/include/ammalloc/common.h's ParseSize.
func parseSize(s string) (uintptr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}
	mult := uintptr(1)
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse size %q", s)
	}
	return uintptr(n) * mult, nil
}

// parseBool accepts the truthy-string set original_source/common.cpp's
// ParseBool recognizes: "1", "true", "yes", "on" (case insensitive).
// Anything else, including unset or empty, is false.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// --- logging ---

var globalLogger atomic.Pointer[zap.Logger]

// bootstrapLogger is a throwaway logger used only while parsing Config
// itself, before AM_LOG_LEVEL is known. It is never stored as the package
// logger — logger() below builds the real one once the level is resolved.
func bootstrapLogger() *zap.Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return z
}

// logger returns the package-wide zap.Logger, built lazily at the level
// named by AM_LOG_LEVEL/Config.LogLevel unless SetLogger overrode it.
func logger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	cfg := getConfig()
	level := zap.InfoLevel
	if err := (&level).UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zap.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	z, err := zc.Build()
	if err != nil {
		z = zap.NewNop()
	}
	globalLogger.Store(z)
	return z
}

// SetLogger overrides the package-wide logger, for embedders that want
// ammalloc's diagnostics folded into their own zap tree.
func SetLogger(l *zap.Logger) {
	globalLogger.Store(l)
}

func zapUintptr(key string, v uintptr) zap.Field { return zap.Uint64(key, uint64(v)) }
func zapInt(key string, v int) zap.Field         { return zap.Int(key, v) }
func zapErr(err error) zap.Field                 { return zap.Error(err) }
