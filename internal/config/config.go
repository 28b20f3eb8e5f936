package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/engine"
)

const (
	defaultListenAddr   = ":9090"
	defaultDBPath       = ":memory:"
	defaultDeviceMemory = 1 << 30
	defaultStreams      = 2

	envListenAddr     = "DYNEXEC_LISTEN_ADDR"
	envDBPath         = "DYNEXEC_DB_PATH"
	envLogLevel       = "DYNEXEC_LOG_LEVEL"
	envPrepareWorkers = "DYNEXEC_PREPARE_WORKERS"
	envReadyQueueSize = "DYNEXEC_READY_QUEUE_SIZE"
	envSizeSlack      = "DYNEXEC_SIZE_SLACK"
	envDispatchSink   = "DYNEXEC_DISPATCH_SINK"
	envDump           = "DYNEXEC_DUMP"
	envProfiling      = "DYNEXEC_PROFILING"
	envDeviceMemory   = "DYNEXEC_DEVICE_MEMORY"
	envStreams        = "DYNEXEC_STREAMS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	PrepareWorkers int
	ReadyQueueSize int
	SizeSlack      int64
	DispatchSink   bool
	Dump           bool
	Profiling      bool

	DeviceMemory int64
	Streams      int
}

// Load reads configuration from environment variables with sensible defaults.
// Values that do not parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		PrepareWorkers: runtime.NumCPU(),
		ReadyQueueSize: engine.DefaultReadyQueueSize,
		SizeSlack:      engine.DefaultSizeSlack,
		Profiling:      true,
		DeviceMemory:   defaultDeviceMemory,
		Streams:        defaultStreams,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	cfg.PrepareWorkers = envInt(envPrepareWorkers, cfg.PrepareWorkers)
	cfg.ReadyQueueSize = envInt(envReadyQueueSize, cfg.ReadyQueueSize)
	cfg.SizeSlack = envInt64(envSizeSlack, cfg.SizeSlack)
	cfg.DispatchSink = envBool(envDispatchSink, cfg.DispatchSink)
	cfg.Dump = envBool(envDump, cfg.Dump)
	cfg.Profiling = envBool(envProfiling, cfg.Profiling)
	cfg.DeviceMemory = envInt64(envDeviceMemory, cfg.DeviceMemory)
	cfg.Streams = envInt(envStreams, cfg.Streams)

	return cfg
}

// Policy returns the scheduler policy described by the configuration.
func (c Config) Policy() engine.Policy {
	return engine.Policy{
		PrepareWorkers: c.PrepareWorkers,
		ReadyQueueSize: c.ReadyQueueSize,
		SizeSlack:      c.SizeSlack,
		DispatchSink:   c.DispatchSink,
		Dump:           c.Dump,
		Profiling:      c.Profiling,
	}
}

// Device returns the device configuration.
func (c Config) Device() device.Config {
	return device.Config{
		Streams:       c.Streams,
		MaxAllocation: c.DeviceMemory,
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
