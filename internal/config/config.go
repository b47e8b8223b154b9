package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config is built once in main and handed to every component that needs it.
// Nothing in the tree reads the environment after startup.
type Config struct {
	Bind        string
	Port        int
	LogLevel    zerolog.Level
	AgentSocket string

	// ToolsFile optionally overrides the built-in probe table for
	// privileged command discovery.
	ToolsFile string

	// FlashBlockSize is the dd block size in bytes.
	FlashBlockSize int64

	// IPC client tuning.
	RequestTimeout   time.Duration
	ReconnectBackoff time.Duration
}

const (
	DefaultAgentSocket = "/run/diskforge-agent.sock"
	DefaultToolsFile   = "/etc/diskforge/tools.yaml"
)

func FromEnv() Config {
	cfg := Config{
		Bind:             "127.0.0.1",
		Port:             9300,
		LogLevel:         zerolog.InfoLevel,
		AgentSocket:      DefaultAgentSocket,
		ToolsFile:        DefaultToolsFile,
		FlashBlockSize:   4 * 1024 * 1024,
		RequestTimeout:   10 * time.Second,
		ReconnectBackoff: 3 * time.Second,
	}

	if v := os.Getenv("DISKFORGE_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("DISKFORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DISKFORGE_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("DISKFORGE_AGENT_SOCKET"); v != "" {
		cfg.AgentSocket = v
	}
	if v := os.Getenv("DISKFORGE_TOOLS_FILE"); v != "" {
		cfg.ToolsFile = v
	}
	if v := os.Getenv("DISKFORGE_FLASH_BS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.FlashBlockSize = n
		}
	}

	return cfg
}

// Logger builds the process logger at the configured level.
func Logger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).Level(cfg.LogLevel).With().Timestamp().Logger()
}
