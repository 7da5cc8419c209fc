package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the configuration file. Environment variables take precedence
// over it.
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Model struct {
		Path          string `toml:"path"`
		ContextLength int    `toml:"context_length"`
		BatchSize     int    `toml:"batch_size"`
		NumParallel   int    `toml:"num_parallel"`
	} `toml:"model"`

	Generate struct {
		SafetyFactor  int    `toml:"safety_factor"`
		MaxIterations int    `toml:"max_iterations"`
		Timeout       string `toml:"timeout"`
	} `toml:"generate"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	if p := os.Getenv("LLAMABATCH_CONFIG"); p != "" {
		paths = append(paths, p)
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "llamabatch", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".llamabatch", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "llamabatch", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".llamabatch", "config.toml"))
		}
		paths = append(paths, "/etc/llamabatch/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadConfigFile forgets the loaded config file so the next lookup reads
// it again.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// ConfigFile returns the path of the loaded config file, if any.
func ConfigFile() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	positive := func(n int) string {
		if n > 0 {
			return strconv.Itoa(n)
		}
		return ""
	}

	switch key {
	case "LLAMABATCH_HOST":
		return config.Server.Host
	case "LLAMABATCH_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "LLAMABATCH_MODEL":
		return config.Model.Path
	case "LLAMABATCH_CONTEXT_LENGTH":
		return positive(config.Model.ContextLength)
	case "LLAMABATCH_BATCH_SIZE":
		return positive(config.Model.BatchSize)
	case "LLAMABATCH_NUM_PARALLEL":
		return positive(config.Model.NumParallel)
	case "LLAMABATCH_SAFETY_FACTOR":
		return positive(config.Generate.SafetyFactor)
	case "LLAMABATCH_MAX_ITERATIONS":
		return positive(config.Generate.MaxIterations)
	case "LLAMABATCH_GENERATE_TIMEOUT":
		return config.Generate.Timeout
	case "LLAMABATCH_DEBUG":
		return positive(config.Logging.Debug)
	}

	return ""
}

// LoadDotEnv loads environment variables from ~/.llamabatch/.env. A missing
// file is not an error. Variables already set are not overridden.
func LoadDotEnv() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	envPath := filepath.Join(home, ".llamabatch", ".env")
	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	return nil
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# llamabatch configuration file
# Environment variables (LLAMABATCH_*) take precedence over these values.

[server]
# Network binding address (default: "127.0.0.1:11534")
host = "127.0.0.1:11534"
# Allowed CORS origins
origins = ["http://localhost:3000"]

[model]
# Model file loaded by serve
path = "/path/to/model.llbt"
# Context length in tokens (default: 8192)
context_length = 8192
# Tokens per batch (default: 256)
batch_size = 256
# Maximum number of parallel sequences (default: 1)
num_parallel = 1

[generate]
# Batches of output reserved per sequence (default: 10)
safety_factor = 10
# Maximum read iterations per generation (default: 0 = unbounded)
max_iterations = 0
# Maximum duration of a generation (default: none)
timeout = "5m"

[logging]
# 1 for debug, 2 for trace (default: 0)
debug = 0
`
}
