package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmorganca/llamabatch/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in LLAMABATCH_HOST")

const (
	defaultHost = "127.0.0.1"
	defaultPort = "11534"
)

var (
	// Set via LLAMABATCH_ORIGINS in the environment
	AllowOrigins []string
	// Set via LLAMABATCH_DEBUG in the environment
	Debug bool
	// Set via LLAMABATCH_DEBUG=2 in the environment
	Trace bool
	// Set via LLAMABATCH_MODEL in the environment
	Model string
	// Set via LLAMABATCH_CONTEXT_LENGTH in the environment
	ContextLength int
	// Set via LLAMABATCH_BATCH_SIZE in the environment
	BatchSize int
	// Set via LLAMABATCH_NUM_PARALLEL in the environment
	NumParallel int
	// Set via LLAMABATCH_SAFETY_FACTOR in the environment
	SafetyFactor int
	// Set via LLAMABATCH_MAX_ITERATIONS in the environment
	MaxIterations int
	// Set via LLAMABATCH_GENERATE_TIMEOUT in the environment
	GenerateTimeout time.Duration
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAMABATCH_DEBUG":            {"LLAMABATCH_DEBUG", Debug, "Show additional debug information (e.g. LLAMABATCH_DEBUG=1, 2 for trace)"},
		"LLAMABATCH_HOST":             {"LLAMABATCH_HOST", Host(), "IP Address for the server (default 127.0.0.1:11534)"},
		"LLAMABATCH_ORIGINS":          {"LLAMABATCH_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"LLAMABATCH_MODEL":            {"LLAMABATCH_MODEL", Model, "The model file to load"},
		"LLAMABATCH_CONTEXT_LENGTH":   {"LLAMABATCH_CONTEXT_LENGTH", ContextLength, "Context length in tokens (default 8192)"},
		"LLAMABATCH_BATCH_SIZE":       {"LLAMABATCH_BATCH_SIZE", BatchSize, "Tokens per batch (default 256)"},
		"LLAMABATCH_NUM_PARALLEL":     {"LLAMABATCH_NUM_PARALLEL", NumParallel, "Maximum number of parallel sequences (default 1)"},
		"LLAMABATCH_SAFETY_FACTOR":    {"LLAMABATCH_SAFETY_FACTOR", SafetyFactor, "Batches of output reserved per sequence (default 10)"},
		"LLAMABATCH_MAX_ITERATIONS":   {"LLAMABATCH_MAX_ITERATIONS", MaxIterations, "Maximum read iterations per generation (default 0, unbounded)"},
		"LLAMABATCH_GENERATE_TIMEOUT": {"LLAMABATCH_GENERATE_TIMEOUT", GenerateTimeout, "Maximum duration of a generation (default 0, none)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup returns the environment value of key, falling back to the config
// file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := lookup("LLAMABATCH_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug, Trace = n > 0, n > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Model = lookup("LLAMABATCH_MODEL")

	ContextLength = positiveInt("LLAMABATCH_CONTEXT_LENGTH", 8192)
	BatchSize = positiveInt("LLAMABATCH_BATCH_SIZE", 256)
	NumParallel = positiveInt("LLAMABATCH_NUM_PARALLEL", 1)
	SafetyFactor = positiveInt("LLAMABATCH_SAFETY_FACTOR", 10)

	MaxIterations = 0
	if s := lookup("LLAMABATCH_MAX_ITERATIONS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			slog.Error("invalid setting, ignoring", "LLAMABATCH_MAX_ITERATIONS", s, "error", err)
		} else {
			MaxIterations = n
		}
	}

	GenerateTimeout = 0
	if s := lookup("LLAMABATCH_GENERATE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			// plain seconds
			if n, nerr := strconv.ParseInt(s, 10, 64); nerr == nil && n >= 0 {
				d, err = time.Duration(n)*time.Second, nil
			}
		}

		if err != nil || d < 0 {
			slog.Error("invalid setting, ignoring", "LLAMABATCH_GENERATE_TIMEOUT", s, "error", err)
		} else {
			GenerateTimeout = d
		}
	}

	AllowOrigins = nil
	if origins := lookup("LLAMABATCH_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				AllowOrigins = append(AllowOrigins, origin)
			}
		}
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

func positiveInt(key string, defaultValue int) int {
	s := lookup(key)
	if s == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return defaultValue
	}
	return n
}

// LogLevel is the level the logger is created with.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Host returns the scheme and host of the server. Invalid values fall back
// to the default.
func Host() *url.URL {
	u, err := parseHost(lookup("LLAMABATCH_HOST"))
	if err != nil {
		slog.Warn("invalid LLAMABATCH_HOST, using default", "error", err)
		u, _ = parseHost("")
	}
	return u
}

func parseHost(s string) (*url.URL, error) {
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
	case scheme == "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}, nil
}
