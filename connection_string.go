package marrow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	engine "github.com/marrowdb/marrow/internal/marrow"
	"go.uber.org/zap"
)

// ConnectionConfig holds parsed connection string parameters.
type ConnectionConfig struct {
	Filename       string // database file path, or ":memory:"
	Password       string
	ReadOnly       bool
	Upgrade        bool   // migrate an older schema version on open
	Collation      string // "<culture>/<compare-options>", empty = default
	InitialSize    int64  // preallocated DATA size in bytes for new files
	AutoRebuild    bool
	LogLevel       string // debug, info, warn, error (default: warn)
	MaxCachedPages int    // page cache cap (0 = engine default)
}

// DefaultConnectionConfig returns default configuration.
func DefaultConnectionConfig(filename string) *ConnectionConfig {
	return &ConnectionConfig{
		Filename: filename,
		LogLevel: "warn",
	}
}

// ParseConnectionString parses a connection string with optional query
// parameters.
//
// Format: /path/to/database.db?param1=value1&param2=value2
//
// Supported parameters:
//   - password=<secret>            : Open a password-protected database
//   - read_only=true|false         : Reject write transactions (default: false)
//   - upgrade=true|false           : Migrate older schema versions (default: false)
//   - collation=<culture>/<opts>   : Collation for new databases
//   - initial_size=<bytes>         : Preallocated DATA size for new files
//   - auto_rebuild=true|false      : Rebuild a damaged file on open
//   - log_level=debug|info|warn|error : Logging level (default: warn)
//   - max_cached_pages=<n>         : Page cache cap
//
// Examples:
//   - "./my.db"                       : Default settings
//   - ":memory:"                      : In-memory database
//   - "./my.db?read_only=true"        : Read-only open
//   - "./my.db?collation=en-US/IgnoreCase&log_level=debug"
func ParseConnectionString(connStr string) (*ConnectionConfig, error) {
	parts := strings.SplitN(connStr, "?", 2)

	config := DefaultConnectionConfig(parts[0])
	if config.Filename == "" {
		return nil, fmt.Errorf("connection string is missing a filename")
	}
	if len(parts) == 1 {
		return config, nil
	}

	queryParams, err := url.ParseQuery(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid connection string query parameters: %w", err)
	}

	config.Password = queryParams.Get("password")
	config.Collation = queryParams.Get("collation")

	for _, flag := range []struct {
		name string
		dst  *bool
	}{
		{"read_only", &config.ReadOnly},
		{"upgrade", &config.Upgrade},
		{"auto_rebuild", &config.AutoRebuild},
	} {
		if raw := queryParams.Get(flag.name); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s parameter: must be 'true' or 'false', got %q", flag.name, raw)
			}
			*flag.dst = v
		}
	}

	if raw := queryParams.Get("initial_size"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("invalid initial_size parameter: must be a non-negative integer, got %q", raw)
		}
		config.InitialSize = size
	}

	if raw := queryParams.Get("max_cached_pages"); raw != "" {
		maxPages, err := strconv.Atoi(raw)
		if err != nil || maxPages < 0 {
			return nil, fmt.Errorf("invalid max_cached_pages parameter: must be a non-negative integer, got %q", raw)
		}
		config.MaxCachedPages = maxPages
	}

	if logLevel := queryParams.Get("log_level"); logLevel != "" {
		logLevel = strings.ToLower(logLevel)
		switch logLevel {
		case "debug", "info", "warn", "error":
			config.LogLevel = logLevel
		default:
			return nil, fmt.Errorf("invalid log_level parameter: must be 'debug', 'info', 'warn', or 'error', got %q", logLevel)
		}
	}

	return config, nil
}

// GetZapLevel converts the log level string to a zap level.
func (c *ConnectionConfig) GetZapLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	}
}

// engineOptions lowers the parsed configuration to engine open options.
func (c *ConnectionConfig) engineOptions(logger *zap.Logger) (engine.Options, error) {
	opts := engine.Options{
		Filename:       c.Filename,
		Password:       c.Password,
		ReadOnly:       c.ReadOnly,
		Upgrade:        c.Upgrade,
		InitialSize:    c.InitialSize,
		MaxCachedPages: c.MaxCachedPages,
		AutoRebuild:    c.AutoRebuild,
		Logger:         logger,
	}
	if c.Collation != "" {
		collation, err := engine.ParseCollation(c.Collation)
		if err != nil {
			return engine.Options{}, err
		}
		opts.Collation = &collation
	}
	return opts, nil
}
