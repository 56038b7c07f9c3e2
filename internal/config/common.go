package config

import (
	"time"

	"github.com/rs/zerolog"
)

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Port     int    `name:"port" env:"PORT" default:"9002" help:"gRPC server listen port."`
	CertPath string `name:"cert-path" env:"CERT_PATH" type:"path" help:"Directory containing server.crt and server.key. Plaintext gRPC when empty."`
	CAFile   string `name:"ca-file" env:"CA_FILE" type:"path" help:"Path to CA certificate file for the health check dial."`
}

// HealthConfig holds health check and metrics server configuration.
type HealthConfig struct {
	Port           int    `name:"port" env:"PORT" default:"8080" help:"Health check and metrics HTTP listen port."`
	DialServerName string `name:"dial-server-name" env:"DIAL_SERVER_NAME" default:"grpc-ext-proc.envoygateway" help:"TLS server name for health check gRPC dial."`
}

type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// LogConfig holds the process's own diagnostic logging configuration.
type LogConfig struct {
	Level      zerolog.Level `name:"level" env:"LEVEL" default:"info" help:"Log level (trace, debug, info, warn, error, fatal, panic)."`
	Output     string        `name:"output" env:"OUTPUT" default:"stdout" help:"Log output location: 'stdout', 'stderr', or a file path."`
	Format     LogFormat     `name:"format" env:"FORMAT" default:"json" enum:"json,console" help:"Log format: 'json' or 'console'."`
	MaxSize    int           `name:"max-size" env:"MAX_SIZE" default:"100" help:"Max size in MB before log rotation (0 disables rotation)."`
	MaxAge     int           `name:"max-age" env:"MAX_AGE" default:"30" help:"Max age in days to retain old log files (0 keeps all)."`
	MaxBackups int           `name:"max-backups" env:"MAX_BACKUPS" default:"10" help:"Max number of old log files to retain (0 keeps all)."`
	Compress   bool          `name:"compress" env:"COMPRESS" default:"true" help:"Compress rotated log files with gzip."`
}

// ScopeConfig mirrors the webapi/logger scope settings.
type ScopeConfig struct {
	Enable                bool   `name:"enable" env:"ENABLE" default:"true" negatable:"" help:"Capture API exchanges."`
	EnableIntegrationName bool   `name:"enable-integration-name" env:"ENABLE_INTEGRATION_NAME" help:"Annotate redacted Authorization headers with the integration name."`
	ExcludeServices       string `name:"exclude-services" env:"EXCLUDE_SERVICES" help:"Comma-separated route patterns to skip, e.g. 'V1/orders/:id'."`
	SavePath              string `name:"save-path" env:"SAVE_PATH" default:"var/log/webapi_rest" help:"Base directory of the per-route log files."`
	File                  string `name:"file" env:"FILE" type:"path" help:"YAML scope file overriding the flags above; reloaded on change."`
}

// Scope returns the flag values as a snapshot.
func (c ScopeConfig) Scope() Scope {
	return Scope{
		Enabled:             c.Enable,
		DiscloseIntegration: c.EnableIntegrationName,
		ExcludeServices:     ParseServices(c.ExcludeServices),
		SavePath:            c.SavePath,
	}
}

// CaptureConfig bounds what a single exchange may hold in memory.
type CaptureConfig struct {
	MaxBodySize  int           `name:"max-body-size" env:"MAX_BODY_SIZE" default:"1048576" help:"Largest body captured verbatim, in bytes; larger bodies are replaced by a notice."`
	SlotCapacity int           `name:"slot-capacity" env:"SLOT_CAPACITY" default:"10000" help:"Maximum in-flight exchanges awaiting a response."`
	SlotTTL      time.Duration `name:"slot-ttl" env:"SLOT_TTL" default:"5m" help:"How long a captured request waits for its response."`
	ExcludeCache int           `name:"exclude-cache" env:"EXCLUDE_CACHE" default:"4096" help:"Number of memoized exclusion decisions."`
}

// CommandConfig configures the curl reproduction stream.
type CommandConfig struct {
	File       string `name:"file" env:"FILE" type:"path" help:"Append curl reproductions of each request to this file. Disabled when empty."`
	MaxSize    int    `name:"max-size" env:"MAX_SIZE" default:"0" help:"Max size in MB before rotation (0 disables rotation)."`
	MaxBackups int    `name:"max-backups" env:"MAX_BACKUPS" default:"5" help:"Max number of rotated files to retain."`
}

// IdentityConfig locates the integration directory used to disclose
// integration names.
type IdentityConfig struct {
	DSN       string        `name:"dsn" env:"DSN" help:"SQLite DSN of the integration directory. Disclosure stays off when empty."`
	CacheSize int           `name:"cache-size" env:"CACHE_SIZE" default:"1000" help:"LRU cache size for resolved integration names."`
	CacheTTL  time.Duration `name:"cache-ttl" env:"CACHE_TTL" default:"10m" help:"Cache TTL for resolved integration names."`
}
