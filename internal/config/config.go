// Package config loads relay settings. Sources are layered in increasing
// precedence: built-in defaults, the TOML config file, BOOGER_* environment
// variables, then command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "./booger.toml"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "BOOGER_"

type Config struct {
	Port      int    `toml:"port" env:"PORT"`           // BOOGER_PORT (default 8006)
	Hostname  string `toml:"hostname" env:"HOSTNAME"`   // BOOGER_HOSTNAME (default "127.0.0.1")
	DB        string `toml:"db" env:"DB"`               // BOOGER_DB (required)
	NATSURL   string `toml:"nats_url" env:"NATS_URL"`   // BOOGER_NATS_URL (empty = Postgres LISTEN/NOTIFY)
	GRPCAddr  string `toml:"grpc_addr" env:"GRPC_ADDR"` // BOOGER_GRPC_ADDR (empty = no gRPC admin server)
	AuthToken string `toml:"auth_token" env:"AUTH_TOKEN"`

	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat      string `toml:"log_format" env:"LOG_FORMAT"` // "text", "json" or "" for auto
	MaxMessageSize int64  `toml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// Per-plug database overrides. The file form is [plugs.<name>] db.
	DBStats  string `toml:"-" env:"DB_STATS"`  // BOOGER_DB_STATS
	DBLimits string `toml:"-" env:"DB_LIMITS"` // BOOGER_DB_LIMITS

	Plugs Plugs      `toml:"-" envPrefix:"PLUGS_"`
	Sync  SyncConfig `toml:"sync" envPrefix:"SYNC_"`
}

// Plugs selects the builtin extensions and holds their undecoded sections.
type Plugs struct {
	Use []string `env:"USE" envSeparator:","` // BOOGER_PLUGS_USE

	sections map[string]toml.Primitive
	md       toml.MetaData
}

// SyncConfig controls the periodic event export.
type SyncConfig struct {
	Interval   time.Duration `toml:"interval" env:"INTERVAL"`       // BOOGER_SYNC_INTERVAL (0 = disabled)
	S3Bucket   string        `toml:"s3_bucket" env:"S3_BUCKET"`     // enables S3 when set
	S3Endpoint string        `toml:"s3_endpoint" env:"S3_ENDPOINT"` // custom endpoint for MinIO
	S3Region   string        `toml:"s3_region" env:"S3_REGION"`
	S3Key      string        `toml:"s3_key" env:"S3_KEY"`     // "{date}" expands to the export day
	GitRepo    string        `toml:"git_repo" env:"GIT_REPO"` // enables git when set; path to a clone
	GitFile    string        `toml:"git_file" env:"GIT_FILE"`
	GitBranch  string        `toml:"git_branch" env:"GIT_BRANCH"`
}

// defaultPlugDBs are used when neither the environment nor the file names a
// plug database.
var defaultPlugDBs = map[string]string{
	"stats":  "postgres://127.0.0.1:5432/booger_stats",
	"limits": "postgres://127.0.0.1:5432/booger_limits",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           8006,
		Hostname:       "127.0.0.1",
		DB:             "postgres://127.0.0.1:5432/booger",
		LogLevel:       "info",
		MaxMessageSize: 1 << 20,
		Plugs:          Plugs{Use: []string{"validate", "stats", "limits"}},
		Sync: SyncConfig{
			S3Region:  "us-east-1",
			S3Key:     "booger/events.jsonl",
			GitFile:   "events.jsonl",
			GitBranch: "main",
		},
	}
}

// Load builds a Config from defaults, the file at path and the environment.
// An empty path reads DefaultPath if it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	c := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := c.loadFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	var raw struct {
		Plugs map[string]toml.Primitive `toml:"plugs"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if use, ok := raw.Plugs["use"]; ok {
		var names []string
		if err := md.PrimitiveDecode(use, &names); err != nil {
			return fmt.Errorf("parse config %s: plugs.use: %w", path, err)
		}
		c.Plugs.Use = names
		delete(raw.Plugs, "use")
	}
	c.Plugs.sections = raw.Plugs
	c.Plugs.md = md
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DB == "" {
		return errors.New("db is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync interval %s is negative", c.Sync.Interval)
	}
	return nil
}

// Addr is the websocket listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// DecodePlug decodes the [plugs.<name>] section into v. Fields absent from
// the file keep their current values.
func (c *Config) DecodePlug(name string, v any) error {
	sec, ok := c.Plugs.sections[name]
	if !ok {
		return nil
	}
	if err := c.Plugs.md.PrimitiveDecode(sec, v); err != nil {
		return fmt.Errorf("plugs.%s: %w", name, err)
	}
	return nil
}

// PlugDB returns the database URL for the named plug.
func (c *Config) PlugDB(name string) string {
	override := map[string]string{"stats": c.DBStats, "limits": c.DBLimits}[name]
	if override != "" {
		return override
	}
	var section struct {
		DB string `toml:"db"`
	}
	if err := c.DecodePlug(name, &section); err == nil && section.DB != "" {
		return section.DB
	}
	return defaultPlugDBs[name]
}
