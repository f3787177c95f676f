// Package config provides unified configuration loading for lockstep.
// It supports loading from YAML files, a .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lockstep/lockstep/internal/core/channel"
	"github.com/lockstep/lockstep/internal/core/errs"
	"github.com/lockstep/lockstep/internal/core/protocol"
	"github.com/lockstep/lockstep/pkg/serialization"
	"github.com/lockstep/lockstep/pkg/validation"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LOCKSTEP_"

// Snapshot drivers
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Settings contains all lockstep configuration settings.
type Settings struct {
	Log      LogSettings      `json:"log" yaml:"log"`
	Runtime  RuntimeSettings  `json:"runtime" yaml:"runtime"`
	Injector InjectorSettings `json:"injector" yaml:"injector"`
	Snapshot SnapshotSettings `json:"snapshot" yaml:"snapshot"`
	Server   ServerSettings   `json:"server" yaml:"server"`
}

// LogSettings configures the zap backend behind logr.
type LogSettings struct {
	// Level is "info" (default), "debug" or "trace".
	Level string `json:"level" yaml:"level" validate:"omitempty,log_level"`

	// Development switches to the console encoder.
	Development bool `json:"development" yaml:"development"`
}

// RuntimeSettings configures the orchestrator and its channels.
type RuntimeSettings struct {
	// Protocol is "default", "loihi" or a custom name when Phases is set.
	Protocol string `json:"protocol" yaml:"protocol" validate:"required,identifier"`

	// Phases overrides the phase order of a custom protocol.
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty" validate:"omitempty,dive,phase_name"`

	ChannelCapacity int           `json:"channel_capacity" yaml:"channel_capacity" validate:"gte=0,lte=1048576"`
	ChannelBackend  string        `json:"channel_backend" yaml:"channel_backend" validate:"oneof=shmem socket"`
	ChannelTimeout  time.Duration `json:"channel_timeout" yaml:"channel_timeout" validate:"gte=0"`
	PhaseTimeout    time.Duration `json:"phase_timeout" yaml:"phase_timeout" validate:"gte=0"`
	JoinTimeout     time.Duration `json:"join_timeout" yaml:"join_timeout" validate:"gte=0"`

	// SnapshotEvery takes periodic snapshots every n timesteps; 0 disables.
	SnapshotEvery int64 `json:"snapshot_every" yaml:"snapshot_every" validate:"gte=0"`
}

// InjectorSettings holds defaults for async injectors.
type InjectorSettings struct {
	BufferSize int    `json:"buffer_size" yaml:"buffer_size" validate:"gte=0,lte=1048576"`
	Overflow   string `json:"overflow" yaml:"overflow" validate:"oneof=block drop_oldest reject"`
	Reducer    string `json:"reducer" yaml:"reducer" validate:"oneof=sum max min or"`
}

// SnapshotSettings selects where Var snapshots are persisted.
type SnapshotSettings struct {
	Driver string `json:"driver" yaml:"driver" validate:"oneof=none memory sqlite postgres"`

	// DSN is a file path for sqlite and a connection URL for postgres.
	// Supports ${VAR} syntax for env vars.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	Codec       string        `json:"codec" yaml:"codec" validate:"oneof=json msgpack"`
	Compression string        `json:"compression" yaml:"compression" validate:"oneof=none gzip zstd"`
	TTL         time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" validate:"gte=0"`
}

// ServerSettings configures the HTTP control surface.
type ServerSettings struct {
	Addr  string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Pprof bool   `json:"pprof" yaml:"pprof"`
}

// Default returns Settings with sensible defaults.
func Default() *Settings {
	return &Settings{
		Log: LogSettings{Level: "info"},
		Runtime: RuntimeSettings{
			Protocol:        "default",
			ChannelCapacity: channel.DefaultQueueSize,
			ChannelBackend:  string(channel.BackendShmem),
			JoinTimeout:     10 * time.Second,
		},
		Injector: InjectorSettings{
			BufferSize: 10,
			Overflow:   "block",
			Reducer:    string(channel.ReducerSum),
		},
		Snapshot: SnapshotSettings{
			Driver:      DriverNone,
			Codec:       "msgpack",
			Compression: string(serialization.CompressionZstd),
		},
		Server: ServerSettings{Addr: "localhost:8080"},
	}
}

// Load builds Settings in order: defaults -> YAML file at path (if not
// empty) -> .env in the working directory -> LOCKSTEP_* environment.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		fileSettings, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		s = fileSettings
	}

	// A missing .env is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := applyEnvOverrides(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFromFile loads settings from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: parsing config file %s: %v", errs.ErrConfiguration, path, err)
	}
	s.Snapshot.DSN = os.ExpandEnv(s.Snapshot.DSN)
	return s, nil
}

// Validate checks tags and cross-field rules.
func (s *Settings) Validate() error {
	if err := validation.ValidateWithPlayground(s); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}
	if _, err := s.ResolveProtocol(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}
	if (s.Snapshot.Driver == DriverSQLite || s.Snapshot.Driver == DriverPostgres) && s.Snapshot.DSN == "" {
		return fmt.Errorf("%w: snapshot driver %s requires a dsn", errs.ErrConfiguration, s.Snapshot.Driver)
	}
	return nil
}

// ResolveProtocol resolves the configured protocol. An explicit Phases list
// wins; without one the name must be a built-in.
func (s *Settings) ResolveProtocol() (protocol.Protocol, error) {
	if len(s.Runtime.Phases) > 0 {
		return protocol.Parse(s.Runtime.Protocol, s.Runtime.Phases)
	}
	switch s.Runtime.Protocol {
	case protocol.Default().Name():
		return protocol.Default(), nil
	case protocol.Loihi().Name():
		return protocol.Loihi(), nil
	default:
		return protocol.Protocol{}, fmt.Errorf("protocol %q needs an explicit phase list", s.Runtime.Protocol)
	}
}

// Serializer builds the snapshot encoding pipeline.
func (s *Settings) Serializer() (*serialization.Serializer, error) {
	return serialization.FromNames(s.Snapshot.Codec, s.Snapshot.Compression)
}

// applyEnvOverrides applies LOCKSTEP_* environment variables.
func applyEnvOverrides(s *Settings) error {
	var errList []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errList = append(errList, EnvPrefix+key)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errList = append(errList, EnvPrefix+key)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errList = append(errList, EnvPrefix+key)
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &s.Log.Level)
	boolean("LOG_DEVELOPMENT", &s.Log.Development)

	str("PROTOCOL", &s.Runtime.Protocol)
	if v, ok := os.LookupEnv(EnvPrefix + "PHASES"); ok {
		s.Runtime.Phases = splitList(v)
	}
	capacity := int64(s.Runtime.ChannelCapacity)
	integer("CHANNEL_CAPACITY", &capacity)
	s.Runtime.ChannelCapacity = int(capacity)
	str("CHANNEL_BACKEND", &s.Runtime.ChannelBackend)
	duration("CHANNEL_TIMEOUT", &s.Runtime.ChannelTimeout)
	duration("PHASE_TIMEOUT", &s.Runtime.PhaseTimeout)
	duration("JOIN_TIMEOUT", &s.Runtime.JoinTimeout)
	integer("SNAPSHOT_EVERY", &s.Runtime.SnapshotEvery)

	bufferSize := int64(s.Injector.BufferSize)
	integer("INJECTOR_BUFFER_SIZE", &bufferSize)
	s.Injector.BufferSize = int(bufferSize)
	str("INJECTOR_OVERFLOW", &s.Injector.Overflow)
	str("INJECTOR_REDUCER", &s.Injector.Reducer)

	str("SNAPSHOT_DRIVER", &s.Snapshot.Driver)
	str("SNAPSHOT_DSN", &s.Snapshot.DSN)
	str("SNAPSHOT_CODEC", &s.Snapshot.Codec)
	str("SNAPSHOT_COMPRESSION", &s.Snapshot.Compression)
	duration("SNAPSHOT_TTL", &s.Snapshot.TTL)

	str("SERVER_ADDR", &s.Server.Addr)
	boolean("SERVER_PPROF", &s.Server.Pprof)

	if len(errList) > 0 {
		return fmt.Errorf("%w: malformed environment overrides: %s", errs.ErrConfiguration, strings.Join(errList, ", "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
