// Package config loads host and client settings from the environment and
// optional .env files, then validates them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/cyberinferno/notnet/host"
	"github.com/cyberinferno/notnet/logger"
)

var validate = validator.New()

// Log holds the logging settings shared by every command.
type Log struct {
	Level  string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	Dir    string `env:"LOG_DIR"`
	Pretty bool   `env:"LOG_PRETTY,default=true"`
}

// Host is the environment-backed configuration of `notnet host`.
type Host struct {
	Addr              string        `env:"NOTNET_ADDR,default=0.0.0.0:55555" validate:"required,hostname_port"`
	HostName          string        `env:"NOTNET_HOST_NAME,default=NotNet" validate:"required,max=64"`
	MaxFrameSize      int           `env:"NOTNET_MAX_FRAME_SIZE,default=65536" validate:"gte=1024,lte=16777216"`
	HandshakeTimeout  time.Duration `env:"NOTNET_HANDSHAKE_TIMEOUT,default=10s" validate:"gt=0s"`
	WriteTimeout      time.Duration `env:"NOTNET_WRITE_TIMEOUT,default=5s" validate:"gt=0s"`
	IdleTimeout       time.Duration `env:"NOTNET_IDLE_TIMEOUT,default=0s" validate:"gte=0s"`
	OutboundQueueSize int           `env:"NOTNET_OUTBOUND_QUEUE,default=64" validate:"gte=1"`
	NameCollision     string        `env:"NOTNET_NAME_COLLISION,default=rename" validate:"oneof=rename reject"`
	MaxRenameAttempts int           `env:"NOTNET_MAX_RENAME_ATTEMPTS,default=16" validate:"gte=1"`
	KickBan           time.Duration `env:"NOTNET_KICK_BAN,default=5m" validate:"gte=0s"`
	MetricsAddr       string        `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`

	Log Log
}

// Client is the environment-backed configuration of `notnet join`.
type Client struct {
	Addr           string        `env:"NOTNET_ADDR,default=127.0.0.1:55555" validate:"required,hostname_port"`
	Name           string        `env:"NOTNET_NAME" validate:"max=32"`
	ConnectTimeout time.Duration `env:"NOTNET_CONNECT_TIMEOUT,default=10s" validate:"gt=0s"`
	WriteTimeout   time.Duration `env:"NOTNET_WRITE_TIMEOUT,default=10s" validate:"gt=0s"`

	Log Log
}

// LoadHost reads .env files (missing files are skipped), then the
// environment, and validates the result.
//
// Parameters:
//   - files: .env files to load; none means ".env" in the working directory
//
// Returns:
//   - The loaded Host config
//   - An error if a file is unreadable, a value cannot be parsed, or
//     validation fails
func LoadHost(files ...string) (Host, error) {
	var cfg Host
	if err := load(&cfg, files); err != nil {
		return Host{}, err
	}

	return cfg, nil
}

// LoadClient is LoadHost for the client configuration.
func LoadClient(files ...string) (Client, error) {
	var cfg Client
	if err := load(&cfg, files); err != nil {
		return Client{}, err
	}

	return cfg, nil
}

func load(cfg any, files []string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	return Validate(cfg)
}

// Validate checks cfg against its validate tags. Call it again after
// applying command line overrides.
func Validate(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// HostConfig converts the loaded settings into a host.Config.
func (h Host) HostConfig() host.Config {
	return host.Config{
		Addr:              h.Addr,
		HostName:          h.HostName,
		MaxFrameSize:      h.MaxFrameSize,
		OutboundQueueSize: h.OutboundQueueSize,
		HandshakeTimeout:  h.HandshakeTimeout,
		WriteTimeout:      h.WriteTimeout,
		IdleTimeout:       h.IdleTimeout,
		DuplicatePolicy:   host.DuplicatePolicy(h.NameCollision),
		MaxRenameAttempts: h.MaxRenameAttempts,
		KickBanDuration:   h.KickBan,
	}
}

// LoggerOptions converts the log settings into logger.Options for service.
func (l Log) LoggerOptions(service string) (logger.Options, error) {
	level, err := logger.ParseLevel(l.Level)
	if err != nil {
		return logger.Options{}, err
	}

	return logger.Options{
		Service: service,
		Level:   level,
		Pretty:  l.Pretty,
		Dir:     l.Dir,
	}, nil
}

// Quiet returns l with the level raised so only warnings and errors reach
// the terminal; the chat client uses it to keep the screen readable.
func (l Log) Quiet() Log {
	level, err := logger.ParseLevel(l.Level)
	if err != nil || level < zerolog.WarnLevel {
		l.Level = zerolog.WarnLevel.String()
	}

	return l
}
