// Package logger builds the zap loggers used throughout phoenix.
package logger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and format.
type Config struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" envconfig:"LEVEL"`

	// Development switches to human-readable console output.
	Development bool `yaml:"development" envconfig:"DEVELOPMENT"`
}

// DefaultConfig logs JSON at info level.
var DefaultConfig = Config{Level: "info"}

// Validate checks that c names a known level.
func (c Config) Validate() error {
	_, err := c.level()
	return err
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, errors.Wrapf(err, "parsing log level %q", c.Level)
	}
	return lvl, nil
}

// New builds a named sugared logger.
func New(name string, c Config) (*zap.SugaredLogger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return l.Named(name).Sugar(), nil
}
