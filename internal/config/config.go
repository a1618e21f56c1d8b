// Package config loads server settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the relay server configuration.
type Config struct {
	Addr      string `env:"SYNCPAD_ADDR" envDefault:":8080"`
	JWTSecret string `env:"SYNCPAD_JWT_SECRET,notEmpty"`

	// MongoURI enables the durable operation archive; empty keeps the
	// archive in memory.
	MongoURI string `env:"SYNCPAD_MONGO_URI"`
	MongoDB  string `env:"SYNCPAD_MONGO_DB" envDefault:"syncpad"`

	// RedisAddr enables cross-instance fan-out; empty runs single-instance.
	RedisAddr string `env:"SYNCPAD_REDIS_ADDR"`

	PresenceCapacity int           `env:"SYNCPAD_PRESENCE_CAPACITY" envDefault:"1000"`
	GapTimeout       time.Duration `env:"SYNCPAD_GAP_TIMEOUT" envDefault:"10s"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
