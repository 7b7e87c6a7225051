package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	InstanceID string `env:"INSTANCE_ID"`

	HTTP     HTTP     `envPrefix:"HTTP_"`
	Auth     Auth     `envPrefix:"AUTH_"`
	Store    Store    `envPrefix:"STORE_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Kafka    Kafka    `envPrefix:"KAFKA_"`
	Relay    Relay    `envPrefix:"RELAY_"`
	Pipeline Pipeline `envPrefix:"PIPELINE_"`
	Viewer   Viewer   `envPrefix:"VIEWER_"`
	Worker   Worker   `envPrefix:"WORKER_"`
	Gemini   Gemini   `envPrefix:"GEMINI_"`

	RequireIdempotencyKey bool   `env:"REQUIRE_IDEMPOTENCY_KEY" envDefault:"true"`
	Dispatch              string `env:"DISPATCH_MODE" envDefault:"stream"`
	Generator             string `env:"GENERATOR" envDefault:"static"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTP struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type Store struct {
	Driver      string `env:"DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`
}

type Redis struct {
	Addr          string `env:"ADDRESS" envDefault:"localhost:6379"`
	Password      string `env:"PASSWORD"`
	DB            int    `env:"DB"`
	StreamKey     string `env:"STREAM_KEY" envDefault:"tasks:dispatch"`
	Group         string `env:"GROUP" envDefault:"pipelines"`
	DLQStreamKey  string `env:"DLQ_STREAM_KEY" envDefault:"tasks:dispatch:dlq"`
	ChannelPrefix string `env:"CHANNEL_PREFIX" envDefault:"progress:"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"task-progress"`
}

type Relay struct {
	Driver    string `env:"DRIVER" envDefault:"redis"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"1024"`
}

type Pipeline struct {
	MaxDuration time.Duration `env:"MAX_DURATION" envDefault:"0s"`
}

type Viewer struct {
	StaleAfter    time.Duration `env:"STALE_AFTER" envDefault:"2m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	OutboxSize    int           `env:"OUTBOX_SIZE" envDefault:"64"`
}

type Worker struct {
	ConsumerName      string        `env:"CONSUMER" envDefault:"worker-1"`
	BaseBackoff       time.Duration `env:"BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff        time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	LostAfter         time.Duration `env:"LOST_AFTER" envDefault:"2m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL" envDefault:"30s"`
}

type Gemini struct {
	APIKey string `env:"API_KEY"`
	Model  string `env:"MODEL" envDefault:"gemini-2.0-flash"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("STORE_DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	switch c.Relay.Driver {
	case "redis", "kafka", "none":
	default:
		return fmt.Errorf("unknown RELAY_DRIVER %q", c.Relay.Driver)
	}

	switch c.Dispatch {
	case "stream":
		// tasks run in worker processes, so their progress has to be relayed
		if c.Relay.Driver == "none" {
			return fmt.Errorf("DISPATCH_MODE=stream needs a relay; RELAY_DRIVER=none only works with DISPATCH_MODE=inline")
		}
	case "inline":
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.Dispatch)
	}

	switch c.Generator {
	case "static":
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini generator")
		}
	default:
		return fmt.Errorf("unknown GENERATOR %q", c.Generator)
	}

	if c.Viewer.StaleAfter <= 0 || c.Viewer.SweepInterval <= 0 {
		return fmt.Errorf("viewer stale window and sweep interval must be positive")
	}
	return nil
}
