package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "EVENTPIPE"

type config struct {
	Server struct {
		Address         string        `default:":8080" required:"true"`
		ReadTimeout     time.Duration `default:"10s" required:"true"`
		WriteTimeout    time.Duration `default:"10s" required:"true"`
		ShutdownTimeout time.Duration `default:"15s" required:"true"`
	}

	Database struct {
		URL string `required:"true"`
	}

	NATS struct {
		URL             string        `default:"nats://localhost:4222" required:"true"`
		Topic           string        `default:"offers.events" required:"true"`
		DeadLetterTopic string        `default:"offers.dead-letter" required:"true"`
		Durable         string        `default:"eventpiped" required:"true"`
		AckWait         time.Duration `default:"30s"`
	}

	// Redis is optional: without an address read models are served
	// straight from PostgreSQL and the activity feed is disabled.
	Redis struct {
		Address  string
		CacheTTL time.Duration `default:"10m"`
	}

	// Firestore is optional: without a project Snapshots are kept in PostgreSQL.
	Firestore struct {
		ProjectID string
	}

	Dispatch struct {
		Workers     int           `default:"8"`
		MaxRetries  int           `default:"3"`
		CallTimeout time.Duration `default:"5s"`
	}

	Commands struct {
		MaxAttempts int `default:"5"`
	}

	Projections struct {
		SchemaVersion   int `default:"1"`
		CheckpointEvery int `default:"100"`
	}

	Snapshots struct {
		Every uint32 `default:"50"`
	}

	Log struct {
		Level       string `default:"info"`
		Development bool
	}
}

func parseConfig() (*config, error) {
	var config config

	if err := envconfig.Process(envPrefix, &config); err != nil {
		return nil, fmt.Errorf("config: failed to parse from env, %w", err)
	}

	return &config, nil
}
