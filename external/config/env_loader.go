package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/partyroom/internal/config"
)

type envConfig struct {
	Env                     string        `env:"ENV" envDefault:"production"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:":8080"`
	StoreDriver             string        `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL             string        `env:"DATABASE_URL"`
	SQLitePath              string        `env:"SQLITE_PATH" envDefault:"partyroom.db"`
	RoomTTL                 time.Duration `env:"ROOM_TTL" envDefault:"2h"`
	RoomDefaultCapacity     int           `env:"ROOM_DEFAULT_CAPACITY" envDefault:"4"`
	RoomMaxCapacity         int           `env:"ROOM_MAX_CAPACITY" envDefault:"8"`
	RoomCodeMaxAttempts     int           `env:"ROOM_CODE_MAX_ATTEMPTS" envDefault:"10"`
	GuestGracePeriod        time.Duration `env:"GUEST_GRACE_PERIOD" envDefault:"24h"`
	SweepInterval           time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	CountdownSteps          int           `env:"COUNTDOWN_STEPS" envDefault:"3"`
	CountdownStepInterval   time.Duration `env:"COUNTDOWN_STEP_INTERVAL" envDefault:"1s"`
	HighlightServiceURL     string        `env:"HIGHLIGHT_SERVICE_URL"`
	HighlightCallbackSecret string        `env:"HIGHLIGHT_CALLBACK_SECRET"`
	WSAllowedOrigins        []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                     raw.Env,
		HTTPAddr:                raw.HTTPAddr,
		StoreDriver:             raw.StoreDriver,
		DatabaseURL:             raw.DatabaseURL,
		SQLitePath:              raw.SQLitePath,
		RoomTTL:                 raw.RoomTTL,
		RoomDefaultCapacity:     raw.RoomDefaultCapacity,
		RoomMaxCapacity:         raw.RoomMaxCapacity,
		RoomCodeMaxAttempts:     raw.RoomCodeMaxAttempts,
		GuestGracePeriod:        raw.GuestGracePeriod,
		SweepInterval:           raw.SweepInterval,
		CountdownSteps:          raw.CountdownSteps,
		CountdownStepInterval:   raw.CountdownStepInterval,
		HighlightServiceURL:     raw.HighlightServiceURL,
		HighlightCallbackSecret: raw.HighlightCallbackSecret,
		WSAllowedOrigins:        raw.WSAllowedOrigins,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
