package config

import (
	"fmt"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Env                     string
	HTTPAddr                string
	StoreDriver             string
	DatabaseURL             string
	SQLitePath              string
	RoomTTL                 time.Duration
	RoomDefaultCapacity     int
	RoomMaxCapacity         int
	RoomCodeMaxAttempts     int
	GuestGracePeriod        time.Duration
	SweepInterval           time.Duration
	CountdownSteps          int
	CountdownStepInterval   time.Duration
	HighlightServiceURL     string
	HighlightCallbackSecret string
	WSAllowedOrigins        []string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=%s", StoreDriverSQLite)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of %q, %q or %q, got %q", StoreDriverPostgres, StoreDriverSQLite, StoreDriverMemory, c.StoreDriver)
	}
	if c.RoomTTL <= 0 {
		return fmt.Errorf("ROOM_TTL must be positive, got %s", c.RoomTTL)
	}
	if c.RoomMaxCapacity < 2 {
		return fmt.Errorf("ROOM_MAX_CAPACITY must be at least 2, got %d", c.RoomMaxCapacity)
	}
	if c.RoomDefaultCapacity < 2 || c.RoomDefaultCapacity > c.RoomMaxCapacity {
		return fmt.Errorf("ROOM_DEFAULT_CAPACITY must be between 2 and %d, got %d", c.RoomMaxCapacity, c.RoomDefaultCapacity)
	}
	if c.RoomCodeMaxAttempts <= 0 {
		return fmt.Errorf("ROOM_CODE_MAX_ATTEMPTS must be positive, got %d", c.RoomCodeMaxAttempts)
	}
	if c.GuestGracePeriod <= 0 {
		return fmt.Errorf("GUEST_GRACE_PERIOD must be positive, got %s", c.GuestGracePeriod)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.CountdownSteps < 0 {
		return fmt.Errorf("COUNTDOWN_STEPS must not be negative, got %d", c.CountdownSteps)
	}
	if c.CountdownStepInterval < 0 {
		return fmt.Errorf("COUNTDOWN_STEP_INTERVAL must not be negative, got %s", c.CountdownStepInterval)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "STORE_DRIVER", value: c.StoreDriver},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
