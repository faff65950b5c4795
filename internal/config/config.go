package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const devSecret = "dev-secret-change-me"

// Config describes all runtime settings for the server.
//
// Loaded once in main, validated, then passed down explicitly.
type Config struct {
	Env string // dev|stage|prod

	Log struct {
		Format string // text|json
		Level  string // debug|info|warn|error
	}

	HTTP struct {
		Addr              string
		ReadHeaderTimeout time.Duration
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		IdleTimeout       time.Duration
		ShutdownTimeout   time.Duration
	}

	// Empty URL disables match results.
	Postgres struct {
		URL           string
		RunMigrations bool
	}

	// Empty Addr disables snapshot archiving.
	Redis struct {
		Addr        string
		DB          int
		SnapshotTTL time.Duration
	}

	Party struct {
		Secret            string
		BootstrapTokenTTL time.Duration
		GameroomURL       string // empty => rooms are initialized in-process
	}

	Game struct {
		WaitingDuration time.Duration
		DefenseDuration time.Duration
		OffenseDuration time.Duration
		RoomLinger      time.Duration
	}

	Responder struct {
		Kind        string // scripted|gemini
		TokenDelay  time.Duration
		RepliesFile string
		GeminiKey   string
		GeminiModel string
	}
}

func LoadFromEnv() (Config, error) {
	var c Config

	c.Env = envString("APP_ENV", "dev")
	c.Log.Format = envString("LOG_FORMAT", "text")
	c.Log.Level = envString("LOG_LEVEL", "info")

	port := envString("PORT", "8080")
	c.HTTP.Addr = envString("HTTP_ADDR", ":"+port)
	c.HTTP.ReadHeaderTimeout = envDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second)
	c.HTTP.ReadTimeout = envDuration("HTTP_READ_TIMEOUT", 0)
	c.HTTP.WriteTimeout = envDuration("HTTP_WRITE_TIMEOUT", 0)
	c.HTTP.IdleTimeout = envDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	c.HTTP.ShutdownTimeout = envDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)

	c.Postgres.URL = envString("DATABASE_URL", "")
	c.Postgres.RunMigrations = envBool("RUN_MIGRATIONS", false)

	c.Redis.Addr = envString("REDIS_ADDR", "")
	c.Redis.DB = envInt("REDIS_DB", 0)
	c.Redis.SnapshotTTL = envDuration("SNAPSHOT_TTL", 24*time.Hour)

	c.Party.Secret = envString("PARTY_SECRET", devSecret)
	c.Party.BootstrapTokenTTL = envDuration("BOOTSTRAP_TOKEN_TTL", time.Minute)
	c.Party.GameroomURL = envString("GAMEROOM_URL", "")

	c.Game.WaitingDuration = envDuration("GAME_WAITING_DURATION", 15*time.Second)
	c.Game.DefenseDuration = envDuration("GAME_DEFENSE_DURATION", time.Minute)
	c.Game.OffenseDuration = envDuration("GAME_OFFENSE_DURATION", 2*time.Minute)
	c.Game.RoomLinger = envDuration("ROOM_LINGER", 5*time.Minute)

	c.Responder.Kind = envString("RESPONDER_KIND", "scripted")
	c.Responder.TokenDelay = envDuration("RESPONDER_TOKEN_DELAY", 50*time.Millisecond)
	c.Responder.RepliesFile = envString("RESPONDER_REPLIES_FILE", "")
	c.Responder.GeminiKey = envString("GEMINI_API_KEY", "")
	c.Responder.GeminiModel = envString("GEMINI_MODEL", "gemini-2.5-flash")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("HTTP addr is empty")
	}
	if c.Party.Secret == "" {
		return errors.New("PARTY_SECRET is empty")
	}
	if c.Env != "dev" && c.Party.Secret == devSecret {
		return fmt.Errorf("refuse to run with default PARTY_SECRET in %s", c.Env)
	}
	if c.Party.BootstrapTokenTTL <= 0 {
		return errors.New("BOOTSTRAP_TOKEN_TTL must be positive")
	}
	if c.Postgres.RunMigrations && c.Postgres.URL == "" {
		return errors.New("RUN_MIGRATIONS requires DATABASE_URL")
	}
	if c.Game.RoomLinger < 0 {
		return errors.New("ROOM_LINGER must not be negative")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unsupported LOG_FORMAT=%q (want text|json)", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported LOG_LEVEL=%q", c.Log.Level)
	}
	switch c.Responder.Kind {
	case "scripted":
	case "gemini":
		if c.Responder.GeminiKey == "" {
			return errors.New("RESPONDER_KIND=gemini requires GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported RESPONDER_KIND=%q (want scripted|gemini)", c.Responder.Kind)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
