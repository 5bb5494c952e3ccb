package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	TransportWS    = "ws"
	TransportRedis = "redis"
)

type Config struct {
	// Endpoint identity
	UserID      domain.UserID
	DisplayName string

	// Servers
	HTTPAddr  string
	RelayAddr string

	// Signaling transport
	Transport string
	RelayURL  string
	RedisURL  string

	// Call core
	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	AutoBusyPresence   bool

	// Presence
	PresenceStaleAfter time.Duration
	HeartbeatInterval  time.Duration
	PresencePeers      []domain.UserID

	STUNServers []string
	Profiles    []domain.Profile

	LogLevel  zerolog.Level
	LogFormat string
}

// Load reads the given .env files (or ./.env when present) and then the
// environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	c := &Config{
		UserID:      domain.UserID(getEnv("USER_ID", "")),
		DisplayName: getEnv("DISPLAY_NAME", ""),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		RelayAddr:   getEnv("RELAY_ADDR", ":8090"),
		Transport:   getEnv("TRANSPORT", TransportWS),
		RelayURL:    getEnv("RELAY_URL", "ws://localhost:8090/relay"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		STUNServers: splitList(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")),
	}

	var errs []error
	c.RingTimeout = getDuration("RING_TIMEOUT", 45*time.Second, &errs)
	c.NegotiationTimeout = getDuration("NEGOTIATION_TIMEOUT", 30*time.Second, &errs)
	c.PresenceStaleAfter = getDuration("PRESENCE_STALE_AFTER", 30*time.Second, &errs)
	c.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", 10*time.Second, &errs)
	c.AutoBusyPresence = getBool("AUTO_BUSY_PRESENCE", true, &errs)

	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	c.LogLevel = level

	for _, id := range splitList(getEnv("PRESENCE_PEERS", "")) {
		c.PresencePeers = append(c.PresencePeers, domain.UserID(id))
	}

	profiles, err := parseProfiles(getEnv("PROFILES", ""))
	if err != nil {
		errs = append(errs, err)
	}
	c.Profiles = profiles

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks what an endpoint process needs on top of Load.
func (c *Config) Validate() error {
	if c.UserID.IsZero() {
		return errors.New("USER_ID is required")
	}
	switch c.Transport {
	case TransportWS:
		if c.RelayURL == "" {
			return errors.New("RELAY_URL is required for the ws transport")
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis transport")
		}
	default:
		return fmt.Errorf("TRANSPORT: unknown transport %q", c.Transport)
	}
	if c.RingTimeout <= 0 || c.NegotiationTimeout <= 0 {
		return errors.New("call timeouts must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.PresenceStaleAfter <= c.HeartbeatInterval {
		return errors.New("PRESENCE_STALE_AFTER must exceed a positive HEARTBEAT_INTERVAL")
	}
	return nil
}

// LocalProfile is the profile this endpoint shows to others.
func (c *Config) LocalProfile() domain.Profile {
	name := c.DisplayName
	if name == "" {
		name = c.UserID.String()
	}
	return domain.Profile{UserID: c.UserID, DisplayName: name}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseProfiles reads "id=Display Name,id2=Other".
func parseProfiles(s string) ([]domain.Profile, error) {
	var out []domain.Profile
	for _, item := range splitList(s) {
		id, name, ok := strings.Cut(item, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			return nil, fmt.Errorf("PROFILES: bad entry %q", item)
		}
		out = append(out, domain.Profile{UserID: domain.UserID(id), DisplayName: name})
	}
	return out, nil
}
