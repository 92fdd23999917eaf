// Package config loads deployment configuration for the dialer daemon.
// Precedence is environment over defaults; campaign-level settings
// (concurrency limit, retry policy) live in the campaign store, not here.
package config

import (
	"fmt"
	"time"
)

// Config holds every deployment-level option the daemon recognises.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DBPath        string
	ListenAddr    string

	// Lease lifetimes
	PreDialTTL    time.Duration // slot held between admission and telephony accept
	PreDialTTLMax time.Duration // hard cap on renewed pre-dial leases
	ActiveTTL     time.Duration // slot held for a connected call
	ReservationTTL time.Duration // promoted-but-unclaimed slot debit
	GateTTL       time.Duration // promote gate single-flight window

	// Cold start
	ColdStartGrace time.Duration // TTL on the blocking flag; also the recovered-lease grace window
	ColdStartDone  time.Duration // TTL on the done marker

	// Promotion
	FairnessHigh    int // weighted interleave, high share
	FairnessNormal  int // weighted interleave, normal share
	PromoteBatch    int // default batch size per promoter pass
	PromoteInterval time.Duration

	// Circuit breaker
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	// Janitor
	JanitorInterval time.Duration

	// Telephony
	TelephonyBaseURL  string
	TelephonyToken    string
	TelephonyCallback string  // public URL the provider posts status webhooks to
	TelephonyCPS      float64 // calls-per-second cap toward the provider
	DefaultCallerID   string  // caller ID for campaigns without a phone ref

	// Broker
	BrokerRetention time.Duration // per-job uniqueness retention after completion

	// Logging
	LogLevel string
}

// Load reads the configuration from the environment with defaults.
func Load() Config {
	return Config{
		RedisAddr:     ParseString("DIALER_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("DIALER_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("DIALER_REDIS_DB", 0),
		DBPath:        ParseString("DIALER_DB_PATH", "dialer.db"),
		ListenAddr:    ParseString("DIALER_LISTEN_ADDR", ":8080"),

		PreDialTTL:     ParseDuration("DIALER_PRE_DIAL_TTL", 20*time.Second),
		PreDialTTLMax:  ParseDuration("DIALER_PRE_DIAL_TTL_MAX", 60*time.Second),
		ActiveTTL:      ParseDuration("DIALER_ACTIVE_TTL", 2*time.Hour),
		ReservationTTL: ParseDuration("DIALER_RESERVATION_TTL", 60*time.Second),
		GateTTL:        ParseDuration("DIALER_GATE_TTL", 5*time.Second),

		ColdStartGrace: ParseDuration("DIALER_COLD_START_GRACE", 30*time.Second),
		ColdStartDone:  ParseDuration("DIALER_COLD_START_DONE", 24*time.Hour),

		FairnessHigh:    ParseInt("DIALER_FAIRNESS_HIGH", 3),
		FairnessNormal:  ParseInt("DIALER_FAIRNESS_NORMAL", 1),
		PromoteBatch:    ParseInt("DIALER_PROMOTE_BATCH", 20),
		PromoteInterval: ParseDuration("DIALER_PROMOTE_INTERVAL", 500*time.Millisecond),

		CircuitThreshold: ParseInt("DIALER_CIRCUIT_THRESHOLD", 5),
		CircuitWindow:    ParseDuration("DIALER_CIRCUIT_WINDOW", time.Minute),
		CircuitCooldown:  ParseDuration("DIALER_CIRCUIT_COOLDOWN", time.Minute),

		JanitorInterval: ParseDuration("DIALER_JANITOR_INTERVAL", 15*time.Second),

		TelephonyBaseURL:  ParseString("DIALER_TELEPHONY_BASE_URL", ""),
		TelephonyToken:    ParseString("DIALER_TELEPHONY_TOKEN", ""),
		TelephonyCallback: ParseString("DIALER_TELEPHONY_CALLBACK", ""),
		TelephonyCPS:      ParseFloat("DIALER_TELEPHONY_CPS", 10),
		DefaultCallerID:   ParseString("DIALER_DEFAULT_CALLER_ID", ""),

		BrokerRetention: ParseDuration("DIALER_BROKER_RETENTION", 24*time.Hour),

		LogLevel: ParseString("DIALER_LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations that would violate lease invariants.
func (c Config) Validate() error {
	if c.PreDialTTL <= 0 {
		return fmt.Errorf("pre_dial_ttl must be > 0, got %v", c.PreDialTTL)
	}
	if c.PreDialTTLMax < c.PreDialTTL {
		return fmt.Errorf("pre_dial_ttl_max (%v) must be >= pre_dial_ttl (%v)", c.PreDialTTLMax, c.PreDialTTL)
	}
	if c.ActiveTTL <= c.PreDialTTL {
		return fmt.Errorf("active_ttl (%v) must exceed pre_dial_ttl (%v)", c.ActiveTTL, c.PreDialTTL)
	}
	if c.ReservationTTL < c.PreDialTTL {
		return fmt.Errorf("reservation_ttl (%v) must be >= pre_dial_ttl (%v)", c.ReservationTTL, c.PreDialTTL)
	}
	if c.GateTTL <= 0 {
		return fmt.Errorf("gate_ttl must be > 0, got %v", c.GateTTL)
	}
	if c.FairnessHigh <= 0 || c.FairnessNormal <= 0 {
		return fmt.Errorf("fairness ratio must be positive, got %d:%d", c.FairnessHigh, c.FairnessNormal)
	}
	if c.PromoteBatch <= 0 {
		return fmt.Errorf("promote_batch must be > 0, got %d", c.PromoteBatch)
	}
	if c.CircuitThreshold <= 0 {
		return fmt.Errorf("circuit_threshold must be > 0, got %d", c.CircuitThreshold)
	}
	if c.CircuitWindow <= 0 || c.CircuitCooldown <= 0 {
		return fmt.Errorf("circuit window/cooldown must be > 0")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor_interval must be > 0, got %v", c.JanitorInterval)
	}
	if c.TelephonyCPS <= 0 {
		return fmt.Errorf("telephony_cps must be > 0, got %v", c.TelephonyCPS)
	}
	return nil
}
