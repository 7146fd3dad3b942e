// Package config loads ZeroSpice broker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all broker configuration. Most fields are immutable after
// Load; the session timeout is mutable and guarded by mu since the reaper
// goroutine reads it while an admin surface could in principle adjust it.
type Config struct {
	// Hypervisor adapter
	HypervisorAddr   string // host[:port] of the Proxmox-like API, e.g. "pve.example.com:8006"
	HypervisorToken  string // "PVEAPIToken=..." opaque credential
	HypervisorInsecureTLS bool

	// HTTP Gateway
	BindAddr string
	HTTPPort string

	// Ephemeral port range for Forwarders, [PortRangeMin, PortRangeMax)
	PortRangeMin int
	PortRangeMax int

	// Bearer token signing
	BearerSecret string

	// Persistence
	InviteSidecarPath    string
	CredentialStorePath  string
	AuditDBPath          string

	// Logging
	LogJSON  bool
	LogLevel string

	// Metrics
	MetricsEnabled bool

	// Notification
	NotifyMQTTBroker   string
	NotifyMQTTTopic    string
	NotifyMQTTUsername string
	NotifyMQTTPassword string
	NotifyMQTTQoS      int

	// Invite reaper cadence override, validated but not executed (§9 ADDED).
	InviteReapSchedule string

	mu             sync.RWMutex
	sessionTimeout time.Duration
	inviteTTL      time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		HypervisorAddr:        envStr("ZS_HYPERVISOR_ADDR", ""),
		HypervisorToken:       envStr("ZS_HYPERVISOR_TOKEN", ""),
		HypervisorInsecureTLS: envBool("ZS_HYPERVISOR_INSECURE_TLS", false),

		BindAddr: envStr("ZS_BIND_ADDR", "0.0.0.0"),
		HTTPPort: envStr("ZS_HTTP_PORT", "8443"),

		PortRangeMin: envInt("ZS_PORT_RANGE_MIN", 40000),
		PortRangeMax: envInt("ZS_PORT_RANGE_MAX", 41000),

		BearerSecret: envStr("ZS_BEARER_SECRET", ""),

		InviteSidecarPath:   envStr("ZS_INVITE_SIDECAR_PATH", "/data/invites.json"),
		CredentialStorePath: envStr("ZS_CREDENTIAL_STORE_PATH", "/data/credentials.env"),
		AuditDBPath:         envStr("ZS_AUDIT_DB_PATH", "/data/audit.db"),

		LogJSON:  envBool("ZS_LOG_JSON", true),
		LogLevel: envStr("ZS_LOG_LEVEL", "info"),

		MetricsEnabled: envBool("ZS_METRICS_ENABLED", true),

		NotifyMQTTBroker:   envStr("ZS_NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:    envStr("ZS_NOTIFY_MQTT_TOPIC", "zerospice/sessions"),
		NotifyMQTTUsername: envStr("ZS_NOTIFY_MQTT_USERNAME", ""),
		NotifyMQTTPassword: envStr("ZS_NOTIFY_MQTT_PASSWORD", ""),
		NotifyMQTTQoS:      envInt("ZS_NOTIFY_MQTT_QOS", 0),

		InviteReapSchedule: envStr("ZS_INVITE_REAP_SCHEDULE", ""),

		sessionTimeout: envDuration("ZS_SESSION_TIMEOUT", 300*time.Second),
		inviteTTL:      envDuration("ZS_INVITE_DEFAULT_TTL", 24*time.Hour),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HypervisorAddr == "" {
		errs = append(errs, fmt.Errorf("ZS_HYPERVISOR_ADDR is required"))
	}
	if c.HypervisorToken == "" {
		errs = append(errs, fmt.Errorf("ZS_HYPERVISOR_TOKEN is required"))
	}
	if c.BearerSecret == "" {
		errs = append(errs, fmt.Errorf("ZS_BEARER_SECRET is required"))
	}
	if c.PortRangeMin <= 0 || c.PortRangeMax <= c.PortRangeMin {
		errs = append(errs, fmt.Errorf("ZS_PORT_RANGE_MIN/ZS_PORT_RANGE_MAX must describe a non-empty range, got [%d, %d)", c.PortRangeMin, c.PortRangeMax))
	}
	if c.SessionTimeout() <= 0 {
		errs = append(errs, fmt.Errorf("ZS_SESSION_TIMEOUT must be > 0, got %s", c.SessionTimeout()))
	}
	if c.InviteReapSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.InviteReapSchedule); err != nil {
			errs = append(errs, fmt.Errorf("ZS_INVITE_REAP_SCHEDULE invalid: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Values returns configuration as a string map for startup logging, with
// secrets redacted.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"ZS_HYPERVISOR_ADDR":         c.HypervisorAddr,
		"ZS_HYPERVISOR_TOKEN":        redact(c.HypervisorToken),
		"ZS_HYPERVISOR_INSECURE_TLS": fmt.Sprintf("%t", c.HypervisorInsecureTLS),
		"ZS_BIND_ADDR":               c.BindAddr,
		"ZS_HTTP_PORT":               c.HTTPPort,
		"ZS_PORT_RANGE_MIN":          strconv.Itoa(c.PortRangeMin),
		"ZS_PORT_RANGE_MAX":          strconv.Itoa(c.PortRangeMax),
		"ZS_BEARER_SECRET":           redact(c.BearerSecret),
		"ZS_INVITE_SIDECAR_PATH":     c.InviteSidecarPath,
		"ZS_CREDENTIAL_STORE_PATH":   c.CredentialStorePath,
		"ZS_AUDIT_DB_PATH":           c.AuditDBPath,
		"ZS_LOG_JSON":                fmt.Sprintf("%t", c.LogJSON),
		"ZS_METRICS_ENABLED":        fmt.Sprintf("%t", c.MetricsEnabled),
		"ZS_SESSION_TIMEOUT":         c.SessionTimeout().String(),
		"ZS_INVITE_DEFAULT_TTL":      c.InviteTTL().String(),
		"ZS_INVITE_REAP_SCHEDULE":    c.InviteReapSchedule,
		"ZS_NOTIFY_MQTT_BROKER":      c.NotifyMQTTBroker,
	}
}

// SessionTimeout returns the current session TTL (thread-safe).
func (c *Config) SessionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionTimeout
}

// SetSessionTimeout updates the session TTL at runtime (thread-safe).
func (c *Config) SetSessionTimeout(d time.Duration) {
	c.mu.Lock()
	c.sessionTimeout = d
	c.mu.Unlock()
}

// InviteTTL returns the default invite-token lifetime (thread-safe).
func (c *Config) InviteTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inviteTTL
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// redact returns "(set)" for a non-empty secret, "" otherwise.
func redact(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// loopbackPrefixes used by the admin-endpoint guard; kept here so the web
// package doesn't need its own notion of "local".
var loopbackPrefixes = []string{"127.", "::1"}

func isLoopbackHost(host string) bool {
	for _, p := range loopbackPrefixes {
		if strings.HasPrefix(host, p) {
			return true
		}
	}
	return host == "localhost"
}

// IsLoopbackAddr reports whether a RemoteAddr-style "host:port" string
// originates from loopback (spec.md §9: enforced by inspecting
// net.SplitHostPort(r.RemoteAddr)).
func IsLoopbackAddr(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return isLoopbackHost(host)
}
