// Package config loads hlsrelay settings from command-line flags, each of
// which defaults from an HLSRELAY_* environment variable.
package config

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/hlsrelay/internal/fetch"
	"github.com/agleyzer/hlsrelay/internal/segment"
	"github.com/agleyzer/hlsrelay/internal/upstream"
)

// Version is the hlsrelay release.
const Version = "1.0.0"

// Config holds every runtime setting.
type Config struct {
	Port    int
	Verbose bool
	// LogFile, when set, receives a copy of the log output.
	LogFile string

	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	RateLimit  float64
	Burst      int

	CookieTTL time.Duration

	SessionTokens   bool
	SessionTTL      time.Duration
	SessionCapacity int

	// UnmappedFallback guesses a relay URL for paths missing from the
	// segment map.
	UnmappedFallback bool

	LandingURL   string
	HandshakeURL string
	RelayHost    string
	Mirrors      []string

	RaftID       string
	RaftBind     string
	RaftPeers    []string
	RaftLogLevel string

	ShowVersion bool
}

// Parse reads args (without the program name) into a Config. Usage and parse
// errors are written to output.
func Parse(name string, args []string, output io.Writer) (*Config, error) {
	def := upstream.DefaultProfile()
	c := &Config{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.IntVar(&c.Port, "port", getEnvInt("HLSRELAY_PORT", 8000), "HTTP server port")
	fs.BoolVar(&c.Verbose, "verbose", getEnvBool("HLSRELAY_VERBOSE", false), "Enable verbose logging")
	fs.StringVar(&c.LogFile, "log-file", getEnv("HLSRELAY_LOG_FILE", ""), "Also append logs to this file")

	fs.DurationVar(&c.Timeout, "timeout", getEnvDuration("HLSRELAY_TIMEOUT", upstream.DefaultTimeout), "Timeout for each upstream request")
	fs.IntVar(&c.Retries, "retries", getEnvInt("HLSRELAY_RETRIES", fetch.DefaultRetries), "Attempts per mirror candidate")
	fs.DurationVar(&c.RetryDelay, "retry-delay", getEnvDuration("HLSRELAY_RETRY_DELAY", 0), "Delay before each retry")
	fs.Float64Var(&c.RateLimit, "rate-limit", getEnvFloat("HLSRELAY_RATE_LIMIT", 0), "Max upstream requests per second (0 = unlimited)")
	fs.IntVar(&c.Burst, "burst", getEnvInt("HLSRELAY_BURST", 1), "Upstream rate limiter burst")

	fs.DurationVar(&c.CookieTTL, "cookie-ttl", getEnvDuration("HLSRELAY_COOKIE_TTL", 0), "How long a handshake cookie is reused (0 = until rejected)")

	fs.BoolVar(&c.SessionTokens, "session-tokens", getEnvBool("HLSRELAY_SESSION_TOKENS", false), "Tag each rewritten manifest with its own segment map")
	fs.DurationVar(&c.SessionTTL, "session-ttl", getEnvDuration("HLSRELAY_SESSION_TTL", segment.DefaultSessionTTL), "Lifetime of a session segment map")
	fs.IntVar(&c.SessionCapacity, "session-capacity", getEnvInt("HLSRELAY_SESSION_CAPACITY", segment.DefaultSessionCapacity), "Max session segment maps kept")

	fs.BoolVar(&c.UnmappedFallback, "unmapped-fallback", getEnvBool("HLSRELAY_UNMAPPED_FALLBACK", true), "Guess a relay URL for unmapped paths")

	fs.StringVar(&c.LandingURL, "landing-url", getEnv("HLSRELAY_LANDING_URL", def.LandingURL), "Page scanned for a fresh manifest URL")
	fs.StringVar(&c.HandshakeURL, "handshake-url", getEnv("HLSRELAY_HANDSHAKE_URL", def.HandshakeURL), "Endpoint that issues session cookies")
	fs.StringVar(&c.RelayHost, "relay-host", getEnv("HLSRELAY_RELAY_HOST", def.RelayHost), "Upstream host replaced by mirrors")
	mirrors := fs.String("mirrors", getEnv("HLSRELAY_MIRRORS", strings.Join(def.MirrorHosts, ",")), "Comma-separated mirror hosts, tried in order")

	fs.StringVar(&c.RaftID, "raft-id", getEnv("HLSRELAY_RAFT_ID", ""), "Raft node ID (enables cluster mode)")
	fs.StringVar(&c.RaftBind, "raft-bind", getEnv("HLSRELAY_RAFT_BIND", ""), "Raft bind address (host:port)")
	peers := fs.String("raft-peers", getEnv("HLSRELAY_RAFT_PEERS", ""), "Comma-separated Raft peer addresses, including this node")
	fs.StringVar(&c.RaftLogLevel, "raft-log-level", getEnv("HLSRELAY_RAFT_LOG_LEVEL", ""), "Raft log level (trace, debug, info, warn, error)")

	fs.BoolVar(&c.ShowVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "hlsrelay - HLS manifest relay v%s\n\n", Version)
		fmt.Fprintf(output, "Usage: %s [options]\n\n", name)
		fmt.Fprintf(output, "Every option can also be set with HLSRELAY_<OPTION> (dashes become underscores),\n")
		fmt.Fprintf(output, "directly or through a .env file.\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  %s --port 8000\n", name)
		fmt.Fprintf(output, "  %s --session-tokens --cookie-ttl 30m\n", name)
		fmt.Fprintf(output, "  %s --raft-id node1 --raft-bind 127.0.0.1:7000 --raft-peers 127.0.0.1:7000,127.0.0.1:7001\n", name)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	c.Mirrors = splitList(*mirrors)
	c.RaftPeers = splitList(*peers)
	return c, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry-delay must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative")
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}
	if c.CookieTTL < 0 {
		return fmt.Errorf("cookie-ttl must not be negative")
	}
	if c.SessionTokens {
		if c.SessionTTL <= 0 {
			return fmt.Errorf("session-ttl must be positive")
		}
		if c.SessionCapacity < 1 {
			return fmt.Errorf("session-capacity must be at least 1")
		}
	}
	for name, raw := range map[string]string{"landing-url": c.LandingURL, "handshake-url": c.HandshakeURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.Clustered() && (c.RaftBind == "" || len(c.RaftPeers) == 0) {
		return fmt.Errorf("cluster mode requires raft-id, raft-bind and raft-peers")
	}
	return nil
}

// Clustered reports whether Raft replication is configured.
func (c *Config) Clustered() bool {
	return c.RaftID != ""
}

// Profile returns the default upstream profile with this config's overrides.
func (c *Config) Profile() upstream.Profile {
	p := upstream.DefaultProfile()
	p.LandingURL = c.LandingURL
	p.HandshakeURL = c.HandshakeURL
	p.RelayHost = c.RelayHost
	p.MirrorHosts = c.Mirrors
	return p
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

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
