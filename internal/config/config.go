package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the SIP bridge.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// Carrier signaling.
	CarrierAddr string // host:port of the carrier's SIP TCP endpoint
	SIPDomain   string // domain for From/To URIs on outbound calls
	CallerID    string // user part of the From URI
	SIPUsername string // digest auth username; empty disables auth retries
	SIPPassword string

	// Our advertised addresses.
	PublicSIPIP   string // externally reachable signaling IP for Via and Contact
	SIPPort       int    // advertised signaling port
	PublicMediaIP string // externally reachable IP written into SDP (auto-detected if empty)

	// Inbound listener; empty disables inbound calling.
	ListenAddr string

	// RTP port pool. Even ports only; one port per concurrent call.
	RTPPortMin int
	RTPPortMax int

	// Conferencing session credentials.
	SessionAPIKey    string
	SessionAPISecret string
	SessionURL       string

	// Inbound routing: comma-separated number=agent pairs plus an
	// optional fallback agent type.
	AgentNumbers string
	DefaultAgent string

	// Call health timeouts. Zero disables the check.
	NoRTPGrace        time.Duration
	RTPSilenceTimeout time.Duration

	SIPResponseTimeout time.Duration

	// One-shot outbound call placed at startup when DialNumber is set.
	DialNumber    string
	DialAgentType string
	DialSession   string

	MetricsAddr string // HTTP listen address for /metrics and /healthz
	CDRPath     string // sqlite database path; empty disables CDRs
	LogLevel    string
	LogFormat   string // "text" or "json"
}

// defaults
const (
	defaultSIPPort            = 5060
	defaultRTPPortMin         = 10000
	defaultRTPPortMax         = 20000
	defaultNoRTPGrace         = 15 * time.Second
	defaultRTPSilenceTimeout  = 30 * time.Second
	defaultSIPResponseTimeout = 60 * time.Second
	defaultMetricsAddr        = ":9090"
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
)

// envPrefix is the prefix for all bridge environment variables.
const envPrefix = "SIPBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sipbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.CarrierAddr, "carrier-addr", "", "host:port of the carrier's SIP TCP endpoint")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain for From/To URIs (defaults to the carrier host)")
	fs.StringVar(&cfg.CallerID, "caller-id", "bridge", "user part of the From URI on outbound calls")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "digest auth username for the carrier")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "digest auth password for the carrier")
	fs.StringVar(&cfg.PublicSIPIP, "public-sip-ip", "", "externally reachable signaling IP for Via and Contact")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "advertised SIP signaling port")
	fs.StringVar(&cfg.PublicMediaIP, "public-media-ip", "", "externally reachable IP written into SDP (auto-detected if empty)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", "", "TCP listen address for inbound SIP (empty disables inbound calls)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.SessionAPIKey, "session-api-key", "", "conferencing service API key")
	fs.StringVar(&cfg.SessionAPISecret, "session-api-secret", "", "conferencing service API secret")
	fs.StringVar(&cfg.SessionURL, "session-url", "", "conferencing service URL")
	fs.StringVar(&cfg.AgentNumbers, "agent-numbers", "", "comma-separated number=agent pairs for inbound routing")
	fs.StringVar(&cfg.DefaultAgent, "default-agent", "", "fallback agent type for unmatched inbound numbers")
	fs.DurationVar(&cfg.NoRTPGrace, "no-rtp-grace", defaultNoRTPGrace, "how long after answer to wait for the first RTP packet (0 disables)")
	fs.DurationVar(&cfg.RTPSilenceTimeout, "rtp-silence-timeout", defaultRTPSilenceTimeout, "end calls whose inbound RTP stops for this long (0 disables)")
	fs.DurationVar(&cfg.SIPResponseTimeout, "sip-response-timeout", defaultSIPResponseTimeout, "how long to wait for a final INVITE response")
	fs.StringVar(&cfg.DialNumber, "dial", "", "place one outbound call to this number at startup")
	fs.StringVar(&cfg.DialAgentType, "dial-agent", "", "agent type recorded for the -dial call")
	fs.StringVar(&cfg.DialSession, "dial-session", "", "conferencing session name for the -dial call")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "HTTP listen address for /metrics and /healthz")
	fs.StringVar(&cfg.CDRPath, "cdr-path", "", "sqlite database path for call records (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"carrier-addr":         envPrefix + "CARRIER_ADDR",
		"sip-domain":           envPrefix + "SIP_DOMAIN",
		"caller-id":            envPrefix + "CALLER_ID",
		"sip-username":         envPrefix + "SIP_USERNAME",
		"sip-password":         envPrefix + "SIP_PASSWORD",
		"public-sip-ip":        envPrefix + "PUBLIC_SIP_IP",
		"sip-port":             envPrefix + "SIP_PORT",
		"public-media-ip":      envPrefix + "PUBLIC_MEDIA_IP",
		"listen-addr":          envPrefix + "LISTEN_ADDR",
		"rtp-port-min":         envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":         envPrefix + "RTP_PORT_MAX",
		"session-api-key":      envPrefix + "SESSION_API_KEY",
		"session-api-secret":   envPrefix + "SESSION_API_SECRET",
		"session-url":          envPrefix + "SESSION_URL",
		"agent-numbers":        envPrefix + "AGENT_NUMBERS",
		"default-agent":        envPrefix + "DEFAULT_AGENT",
		"no-rtp-grace":         envPrefix + "NO_RTP_GRACE",
		"rtp-silence-timeout":  envPrefix + "RTP_SILENCE_TIMEOUT",
		"sip-response-timeout": envPrefix + "SIP_RESPONSE_TIMEOUT",
		"metrics-addr":         envPrefix + "METRICS_ADDR",
		"cdr-path":             envPrefix + "CDR_PATH",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "carrier-addr":
			cfg.CarrierAddr = val
		case "sip-domain":
			cfg.SIPDomain = val
		case "caller-id":
			cfg.CallerID = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "public-sip-ip":
			cfg.PublicSIPIP = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "public-media-ip":
			cfg.PublicMediaIP = val
		case "listen-addr":
			cfg.ListenAddr = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "session-api-key":
			cfg.SessionAPIKey = val
		case "session-api-secret":
			cfg.SessionAPISecret = val
		case "session-url":
			cfg.SessionURL = val
		case "agent-numbers":
			cfg.AgentNumbers = val
		case "default-agent":
			cfg.DefaultAgent = val
		case "no-rtp-grace":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.NoRTPGrace = v
			}
		case "rtp-silence-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RTPSilenceTimeout = v
			}
		case "sip-response-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SIPResponseTimeout = v
			}
		case "metrics-addr":
			cfg.MetricsAddr = val
		case "cdr-path":
			cfg.CDRPath = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports; RTCP would take the next odd port.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax%2 != 0 {
		return fmt.Errorf("rtp-port-max must be even, got %d", c.RTPPortMax)
	}
	if c.DialNumber != "" && c.CarrierAddr == "" {
		return fmt.Errorf("-dial requires carrier-addr")
	}
	if c.SIPDomain == "" && c.CarrierAddr != "" {
		host, _, err := net.SplitHostPort(c.CarrierAddr)
		if err != nil {
			return fmt.Errorf("carrier-addr must be host:port, got %q", c.CarrierAddr)
		}
		c.SIPDomain = host
	}
	if _, err := c.ParseAgentNumbers(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ParseAgentNumbers parses the number=agent routing table.
func (c *Config) ParseAgentNumbers() (map[string]string, error) {
	numbers := make(map[string]string)
	if c.AgentNumbers == "" {
		return numbers, nil
	}
	for _, pair := range strings.Split(c.AgentNumbers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		num, agent, ok := strings.Cut(pair, "=")
		if !ok || num == "" || agent == "" {
			return nil, fmt.Errorf("agent-numbers entry %q is not number=agent", pair)
		}
		numbers[strings.TrimSpace(num)] = strings.TrimSpace(agent)
	}
	return numbers, nil
}

// MediaIP returns the IP address written into SDP. If PublicMediaIP is
// configured, it is returned directly. Otherwise the function attempts
// to detect the machine's primary non-loopback IPv4 address, falling
// back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.PublicMediaIP != "" {
		return c.PublicMediaIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SIPIP returns the advertised signaling IP, falling back to the media
// IP detection when unset.
func (c *Config) SIPIP() string {
	if c.PublicSIPIP != "" {
		return c.PublicSIPIP
	}
	return c.MediaIP()
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
