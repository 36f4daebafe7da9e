package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dialcast engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int    // control API listen port
	LogLevel   string // debug, info, warn, error
	LogFormat  string // text, json
	ExternalIP string // public IP for SDP (auto-detected if empty)

	SIP       SIPConfig
	RTP       RTPConfig
	Manager   ManagerConfig
	AMD       AMDConfig
	IVR       IVRConfig
	Scheduler SchedulerConfig
}

// SIPConfig describes the upstream PBX and how to register against it.
type SIPConfig struct {
	Server            string // PBX host or IP
	Port              int
	Username          string
	Password          string
	Transport         string // udp, tcp, tls
	LocalPort         int    // local SIP listen port
	RegisterExpires   int    // seconds requested in REGISTER
	KeepaliveInterval int    // seconds between OPTIONS pings, 0 disables
	SRTPMode          string // disabled, optional, mandatory
	Codecs            string // comma-separated preference order: pcmu, pcma, g722
	RingTimeout       int    // seconds to wait for answer before CANCEL
}

// RTPConfig bounds the local UDP port range used for media sessions.
type RTPConfig struct {
	PortStart int
	PortEnd   int
}

// ManagerConfig bounds the call manager.
type ManagerConfig struct {
	GlobalMaxConcurrent int
	DispatchIntervalMS  int
	CallsPerSecond      float64 // global dial pacing, 0 disables
}

// AMDConfig tunes answering machine detection.
type AMDConfig struct {
	Enabled          bool
	TimeoutSeconds   int
	VoiceThreshold   float64 // RMS above this is voiced
	SilenceThreshold float64 // RMS below this is silence
	MinEnergy        float64 // floor below which the stream counts as dead air
}

// IVRConfig sets flow execution defaults.
type IVRConfig struct {
	MaxMenuRetries     int
	DefaultDTMFTimeout int // seconds
	InterDigitTimeout  int // seconds
}

// SchedulerConfig controls the campaign scheduler loop.
type SchedulerConfig struct {
	PollIntervalMS         int
	StaleInProgressMinutes int
}

// defaults
const (
	defaultDataDir            = "./data"
	defaultHTTPPort           = 8080
	defaultSIPPort            = 5060
	defaultSIPLocalPort       = 5070
	defaultSIPTransport       = "udp"
	defaultRegisterExpires    = 300
	defaultKeepaliveInterval  = 0
	defaultSRTPMode           = "disabled"
	defaultCodecs             = "pcmu,pcma"
	defaultRingTimeout        = 30
	defaultRTPPortStart       = 10000
	defaultRTPPortEnd         = 20000
	defaultMaxConcurrent      = 50
	defaultDispatchIntervalMS = 100
	defaultAMDTimeout         = 5
	defaultVoiceThreshold     = 2000
	defaultSilenceThreshold   = 500
	defaultMinEnergy          = 100
	defaultMaxMenuRetries     = 3
	defaultDTMFTimeout        = 5
	defaultInterDigitTimeout  = 3
	defaultPollIntervalMS     = 1000
	defaultStaleGraceMinutes  = 60
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
)

// envPrefix is the prefix for all dialcast environment variables.
const envPrefix = "DIALCAST_"

// Load parses configuration from the given CLI arguments and environment
// variables. Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcast", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and audio prompts")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address used in SDP (auto-detected if empty)")

	fs.StringVar(&cfg.SIP.Server, "sip-server", "", "PBX hostname or IP to register against")
	fs.IntVar(&cfg.SIP.Port, "sip-port", defaultSIPPort, "PBX SIP port")
	fs.StringVar(&cfg.SIP.Username, "sip-username", "", "SIP auth username")
	fs.StringVar(&cfg.SIP.Password, "sip-password", "", "SIP auth password")
	fs.StringVar(&cfg.SIP.Transport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.IntVar(&cfg.SIP.LocalPort, "sip-local-port", defaultSIPLocalPort, "local SIP listen port")
	fs.IntVar(&cfg.SIP.RegisterExpires, "sip-register-expires", defaultRegisterExpires, "registration expiry requested in REGISTER (seconds)")
	fs.IntVar(&cfg.SIP.KeepaliveInterval, "sip-keepalive-interval", defaultKeepaliveInterval, "seconds between OPTIONS keepalives (0 disables)")
	fs.StringVar(&cfg.SIP.SRTPMode, "sip-srtp-mode", defaultSRTPMode, "SRTP mode (disabled, optional, mandatory)")
	fs.StringVar(&cfg.SIP.Codecs, "sip-codecs", defaultCodecs, "comma-separated codec preference (pcmu, pcma, g722)")
	fs.IntVar(&cfg.SIP.RingTimeout, "sip-ring-timeout", defaultRingTimeout, "seconds to wait for answer before cancelling")

	fs.IntVar(&cfg.RTP.PortStart, "rtp-port-start", defaultRTPPortStart, "first UDP port for RTP media")
	fs.IntVar(&cfg.RTP.PortEnd, "rtp-port-end", defaultRTPPortEnd, "last UDP port for RTP media")

	fs.IntVar(&cfg.Manager.GlobalMaxConcurrent, "max-concurrent", defaultMaxConcurrent, "global cap on simultaneous active calls")
	fs.IntVar(&cfg.Manager.DispatchIntervalMS, "dispatch-interval-ms", defaultDispatchIntervalMS, "call manager dispatch loop interval (milliseconds)")
	fs.Float64Var(&cfg.Manager.CallsPerSecond, "calls-per-second", 0, "global dial rate pacing (0 disables)")

	fs.BoolVar(&cfg.AMD.Enabled, "amd-enabled", true, "enable answering machine detection")
	fs.IntVar(&cfg.AMD.TimeoutSeconds, "amd-timeout", defaultAMDTimeout, "seconds of audio to analyze before deciding")
	fs.Float64Var(&cfg.AMD.VoiceThreshold, "amd-voice-threshold", defaultVoiceThreshold, "RMS level treated as voice")
	fs.Float64Var(&cfg.AMD.SilenceThreshold, "amd-silence-threshold", defaultSilenceThreshold, "RMS level treated as silence")
	fs.Float64Var(&cfg.AMD.MinEnergy, "amd-min-energy", defaultMinEnergy, "minimum RMS for the stream to count as live audio")

	fs.IntVar(&cfg.IVR.MaxMenuRetries, "ivr-max-menu-retries", defaultMaxMenuRetries, "menu retries before following the timeout edge")
	fs.IntVar(&cfg.IVR.DefaultDTMFTimeout, "ivr-dtmf-timeout", defaultDTMFTimeout, "default seconds to wait for the first digit")
	fs.IntVar(&cfg.IVR.InterDigitTimeout, "ivr-inter-digit-timeout", defaultInterDigitTimeout, "default seconds between digits")

	fs.IntVar(&cfg.Scheduler.PollIntervalMS, "scheduler-poll-interval-ms", defaultPollIntervalMS, "scheduler poll interval (milliseconds)")
	fs.IntVar(&cfg.Scheduler.StaleInProgressMinutes, "scheduler-stale-grace", defaultStaleGraceMinutes, "minutes before an in-progress contact is recovered")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. The env var name is the flag name
// upper-cased with dashes replaced by underscores, prefixed with DIALCAST_.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid env override", "var", envVar, "value", val, "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIP.Port < 1 || c.SIP.Port > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIP.Port)
	}
	if c.SIP.LocalPort < 1 || c.SIP.LocalPort > 65535 {
		return fmt.Errorf("sip-local-port must be between 1 and 65535, got %d", c.SIP.LocalPort)
	}
	c.SIP.Transport = strings.ToLower(c.SIP.Transport)
	switch c.SIP.Transport {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIP.Transport)
	}
	c.SIP.SRTPMode = strings.ToLower(c.SIP.SRTPMode)
	switch c.SIP.SRTPMode {
	case "disabled", "optional", "mandatory":
	default:
		return fmt.Errorf("sip-srtp-mode must be one of disabled, optional, mandatory; got %q", c.SIP.SRTPMode)
	}
	if c.SIP.RegisterExpires < 60 {
		return fmt.Errorf("sip-register-expires must be at least 60 seconds, got %d", c.SIP.RegisterExpires)
	}
	if c.SIP.RingTimeout < 1 {
		return fmt.Errorf("sip-ring-timeout must be positive, got %d", c.SIP.RingTimeout)
	}
	for _, codec := range c.CodecList() {
		switch codec {
		case "pcmu", "pcma", "g722":
		default:
			return fmt.Errorf("sip-codecs contains unknown codec %q", codec)
		}
	}
	if c.RTP.PortStart < 1024 || c.RTP.PortStart > 65534 {
		return fmt.Errorf("rtp-port-start must be between 1024 and 65534, got %d", c.RTP.PortStart)
	}
	if c.RTP.PortEnd < c.RTP.PortStart+2 || c.RTP.PortEnd > 65535 {
		return fmt.Errorf("rtp-port-end must be between rtp-port-start+2 and 65535, got %d", c.RTP.PortEnd)
	}
	// RTP uses even ports, the odd neighbour is reserved for RTCP.
	if c.RTP.PortStart%2 != 0 {
		return fmt.Errorf("rtp-port-start must be even, got %d", c.RTP.PortStart)
	}
	if c.Manager.GlobalMaxConcurrent < 1 {
		return fmt.Errorf("max-concurrent must be positive, got %d", c.Manager.GlobalMaxConcurrent)
	}
	if c.Manager.DispatchIntervalMS < 10 {
		return fmt.Errorf("dispatch-interval-ms must be at least 10, got %d", c.Manager.DispatchIntervalMS)
	}
	if c.AMD.TimeoutSeconds < 1 {
		return fmt.Errorf("amd-timeout must be positive, got %d", c.AMD.TimeoutSeconds)
	}
	if c.AMD.SilenceThreshold >= c.AMD.VoiceThreshold {
		return fmt.Errorf("amd-silence-threshold must be below amd-voice-threshold")
	}
	if c.IVR.MaxMenuRetries < 1 {
		return fmt.Errorf("ivr-max-menu-retries must be positive, got %d", c.IVR.MaxMenuRetries)
	}
	if c.Scheduler.PollIntervalMS < 100 {
		return fmt.Errorf("scheduler-poll-interval-ms must be at least 100, got %d", c.Scheduler.PollIntervalMS)
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

// ValidateForDial checks the fields required to actually register and place
// calls. Split from validate so that control subcommands (status, stop) can
// load config without PBX credentials present.
func (c *Config) ValidateForDial() error {
	if c.SIP.Server == "" {
		return fmt.Errorf("sip-server is required")
	}
	if c.SIP.Username == "" {
		return fmt.Errorf("sip-username is required")
	}
	return nil
}

// CodecList returns the configured codec preference order, normalized.
func (c *Config) CodecList() []string {
	parts := strings.Split(c.SIP.Codecs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DispatchInterval returns the call manager tick as a duration.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Manager.DispatchIntervalMS) * time.Millisecond
}

// PollInterval returns the scheduler tick as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond
}

// MediaIP returns the IP address to advertise in SDP. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
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

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
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
