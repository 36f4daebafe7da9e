package config

import (
	"log/slog"
	"os"
	"reflect"
	"testing"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"DIALCAST_DATA_DIR", "DIALCAST_HTTP_PORT", "DIALCAST_SIP_PORT",
		"DIALCAST_SIP_TRANSPORT", "DIALCAST_RTP_PORT_START", "DIALCAST_LOG_LEVEL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIP.Port != defaultSIPPort {
		t.Errorf("SIP.Port = %d, want %d", cfg.SIP.Port, defaultSIPPort)
	}
	if cfg.SIP.Transport != defaultSIPTransport {
		t.Errorf("SIP.Transport = %q, want %q", cfg.SIP.Transport, defaultSIPTransport)
	}
	if cfg.SIP.RegisterExpires != defaultRegisterExpires {
		t.Errorf("SIP.RegisterExpires = %d, want %d", cfg.SIP.RegisterExpires, defaultRegisterExpires)
	}
	if cfg.RTP.PortStart != defaultRTPPortStart || cfg.RTP.PortEnd != defaultRTPPortEnd {
		t.Errorf("RTP range = [%d, %d], want [%d, %d]", cfg.RTP.PortStart, cfg.RTP.PortEnd, defaultRTPPortStart, defaultRTPPortEnd)
	}
	if cfg.Manager.GlobalMaxConcurrent != defaultMaxConcurrent {
		t.Errorf("Manager.GlobalMaxConcurrent = %d, want %d", cfg.Manager.GlobalMaxConcurrent, defaultMaxConcurrent)
	}
	if !cfg.AMD.Enabled {
		t.Error("AMD.Enabled = false, want true by default")
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("DIALCAST_HTTP_PORT", "9090")
	t.Setenv("DIALCAST_DATA_DIR", "/tmp/dialcast-test")
	t.Setenv("DIALCAST_SIP_SERVER", "pbx.example.com")
	t.Setenv("DIALCAST_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/dialcast-test" {
		t.Errorf("DataDir = %q, want /tmp/dialcast-test", cfg.DataDir)
	}
	if cfg.SIP.Server != "pbx.example.com" {
		t.Errorf("SIP.Server = %q, want pbx.example.com", cfg.SIP.Server)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	t.Setenv("DIALCAST_HTTP_PORT", "9090")
	t.Setenv("DIALCAST_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	_, err := Load([]string{"--http-port", "99999"})
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidTransport(t *testing.T) {
	_, err := Load([]string{"--sip-transport", "sctp"})
	if err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

func TestValidateOddRTPPortStart(t *testing.T) {
	_, err := Load([]string{"--rtp-port-start", "10001"})
	if err == nil {
		t.Fatal("expected error for odd rtp-port-start, got nil")
	}
}

func TestValidateInvalidCodec(t *testing.T) {
	_, err := Load([]string{"--sip-codecs", "pcmu,opus"})
	if err == nil {
		t.Fatal("expected error for unknown codec, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	_, err := Load([]string{"--log-level", "verbose"})
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateForDial(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ValidateForDial(); err == nil {
		t.Fatal("expected error with no sip-server configured")
	}

	cfg, err = Load([]string{"--sip-server", "pbx.local", "--sip-username", "dialer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ValidateForDial(); err != nil {
		t.Errorf("ValidateForDial() = %v, want nil", err)
	}
}

func TestCodecList(t *testing.T) {
	cfg := &Config{SIP: SIPConfig{Codecs: "PCMU, pcma ,g722"}}
	want := []string{"pcmu", "pcma", "g722"}
	if got := cfg.CodecList(); !reflect.DeepEqual(got, want) {
		t.Errorf("CodecList() = %v, want %v", got, want)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
