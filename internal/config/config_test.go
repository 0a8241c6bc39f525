package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SIPPort != 5060 {
		t.Errorf("SIPPort = %d", cfg.SIPPort)
	}
	if cfg.RTPPortMin != 10000 || cfg.RTPPortMax != 20000 {
		t.Errorf("rtp range = %d-%d", cfg.RTPPortMin, cfg.RTPPortMax)
	}
	if cfg.NoRTPGrace != 15*time.Second {
		t.Errorf("NoRTPGrace = %s", cfg.NoRTPGrace)
	}
	if cfg.RTPSilenceTimeout != 30*time.Second {
		t.Errorf("RTPSilenceTimeout = %s", cfg.RTPSilenceTimeout)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("logging defaults = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-carrier-addr", "sip.carrier.example.com:5060",
		"-caller-id", "+15550100",
		"-rtp-port-min", "40000",
		"-rtp-port-max", "40100",
		"-no-rtp-grace", "5s",
		"-log-level", "DEBUG",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CarrierAddr != "sip.carrier.example.com:5060" {
		t.Errorf("CarrierAddr = %q", cfg.CarrierAddr)
	}
	// Domain falls back to the carrier host.
	if cfg.SIPDomain != "sip.carrier.example.com" {
		t.Errorf("SIPDomain = %q", cfg.SIPDomain)
	}
	if cfg.NoRTPGrace != 5*time.Second {
		t.Errorf("NoRTPGrace = %s", cfg.NoRTPGrace)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want normalized", cfg.LogLevel)
	}
}

func TestEnvOverrideAndFlagPrecedence(t *testing.T) {
	t.Setenv("SIPBRIDGE_CALLER_ID", "+15550111")
	t.Setenv("SIPBRIDGE_RTP_PORT_MIN", "30000")

	cfg, err := Load([]string{"-rtp-port-min", "40000", "-rtp-port-max", "50000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CallerID != "+15550111" {
		t.Errorf("env override not applied: %q", cfg.CallerID)
	}
	if cfg.RTPPortMin != 40000 {
		t.Errorf("flag did not win over env: %d", cfg.RTPPortMin)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"odd rtp min", []string{"-rtp-port-min", "10001"}, "must be even"},
		{"odd rtp max", []string{"-rtp-port-max", "19999"}, "must be even"},
		{"inverted range", []string{"-rtp-port-min", "20000", "-rtp-port-max", "10000"}, "rtp-port-max"},
		{"dial without carrier", []string{"-dial", "+15550100"}, "carrier-addr"},
		{"bad carrier addr", []string{"-carrier-addr", "no-port-here"}, "host:port"},
		{"bad log level", []string{"-log-level", "verbose"}, "log-level"},
		{"bad log format", []string{"-log-format", "xml"}, "log-format"},
		{"bad agent numbers", []string{"-agent-numbers", "+15550100"}, "number=agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseAgentNumbers(t *testing.T) {
	cfg, err := Load([]string{"-agent-numbers", "+15550100=support, +15550101=sales", "-default-agent", "reception"})
	if err != nil {
		t.Fatal(err)
	}
	numbers, err := cfg.ParseAgentNumbers()
	if err != nil {
		t.Fatal(err)
	}
	if numbers["+15550100"] != "support" || numbers["+15550101"] != "sales" {
		t.Errorf("numbers = %v", numbers)
	}
}

func TestMediaIPExplicit(t *testing.T) {
	cfg := &Config{PublicMediaIP: "203.0.113.5"}
	if got := cfg.MediaIP(); got != "203.0.113.5" {
		t.Errorf("MediaIP = %q", got)
	}
	if got := (&Config{PublicSIPIP: "203.0.113.6"}).SIPIP(); got != "203.0.113.6" {
		t.Errorf("SIPIP = %q", got)
	}
}
