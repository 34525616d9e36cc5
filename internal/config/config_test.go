package config

import (
	"flag"
	"testing"
)

func TestBindFlagsSharesDestinationBetweenShortAndLongForms(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	BindFlags(fs, &cfg)

	if err := fs.Parse([]string{"-s", "xmpp.example.org", "--muc-server", "conference.example.org"}); err != nil {
		t.Fatal(err)
	}

	if cfg.Server != "xmpp.example.org" {
		t.Errorf("Server = %q, want %q", cfg.Server, "xmpp.example.org")
	}
	if cfg.MUCServer != "conference.example.org" {
		t.Errorf("MUCServer = %q, want %q", cfg.MUCServer, "conference.example.org")
	}
}

func TestDefaultsAppliedWhenUnset(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != 6667 {
		t.Errorf("Listen = %d, want 6667", cfg.Listen)
	}
	if cfg.ServerPort != 5347 {
		t.Errorf("ServerPort = %d, want 5347", cfg.ServerPort)
	}
}

func TestValidateReportsMissingRequiredFields(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with no server/muc/component fields set")
	}
}

func TestValidatePassesWithRequiredFields(t *testing.T) {
	cfg := Default()
	cfg.Server = "xmpp.example.org"
	cfg.MUCServer = "conference.example.org"
	cfg.ComponentName = "irc.example.org"
	cfg.ComponentPass = "secret"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate returned error with all required fields set: %v", err)
	}
}
