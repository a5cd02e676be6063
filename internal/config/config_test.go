package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_USER", "app")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "stagepass")
}

func TestNewDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Booking.HoldTTL != 7*time.Minute {
		t.Errorf("Booking.HoldTTL = %s, want 7m", cfg.Booking.HoldTTL)
	}
	if cfg.Booking.SessionTTL != 30*time.Minute {
		t.Errorf("Booking.SessionTTL = %s, want 30m", cfg.Booking.SessionTTL)
	}
	if cfg.Booking.SweepInterval != 10*time.Second {
		t.Errorf("Booking.SweepInterval = %s, want 10s", cfg.Booking.SweepInterval)
	}
	if cfg.Booking.OutboxMaxRetries != 3 {
		t.Errorf("Booking.OutboxMaxRetries = %d, want 3", cfg.Booking.OutboxMaxRetries)
	}
	if cfg.AMQP.Queue != "payment.events" {
		t.Errorf("AMQP.Queue = %q, want payment.events", cfg.AMQP.Queue)
	}
}

func TestNewOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HOLD_TTL_SECONDS", "120")
	t.Setenv("AMQP_QUEUE", "booking.events")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if cfg.Booking.HoldTTL != 2*time.Minute {
		t.Errorf("Booking.HoldTTL = %s, want 2m", cfg.Booking.HoldTTL)
	}
	if cfg.AMQP.Queue != "booking.events" {
		t.Errorf("AMQP.Queue = %q, want booking.events", cfg.AMQP.Queue)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestNewMissingRequired(t *testing.T) {
	t.Setenv("POSTGRES_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "stagepass")

	if _, err := New(); err == nil {
		t.Fatal("New succeeded without POSTGRES_USER")
	}
}

func TestNewBadPort(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "not-a-port")

	if _, err := New(); err == nil {
		t.Fatal("New succeeded with a bad SERVER_PORT")
	}
}
