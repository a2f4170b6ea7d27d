package logger

import (
	"os"
	"testing"
)

func TestNewDefault(t *testing.T) {
	l := NewDefault("sift")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.service != "sift" {
		t.Errorf("expected service 'sift', got %q", l.service)
	}
}

func TestNewInvalidLevel(t *testing.T) {
	cfg := &Config{
		Level:  "invalid-level",
		Format: "json",
		Output: "stdout",
	}
	l := New(cfg, "test")
	if l == nil {
		t.Fatal("expected logger to be created even with invalid level")
	}
}

func TestNewFromEnv(t *testing.T) {
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "json")
	defer os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("LOG_FORMAT")

	l := NewFromEnv("env-svc")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestWithComponent(t *testing.T) {
	l := NewDefault("sift").WithComponent("scheduler")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.service != "sift" {
		t.Errorf("component logger should keep service name, got %q", l.service)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestFields(t *testing.T) {
	m := Fields("a", 1, "b", "two")
	if m["a"] != 1 || m["b"] != "two" {
		t.Fatalf("unexpected fields map: %v", m)
	}

	// odd trailing key is dropped
	m = Fields("a", 1, "dangling")
	if _, ok := m["dangling"]; ok {
		t.Fatal("dangling key should be dropped")
	}
}
