package logger

import (
	"testing"
)

func TestNewWithDefaults(t *testing.T) {
	log, err := New(LoggingConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log == nil {
		t.Fatal("nil logger")
	}
	log.WithField("k", "v").Debug("should not panic")
}

func TestNewRejectsBadLevelSilently(t *testing.T) {
	// Unknown levels fall back to info rather than failing startup.
	log, err := New(LoggingConfig{Level: "chatty"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("ok")
}

func TestNewJSONFormat(t *testing.T) {
	log, err := New(LoggingConfig{Format: "json", Output: "stderr", Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.WithError(nil).Warn("ok")
}

func TestNewDefaultChainable(t *testing.T) {
	log := NewDefault("test")
	log.WithComponent("sub").WithField("n", 1).Infof("value %d", 1)
}
