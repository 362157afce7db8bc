package observability

import (
	"context"
	"testing"

	"github.com/zkpool/coordinator/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Enabled:    true,
		AppName:    "Test Pool",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: true, AppName: "Test Pool"})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})
	agent.Stop()
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	if agent.Application() != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})
	ctx := context.Background()

	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestRecordShareSubmission(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	agent.RecordShareSubmission("worker1", 1000000, true)
	agent.RecordShareSubmission("worker1", 1000000, false)
}

func TestRecordBlockFound(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	agent.RecordBlockFound(12345, "addr1finder")
}

func TestUpdatePoolMetrics(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	agent.UpdatePoolMetrics(1500000.5, 250)
}

func TestUpdateNetworkMetrics(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	agent.UpdateNetworkMetrics(12345, 1000000)
}

func TestAgentStructFields(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Enabled:    true,
		AppName:    "zkpool coordinator",
		LicenseKey: "license_123",
	}

	agent := NewAgent(cfg)

	if agent.cfg.AppName != "zkpool coordinator" {
		t.Errorf("AppName = %s, want zkpool coordinator", agent.cfg.AppName)
	}
	if agent.cfg.LicenseKey != "license_123" {
		t.Errorf("LicenseKey = %s, want license_123", agent.cfg.LicenseKey)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.ObservabilityConfig{Enabled: false})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.Application()
			agent.RecordShareSubmission("w", 1, true)
			agent.RecordBlockFound(1, "f")
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
