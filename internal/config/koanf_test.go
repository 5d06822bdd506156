package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestKoanfConfig_LoadYAML tests loading configuration from a YAML file.
func TestKoanfConfig_LoadYAML(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateRoot != "/var/lib/capturemgrd" {
		t.Errorf("Expected state_root /var/lib/capturemgrd, got %s", cfg.StateRoot)
	}
	if cfg.Supervisor.Launcher != "gst-launch-1.0" {
		t.Errorf("Expected launcher gst-launch-1.0, got %s", cfg.Supervisor.Launcher)
	}
	if cfg.Supervisor.StopGrace != 10*time.Second {
		t.Errorf("Expected stop_grace 10s, got %v", cfg.Supervisor.StopGrace)
	}
	if cfg.Auto.SrtPort != 8888 {
		t.Errorf("Expected srt_port 8888, got %d", cfg.Auto.SrtPort)
	}
}

// TestKoanfConfig_LoadWithEnvOverride tests environment variable overrides.
func TestKoanfConfig_LoadWithEnvOverride(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	t.Setenv("CAPTUREMGRD_SUPERVISOR_LAUNCHER", "ffmpeg")
	t.Setenv("CAPTUREMGRD_AUTO_SRT_PORT", "9999")
	t.Setenv("CAPTUREMGRD_HEALTH_ADDR", "0.0.0.0:9000")

	kc, err := NewKoanfConfig(
		WithYAMLFile(configPath),
		WithEnvPrefix("CAPTUREMGRD"),
	)
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Supervisor.Launcher != "ffmpeg" {
		t.Errorf("Expected launcher ffmpeg (from env), got %s", cfg.Supervisor.Launcher)
	}
	if cfg.Auto.SrtPort != 9999 {
		t.Errorf("Expected srt_port 9999 (from env), got %d", cfg.Auto.SrtPort)
	}
	if cfg.Health.Addr != "0.0.0.0:9000" {
		t.Errorf("Expected health addr 0.0.0.0:9000 (from env), got %s", cfg.Health.Addr)
	}

	// Verify non-overridden values still come from YAML.
	if cfg.Signal.PollStabilityMillis != 500 {
		t.Errorf("Expected poll_stability_millis 500 (from YAML), got %d", cfg.Signal.PollStabilityMillis)
	}
}

// TestKoanfConfig_StateRootEnvOverride tests the bare scalar state_root field,
// which has no section prefix in the env TransformFunc.
func TestKoanfConfig_StateRootEnvOverride(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	t.Setenv("CAPTUREMGRD_STATE_ROOT", "/srv/capturemgrd")

	kc, err := NewKoanfConfig(
		WithYAMLFile(configPath),
		WithEnvPrefix("CAPTUREMGRD"),
	)
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateRoot != "/srv/capturemgrd" {
		t.Errorf("Expected state_root /srv/capturemgrd (from env), got %s", cfg.StateRoot)
	}
}

// TestKoanfConfig_Reload tests manual configuration reload.
func TestKoanfConfig_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validConfigYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auto.SrtPort != 8888 {
		t.Fatalf("Expected initial srt_port 8888, got %d", cfg.Auto.SrtPort)
	}

	updatedConfig := strings.Replace(validConfigYAML, "srt_port: 8888", "srt_port: 9001", 1)
	if err := os.WriteFile(configPath, []byte(updatedConfig), 0644); err != nil {
		t.Fatalf("Failed to update test config: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg, err = kc.Load()
	if err != nil {
		t.Fatalf("Load after reload failed: %v", err)
	}
	if cfg.Auto.SrtPort != 9001 {
		t.Errorf("Expected reloaded srt_port 9001, got %d", cfg.Auto.SrtPort)
	}
}

// TestKoanfConfig_Watch tests configuration file watching.
func TestKoanfConfig_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validConfigYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	watchCalled := make(chan string, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err != nil {
				watchCalled <- "error: " + err.Error()
				return
			}
			watchCalled <- event
		})
	}()

	time.Sleep(100 * time.Millisecond)

	updatedConfig := strings.Replace(validConfigYAML, "srt_port: 8888", "srt_port: 9001", 1)
	if err := os.WriteFile(configPath, []byte(updatedConfig), 0644); err != nil {
		t.Fatalf("Failed to update test config: %v", err)
	}

	select {
	case event := <-watchCalled:
		if event != "config reloaded" {
			t.Errorf("Expected event 'config reloaded', got %s", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch callback not called within timeout")
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load after watch failed: %v", err)
	}
	if cfg.Auto.SrtPort != 9001 {
		t.Errorf("Expected watched srt_port 9001, got %d", cfg.Auto.SrtPort)
	}
}

// TestKoanfConfig_BackwardCompatibility tests that koanf-loaded config
// matches the plain LoadConfig() API for the same file.
func TestKoanfConfig_BackwardCompatibility(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	oldCfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	newCfg, err := kc.Load()
	if err != nil {
		t.Fatalf("koanf Load failed: %v", err)
	}

	if oldCfg.StateRoot != newCfg.StateRoot {
		t.Errorf("StateRoot mismatch: old=%s, new=%s", oldCfg.StateRoot, newCfg.StateRoot)
	}
	if oldCfg.Supervisor.Launcher != newCfg.Supervisor.Launcher {
		t.Errorf("Launcher mismatch: old=%s, new=%s", oldCfg.Supervisor.Launcher, newCfg.Supervisor.Launcher)
	}
	if oldCfg.Auto.SrtPort != newCfg.Auto.SrtPort {
		t.Errorf("SrtPort mismatch: old=%d, new=%d", oldCfg.Auto.SrtPort, newCfg.Auto.SrtPort)
	}
}

// TestKoanfConfig_InvalidYAML tests handling of invalid YAML.
func TestKoanfConfig_InvalidYAML(t *testing.T) {
	configPath := writeTestConfig(t, "supervisor:\n  stop_grace: \"not a duration\"\n  launcher: [invalid\n")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		// Expected - invalid YAML may fail during NewKoanfConfig.
		return
	}

	if _, err := kc.Load(); err == nil {
		t.Error("Expected error loading invalid YAML, got nil")
	}
}

// TestKoanfConfig_MissingFile tests handling of missing config file.
func TestKoanfConfig_MissingFile(t *testing.T) {
	_, err := NewKoanfConfig(WithYAMLFile("/nonexistent/config.yaml"))
	if err == nil {
		t.Error("Expected error loading missing file, got nil")
	}
}

// TestKoanfConfig_GetMethods tests typed getter methods.
func TestKoanfConfig_GetMethods(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if got := kc.GetInt("auto.srt_port"); got != 8888 {
		t.Errorf("Expected srt_port 8888, got %d", got)
	}
	if got := kc.GetString("supervisor.launcher"); got != "gst-launch-1.0" {
		t.Errorf("Expected launcher gst-launch-1.0, got %s", got)
	}
	if got := kc.GetBool("auto.autostart_on_ready"); !got {
		t.Error("Expected autostart_on_ready to be true")
	}
	if got := kc.GetDuration("supervisor.stop_grace"); got != 10*time.Second {
		t.Errorf("Expected stop_grace 10s, got %v", got)
	}
	if !kc.Exists("supervisor.launcher") {
		t.Error("Expected supervisor.launcher to exist")
	}
	if kc.Exists("nonexistent.key") {
		t.Error("Expected nonexistent.key to not exist")
	}
}

// TestKoanfConfig_NoFile tests loading without a file (env vars only).
func TestKoanfConfig_NoFile(t *testing.T) {
	t.Setenv("CAPTUREMGRD_STATE_ROOT", "/var/lib/capturemgrd")
	t.Setenv("CAPTUREMGRD_SUPERVISOR_LAUNCHER", "gst-launch-1.0")
	t.Setenv("CAPTUREMGRD_SUPERVISOR_STOP_GRACE", "10s")
	t.Setenv("CAPTUREMGRD_AUTO_SRT_PORT", "8888")

	kc, err := NewKoanfConfig(WithEnvPrefix("CAPTUREMGRD"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateRoot != "/var/lib/capturemgrd" {
		t.Errorf("Expected state_root /var/lib/capturemgrd, got %s", cfg.StateRoot)
	}
	if cfg.Supervisor.Launcher != "gst-launch-1.0" {
		t.Errorf("Expected launcher gst-launch-1.0, got %s", cfg.Supervisor.Launcher)
	}
}

// TestKoanfConfig_All tests the All() method for complete map access.
func TestKoanfConfig_All(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	allConfig := kc.All()
	if allConfig == nil {
		t.Fatal("All() returned nil")
	}

	if _, ok := allConfig["supervisor.launcher"]; !ok {
		t.Error("All() should contain 'supervisor.launcher' key")
	}
	if _, ok := allConfig["auto.srt_port"]; !ok {
		t.Error("All() should contain 'auto.srt_port' key")
	}
	if _, ok := allConfig["health.addr"]; !ok {
		t.Error("All() should contain 'health.addr' key")
	}
}

// TestKoanfConfig_AllAfterReload tests that All() reflects reloaded values.
func TestKoanfConfig_AllAfterReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validConfigYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	updatedConfig := strings.Replace(validConfigYAML, "srt_port: 8888", "srt_port: 7000", 1)
	if err := os.WriteFile(configPath, []byte(updatedConfig), 0644); err != nil {
		t.Fatalf("Failed to update test config: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	allConfig := kc.All()
	if allConfig == nil {
		t.Fatal("All() returned nil after reload")
	}
	if len(allConfig) == 0 {
		t.Error("All() returned empty map after reload")
	}
}

// TestKoanfConfig_WatchNoFile tests Watch with no file specified.
func TestKoanfConfig_WatchNoFile(t *testing.T) {
	kc, err := NewKoanfConfig(WithEnvPrefix("CAPTUREMGRD"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = kc.Watch(ctx, func(event string, watchErr error) {
		t.Error("Callback should not be called when no file is set")
	})

	if err == nil {
		t.Error("Watch without file should return an error")
	}
	if err != nil && !strings.Contains(err.Error(), "no file path specified") {
		t.Errorf("Expected error about no file path, got: %v", err)
	}
}

// TestKoanfConfig_WatchContextCancellation tests Watch with context cancellation.
func TestKoanfConfig_WatchContextCancellation(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Watch did not return when context was cancelled")
	}
}

// TestKoanfConfig_ConcurrentReloadAndRead tests that concurrent Reload and
// getter calls do not cause a data race on the internal koanf pointer.
// This test is designed to be run with `go test -race` to detect races.
func TestKoanfConfig_ConcurrentReloadAndRead(t *testing.T) {
	configPath := writeTestConfig(t, validConfigYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	const numGoroutines = 10
	const numIterations = 50

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.Reload()
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetString("supervisor.launcher")
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetInt("auto.srt_port")
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetBool("auto.autostart_on_ready")
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.GetDuration("supervisor.stop_grace")
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.Exists("supervisor.launcher")
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_ = kc.All()
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numIterations; j++ {
				_, _ = kc.Load()
			}
		}()
	}

	wg.Wait()
}
