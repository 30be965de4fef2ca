package config

import (
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CDPAddress != "127.0.0.1" || cfg.CDPPort != 9222 {
		t.Fatalf("CDP target = %s:%d, want 127.0.0.1:9222", cfg.CDPAddress, cfg.CDPPort)
	}
	if cfg.PoolSize != 3 {
		t.Fatalf("PoolSize = %d, want 3", cfg.PoolSize)
	}
	if cfg.EventBufferSize != 100 || cfg.EventQueueSize != 1000 {
		t.Fatalf("event caps = %d/%d, want 100/1000", cfg.EventBufferSize, cfg.EventQueueSize)
	}
	if !cfg.AutoReconnect {
		t.Fatalf("AutoReconnect should default to true")
	}
	if cfg.GetCDPURL() != "http://127.0.0.1:9222" {
		t.Fatalf("GetCDPURL() = %q", cfg.GetCDPURL())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BRIDGE_CDP_PORT", "9333")
	t.Setenv("BRIDGE_POOL_SIZE", "7")
	t.Setenv("BRIDGE_COMMAND_TIMEOUT_SEC", "2.5")
	t.Setenv("BRIDGE_AUTO_RECONNECT", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 {
		t.Fatalf("CDPPort = %d, want 9333", cfg.CDPPort)
	}
	if cfg.PoolSize != 7 {
		t.Fatalf("PoolSize = %d, want 7", cfg.PoolSize)
	}
	if cfg.CommandTimeoutSec != 2.5 {
		t.Fatalf("CommandTimeoutSec = %v, want 2.5", cfg.CommandTimeoutSec)
	}
	if cfg.AutoReconnect {
		t.Fatalf("AutoReconnect = true, want false")
	}
}

func TestLoadParsesBindFallbacks(t *testing.T) {
	t.Setenv("BRIDGE_BIND_FALLBACKS", "127.0.0.1:8091, 127.0.0.1:8092,,127.0.0.1:8093")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"127.0.0.1:8091", "127.0.0.1:8092", "127.0.0.1:8093"}
	if !reflect.DeepEqual(cfg.BindFallbacks, want) {
		t.Fatalf("BindFallbacks = %v, want %v", cfg.BindFallbacks, want)
	}
}

func TestLoadRejectsBadPoolSize(t *testing.T) {
	t.Setenv("BRIDGE_POOL_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject BRIDGE_POOL_SIZE=0")
	}
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("BRIDGE_CDP_PORT", "not-a-number")
	t.Setenv("BRIDGE_AUTO_RECONNECT", "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9222 {
		t.Fatalf("CDPPort = %d, want default 9222", cfg.CDPPort)
	}
	if !cfg.AutoReconnect {
		t.Fatalf("AutoReconnect should fall back to default true")
	}
}
