// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"testing"
)

func fakeEnv(values map[string]string) envLookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func withDataDir(t *testing.T, extra map[string]string) envLookupFunc {
	t.Helper()
	values := map[string]string{"GPUFLEET_DATA_DIR": t.TempDir()}
	for k, v := range extra {
		values[k] = v
	}
	return fakeEnv(values)
}

func TestLoader_DefaultsAreValid(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, nil))
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != "test" {
		t.Errorf("expected version to be set from loader, got %q", cfg.Version)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
}

func TestLoader_EnvOverridesDefaults(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, map[string]string{
		"GPUFLEET_LISTEN_ADDR":            ":8888",
		"GPUFLEET_ACTIVATION_LOCK_BACKEND": "redis",
		"GPUFLEET_REDIS_ADDR":              "127.0.0.1:6379",
	}))
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8888" {
		t.Errorf("expected overridden listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.ActivationLockBackend != "redis" {
		t.Errorf("expected redis backend, got %q", cfg.ActivationLockBackend)
	}
}

func TestLoader_InvalidRedisBackendWithoutAddr(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, map[string]string{
		"GPUFLEET_ACTIVATION_LOCK_BACKEND": "redis",
	}))
	if _, err := l.Load(); err == nil {
		t.Fatal("expected validation error for redis backend without an address")
	}
}

func TestConfigHolder_ReloadSwapsSnapshot(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, map[string]string{"GPUFLEET_LISTEN_ADDR": ":9090"}))
	initial, err := l.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := NewConfigHolder(initial, l)
	if h.Get().ListenAddr != ":9090" {
		t.Fatalf("expected initial listen addr :9090, got %q", h.Get().ListenAddr)
	}

	l.lookupEnvFn = withDataDir(t, map[string]string{"GPUFLEET_LISTEN_ADDR": ":9999"})
	if err := h.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if h.Get().ListenAddr != ":9999" {
		t.Errorf("expected reloaded listen addr :9999, got %q", h.Get().ListenAddr)
	}
	if h.Current().Epoch != 2 {
		t.Errorf("expected epoch 2 after one reload, got %d", h.Current().Epoch)
	}
}

func TestConfigHolder_ReloadKeepsOldOnValidationFailure(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, nil))
	initial, err := l.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := NewConfigHolder(initial, l)

	l.lookupEnvFn = withDataDir(t, map[string]string{"GPUFLEET_LOG_LEVEL": "bogus"})
	if err := h.Reload(context.Background()); err == nil {
		t.Fatal("expected reload to fail validation")
	}
	if h.Get().LogLevel != "info" {
		t.Errorf("expected config to remain unchanged after failed reload, got log level %q", h.Get().LogLevel)
	}
}

func TestConfigHolder_RegisterListenerReceivesReload(t *testing.T) {
	l := NewLoaderWithEnv("test", withDataDir(t, nil))
	initial, _ := l.Load()
	h := NewConfigHolder(initial, l)

	ch := make(chan AppConfig, 1)
	h.RegisterListener(ch)

	l.lookupEnvFn = withDataDir(t, map[string]string{"GPUFLEET_LISTEN_ADDR": ":7777"})
	if err := h.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-ch:
		if got.ListenAddr != ":7777" {
			t.Errorf("expected listener to receive updated config, got %q", got.ListenAddr)
		}
	default:
		t.Fatal("expected listener to receive a notification")
	}
}
