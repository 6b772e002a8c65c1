package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "gateway.yaml", `
gateway:
  url: "wss://gw.example.com/ws"
  token: "from-include"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "gateway.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "from-include" {
		t.Errorf("Gateway.Token = %q, want %q", cfg.Gateway.Token, "from-include")
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "reconnect.yaml", `
reconnect:
  max_attempts: 3
`)
	writeConfigFile(t, subdir, "store.yaml", `
store:
  backend: "memory"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "override.yaml", `
timeouts:
  request: 5s
  handshake: 2s
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "override.yaml"
timeouts:
  request: 7s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.Request != 7*time.Second {
		t.Errorf("Timeouts.Request = %v, want 7s (main should win)", cfg.Timeouts.Request)
	}
	if cfg.Timeouts.Handshake != 2*time.Second {
		t.Errorf("Timeouts.Handshake = %v, want 2s from include", cfg.Timeouts.Handshake)
	}
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"b.yaml\"\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - \"a.yaml\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"a.yaml\"\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular include") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"config.yaml\"\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular include") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"../../../etc/passwd\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected path traversal error")
	}
}

func TestIncludesFilePermissions(t *testing.T) {
	dir := t.TempDir()
	badFile := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(badFile, []byte("logger:\n  level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(badFile, 0666); err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"insecure.yaml\"\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permissions error, got %v", err)
	}
}

func TestIncludesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"nonexistent.yaml\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include file")
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"conf.d/*.yaml\"\n")

	if _, err := Load(path); err != nil {
		t.Fatalf("empty glob should not fail: %v", err)
	}
}

func TestIncludesNestedIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "level2.yaml", "logger:\n  format: \"json\"\n")
	writeConfigFile(t, dir, "level1.yaml", "includes:\n  - \"level2.yaml\"\nlogger:\n  level: \"debug\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"level1.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q, want json from nested include", cfg.Logger.Format)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()

	totalLevels := maxIncludeDepth + 2
	for i := totalLevels; i >= 1; i-- {
		var content string
		if i < totalLevels {
			content = fmt.Sprintf("includes:\n  - %q\n", fmt.Sprintf("level%d.yaml", i+1))
		}
		writeConfigFile(t, dir, fmt.Sprintf("level%d.yaml", i), content)
	}
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"level1.yaml\"\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "max depth") {
		t.Fatalf("expected max depth error, got %v", err)
	}
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"empty.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("Reconnect.MaxAttempts = %d, want default 10", cfg.Reconnect.MaxAttempts)
	}
}

func TestExpandInclude(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "b.yaml", "")
	writeConfigFile(t, dir, "a.yaml", "")

	got, err := expandInclude("*.yaml", dir)
	if err != nil {
		t.Fatalf("expandInclude: %v", err)
	}
	want := []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("glob = %v, want %v", got, want)
	}

	got, err = expandInclude("missing.yaml", dir)
	if err != nil || len(got) != 1 || got[0] != filepath.Join(dir, "missing.yaml") {
		t.Errorf("literal = %v, %v", got, err)
	}

	if _, err := expandInclude("../outside.yaml", dir); err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("expected escape error, got %v", err)
	}
}
