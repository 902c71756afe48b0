package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mount_point: /mnt/gh
cache_root: /var/cache/ghfs
max_age: 1h
lock_timeout: 30s
refresh_interval: 2m
http_bind_address: ":9091"
socket_path: /run/ghfs.sock
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	conf, err := parseConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &Config{
		MountPoint:      "/mnt/gh",
		CacheRoot:       "/var/cache/ghfs",
		MaxAge:          time.Hour,
		LockTimeout:     30 * time.Second,
		RefreshInterval: 2 * time.Minute,
		HTTPBind:        ":9091",
		SocketPath:      "/run/ghfs.sock",
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigFileEmptyPath(t *testing.T) {
	conf, err := parseConfigFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *conf != (Config{}) {
		t.Errorf("empty path should produce zero config, got %+v", conf)
	}
}

func TestParseConfigFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mount_point: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseConfigFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyDefaults(t *testing.T) {
	conf := &Config{}
	conf.applyDefaults()

	if conf.MountPoint == "" || conf.CacheRoot == "" || conf.SocketPath == "" {
		t.Errorf("defaults not applied: %+v", conf)
	}
	if conf.MaxAge != defaultMaxAge {
		t.Errorf("max age = %v, want %v", conf.MaxAge, defaultMaxAge)
	}
	if conf.LockTimeout != defaultLockTimeout {
		t.Errorf("lock timeout = %v, want %v", conf.LockTimeout, defaultLockTimeout)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	conf := &Config{MountPoint: "/mnt/custom", MaxAge: time.Minute}
	conf.applyDefaults()

	if conf.MountPoint != "/mnt/custom" {
		t.Errorf("mount point overridden: %q", conf.MountPoint)
	}
	if conf.MaxAge != time.Minute {
		t.Errorf("max age overridden: %v", conf.MaxAge)
	}
}
