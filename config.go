package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/ghfs/internal/cache"
)

const (
	defaultMountPoint      = "/mnt/ghfs"
	defaultHTTPBind        = ":9090"
	defaultMaxAge          = 24 * time.Hour
	defaultLockTimeout     = 5 * time.Minute
	defaultRefreshInterval = 5 * time.Minute
)

// Config is the daemon configuration. Every field has a default. Values from
// the config file win over the environment: GHFS_MOUNT_POINT, GHFS_MAX_AGE,
// GHFS_HTTP_BIND and GHFS_SOCKET only fill fields the file leaves unset. The
// --cache-root flag (default GHFS_CACHE_ROOT) wins over the file's cache_root.
type Config struct {
	// MountPoint is where the filesystem is mounted
	MountPoint string `yaml:"mount_point"`

	// CacheRoot is the root of the cache tree
	// (mirrors, worktrees, locks, state db)
	CacheRoot string `yaml:"cache_root"`

	// MaxAge is how long a generation serves reads before a refresh
	MaxAge time.Duration `yaml:"max_age"`

	// LockTimeout bounds per-repo lock acquisition
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// RefreshInterval is how often the scheduler scans for stale repos
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// HTTPBind is the address of the metrics/pprof server. An empty value
	// takes GHFS_HTTP_BIND, else :9090; GHFS_HTTP_BIND set to "" disables it
	HTTPBind string `yaml:"http_bind_address"`

	// SocketPath is the control socket path
	// (default: $XDG_RUNTIME_DIR/ghfs.sock)
	SocketPath string `yaml:"socket_path"`

	// FuseDebug enables go-fuse request logging
	FuseDebug bool `yaml:"fuse_debug"`
}

// parseConfigFile reads the YAML config at path. An empty path returns the
// zero config so defaults apply.
func parseConfigFile(path string) (*Config, error) {
	conf := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read config file err:%w", err)
		}
		if err := yaml.Unmarshal(raw, conf); err != nil {
			return nil, fmt.Errorf("unable to parse config file err:%w", err)
		}
	}

	return conf, nil
}

// applyDefaults fills unset fields from the environment where a variable
// exists for the field, else from the built-in default. Flag overrides are
// applied by the caller before this runs.
func (c *Config) applyDefaults() {
	if c.MountPoint == "" {
		c.MountPoint = envString("GHFS_MOUNT_POINT", defaultMountPoint)
	}
	if c.CacheRoot == "" {
		c.CacheRoot = cache.DefaultLayout().Root()
	}
	if c.MaxAge <= 0 {
		c.MaxAge = envDuration("GHFS_MAX_AGE", defaultMaxAge)
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.HTTPBind == "" {
		c.HTTPBind = envString("GHFS_HTTP_BIND", defaultHTTPBind)
	}
	if c.SocketPath == "" {
		c.SocketPath = envString("GHFS_SOCKET", cache.SocketPath())
	}
}

// loadConfig parses the config file and layers flag overrides on top.
func loadConfig() (*Config, error) {
	conf, err := parseConfigFile(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagCacheRoot != "" {
		conf.CacheRoot = flagCacheRoot
	}
	conf.applyDefaults()
	return conf, nil
}
