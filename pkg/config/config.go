// Package config resolves the core's dotted-key configuration (§6) through
// Viper: a config file, programmatic overrides (Set), and per-key
// environment variable overrides, each taking precedence over the ones
// before it.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Default dotted-path keys, generalized from spec.md §6's
// /ace/core/sqlalchemy/url and /ace/core/storage/path onto the core's
// storage/cache/event/blob backends.
const (
	KeyStorageURL    = "/ace/core/storage/url"
	KeyStoragePath   = "/ace/core/storage/path"
	KeyStorageKwargs = "/ace/core/storage/kwargs"
	KeyRedisURL      = "/ace/core/cache/redis_url"
	KeyEventsRedis   = "/ace/core/events/redis_url"
	KeyBlobRoot      = "/ace/core/blobstore/root"
	KeyBlobS3Bucket  = "/ace/core/blobstore/s3_bucket"
	KeyBlobS3Region  = "/ace/core/blobstore/s3_region"
)

// envOverride maps a dotted config key to the environment variable that may
// override it, matching §6's "e.g. ACE_DB_URL, ACE_STORAGE_ROOT" examples.
var envOverride = map[string]string{
	KeyStorageURL:   "ACE_DB_URL",
	KeyStoragePath:  "ACE_STORAGE_ROOT",
	KeyRedisURL:     "ACE_CACHE_REDIS_URL",
	KeyEventsRedis:  "ACE_EVENTS_REDIS_URL",
	KeyBlobRoot:     "ACE_BLOB_ROOT",
	KeyBlobS3Bucket: "ACE_BLOB_S3_BUCKET",
	KeyBlobS3Region: "ACE_BLOB_S3_REGION",
}

// SetHandler is invoked after every successful Set, giving callers (notably
// the event bus) a chance to fire CONFIG_SET the same as a file-sourced
// change would, per §4.6's fire-on-side-effect event set.
type SetHandler func(key, value string)

// Config is a dotted-key configuration reader/writer backed by Viper.
type Config struct {
	mu       sync.RWMutex
	v        *viper.Viper
	handlers []SetHandler
}

// New constructs a Config, searching for a config file the way the
// teacher's cli.initConfig does ($HOME, then the working directory), and
// enabling automatic environment variable mapping as a fallback behind the
// explicit per-key overrides in envOverride.
func New(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("/", "_", ".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".acecore")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// Get resolves key, preferring an explicit per-key environment override
// (envOverride) over Viper's own value (file, automatic env, or default),
// matching §6's "each key may be overridden by an environment variable".
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if envVar, ok := envOverride[key]; ok {
		if val, present := os.LookupEnv(envVar); present {
			return val
		}
	}
	return c.v.GetString(viperKey(key))
}

// Set stores a value for key in-process (does not persist to the backing
// config file) and notifies registered SetHandlers, so a caller wiring this
// into an event bus can fire CONFIG_SET.
func (c *Config) Set(key, value string) {
	c.mu.Lock()
	c.v.Set(viperKey(key), value)
	handlers := append([]SetHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(key, value)
	}
}

// OnSet registers a handler invoked after every Set.
func (c *Config) OnSet(h SetHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// SetDefault installs a default value for key, used when neither an env
// override nor the config file supplies one.
func (c *Config) SetDefault(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.SetDefault(viperKey(key), value)
}

// viperKey translates a dotted, slash-rooted key like
// "/ace/core/storage/path" into the key shape Viper indexes internally.
func viperKey(key string) string {
	return strings.Trim(key, "/")
}
